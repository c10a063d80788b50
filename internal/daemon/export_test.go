package daemon

// WithSystemdSdNotifier overrides how systemd is notified.
func WithSystemdSdNotifier(f func(unsetEnvironment bool, state string) (bool, error)) Option {
	return func(o *options) {
		o.systemdSdNotifier = f
	}
}
