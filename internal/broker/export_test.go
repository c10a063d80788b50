package broker

// WithLookupEnv sets how the client secrets are looked up in the environment.
func WithLookupEnv(lookupEnv func(string) (string, bool)) Option {
	return func(o *option) {
		o.lookupEnv = lookupEnv
	}
}
