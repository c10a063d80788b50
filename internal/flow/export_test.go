package flow

// Transition exposes the attempt state machine to tests.
func (a *Attempt) Transition(to Phase) error {
	return a.transition(to)
}

// NewAttemptInPhase returns an attempt already in phase p.
func NewAttemptInPhase(scheme string, p Phase) *Attempt {
	a := NewAttempt(scheme)
	a.phase = p
	return a
}

// StringsClaim exposes the list claim parsing to tests.
func StringsClaim(claims map[string]any, key string) []string {
	return stringsClaim(claims, key)
}
