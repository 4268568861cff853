package timeutils

import "time"

// TimeProvider supplies the clock used for occurred_at/taken_at stamping.
// Backends take it as an option so tests can pin time.
type TimeProvider interface {
	Now() time.Time
}

type RealTimeProvider struct{}

func (r *RealTimeProvider) Now() time.Time {
	return time.Now()
}

func NewRealTimeProvider() *RealTimeProvider {
	return &RealTimeProvider{}
}

// Fixed returns a provider pinned to a single instant.
func Fixed(t time.Time) *FixedTimeProvider {
	return &FixedTimeProvider{t: t}
}

type FixedTimeProvider struct {
	t time.Time
}

func (f *FixedTimeProvider) Now() time.Time {
	return f.t
}
