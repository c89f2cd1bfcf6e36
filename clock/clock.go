// Package clock provides the engine's single UTC time source and opaque
// identifier generator. Every component that needs "now" or a new ID takes
// a Clock rather than calling time.Now or uuid.New directly, so tests can
// substitute a deterministic one.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock is the engine's time source. All timestamps stored or compared by
// the engine go through it, so a single fake can drive every component's
// notion of "now" in a test.
type Clock interface {
	Now() time.Time
}

// System is the production Clock, backed by time.Now in UTC.
type System struct{}

// Now returns the current time in UTC.
func (System) Now() time.Time {
	return time.Now().UTC()
}

// NewID returns a new opaque unique identifier.
func NewID() string {
	return uuid.New().String()
}

// NewPrefixedID returns a new opaque identifier with a human-readable
// prefix, e.g. NewPrefixedID("task") -> "task_3f29...".
func NewPrefixedID(prefix string) string {
	return prefix + "_" + uuid.New().String()
}

// Fake is a controllable Clock for tests. It never advances on its own;
// call Advance or Set to move it forward.
type Fake struct {
	t time.Time
}

// NewFake returns a Fake clock set to t (converted to UTC).
func NewFake(t time.Time) *Fake {
	return &Fake{t: t.UTC()}
}

// Now returns the fake's current time.
func (f *Fake) Now() time.Time {
	return f.t
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.t = f.t.Add(d)
}

// Set moves the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.t = t.UTC()
}
