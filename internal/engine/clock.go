package engine

import "time"

// Timer is a scheduled callback that can be stopped.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so countdown floors and TTLs are testable.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}
