package stream

import "time"

// Timer is a cancellable scheduled tick.
type Timer interface {
	Stop() bool
}

// Scheduler runs f once after d.
type Scheduler interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type clockScheduler struct{}

func (clockScheduler) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// ClockScheduler schedules on the runtime timer heap.
func ClockScheduler() Scheduler {
	return clockScheduler{}
}
