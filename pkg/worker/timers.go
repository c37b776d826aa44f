package worker

import "time"

// Timers holds every fixed delay named in spec.md §4.5.2, all overridable
// so tests don't have to wait out a 600-second error-recovery window.
type Timers struct {
	RegisterRetry     time.Duration
	FetchFail         time.Duration
	FetchEmpty        time.Duration
	FetchDone         time.Duration
	ErrorRecover      time.Duration
	UncaughtException time.Duration
	AsleepPoll        time.Duration
	QueueThreshold    int
	QueueBackoff      time.Duration
}

// DefaultTimers returns the spec-mandated defaults.
func DefaultTimers() Timers {
	return Timers{
		RegisterRetry:      30 * time.Second,
		FetchFail:          10 * time.Second,
		FetchEmpty:         5 * time.Second,
		FetchDone:          3 * time.Second,
		ErrorRecover:       600 * time.Second,
		UncaughtException:  60 * time.Second,
		AsleepPoll:         30 * time.Second,
		QueueThreshold:     10,
		QueueBackoff:       5 * time.Second,
	}
}
