package ports

import "time"

// ProgressPort receives replicate lifecycle events from a running driver.
// Implementations must be safe for concurrent use.
type ProgressPort interface {
	Start(total int)
	Completed(index int, duration time.Duration, failed bool)
	Finish(failures int)
}

// NoopProgress discards all progress events.
type NoopProgress struct{}

func (NoopProgress) Start(int)                          {}
func (NoopProgress) Completed(int, time.Duration, bool) {}
func (NoopProgress) Finish(int)                         {}
