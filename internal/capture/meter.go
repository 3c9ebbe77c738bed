package capture

import "time"

// levelTask is the recurring level-sampling task. It stands in for the
// display-refresh loop of a UI host: a plain ticker whose cancellation
// happens at the start of the stop sequence and again, unconditionally,
// during teardown, like every other session resource.
type levelTask struct {
	ticker *time.Ticker
	active bool
}

func newLevelTask(interval time.Duration) *levelTask {
	return &levelTask{ticker: time.NewTicker(interval), active: true}
}

func (lt *levelTask) C() <-chan time.Time {
	return lt.ticker.C
}

// running reports whether the task is still scheduled. A tick may be
// buffered after stop; callers check running before acting on one.
func (lt *levelTask) running() bool {
	return lt.active
}

func (lt *levelTask) stop() {
	if lt.active {
		lt.ticker.Stop()
		lt.active = false
	}
}
