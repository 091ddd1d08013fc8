package supervisor

import "time"

// Clock abstracts time for the supervisor so tests can drive heartbeats
// and drain timeouts without sleeping.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) Ticker
}

// Ticker is the subset of time.Ticker the supervisor uses.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type realClock struct{}

// NewClock returns a Clock backed by the time package.
func NewClock() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now()
}

func (realClock) NewTicker(d time.Duration) Ticker {
	return &realTicker{ticker: time.NewTicker(d)}
}

type realTicker struct {
	ticker *time.Ticker
}

func (t *realTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t *realTicker) Stop() {
	t.ticker.Stop()
}
