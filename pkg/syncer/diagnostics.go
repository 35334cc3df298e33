package syncer

import (
	"sync"
	"time"
)

const WindowSize = 10

// Window is a fixed capacity rolling buffer of the most recent duration samples.
type Window struct {
	mutex   sync.Mutex
	samples [WindowSize]time.Duration
	next    int
	count   int
}

func (w *Window) Add(d time.Duration) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.samples[w.next] = d
	w.next = (w.next + 1) % WindowSize
	w.count = min(w.count+1, WindowSize)
}

// Samples returns the buffered samples, oldest first.
func (w *Window) Samples() []time.Duration {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	out := make([]time.Duration, 0, w.count)
	start := (w.next - w.count + WindowSize) % WindowSize
	for i := 0; i < w.count; i++ {
		out = append(out, w.samples[(start+i)%WindowSize])
	}
	return out
}

func (w *Window) Average() time.Duration {
	samples := w.Samples()
	if len(samples) == 0 {
		return 0
	}
	var total time.Duration
	for _, s := range samples {
		total += s
	}
	return total / time.Duration(len(samples))
}

// Diagnostics is a point in time view of the sync loop for monitoring displays.
type Diagnostics struct {
	State          State
	PollTimes      []time.Duration
	ReconcileTimes []time.Duration
	Cycles         int64
	FailedCycles   int64
	SkippedTicks   int64
	LastError      error
}
