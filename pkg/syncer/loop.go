package syncer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/astromechza/tablesync/pkg/events"
)

const DefaultInterval = 2 * time.Second

var ErrRunning = errors.New("sync loop already running")

type State int32

const (
	StateStopped State = iota
	StateIdle
	StatePolling
	StateReconciling
)

func (s State) String() string {
	return [...]string{"stopped", "idle", "polling", "reconciling"}[s]
}

// Loop polls the digest endpoint on a fixed interval and hands every map to the Reconciler. At most one cycle
// runs at a time; ticks and triggers that arrive during a cycle are dropped.
type Loop struct {
	name       string
	source     Source
	reconciler *Reconciler
	hub        *events.Hub
	log        *slog.Logger
	interval   time.Duration
	observer   string

	state    atomic.Int32
	running  atomic.Bool
	inFlight atomic.Bool
	kick     chan struct{}

	mutex  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	pollTimes      Window
	reconcileTimes Window
	cycles         atomic.Int64
	failedCycles   atomic.Int64
	skippedTicks   atomic.Int64
	lastError      atomic.Pointer[error]
}

func NewLoop(name string, source Source, reconciler *Reconciler, hub *events.Hub, interval time.Duration, log *slog.Logger) *Loop {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		name:       name,
		source:     source,
		reconciler: reconciler,
		hub:        hub,
		log:        log.With("room", name),
		interval:   interval,
		observer:   "syncer.loop." + name,
		kick:       make(chan struct{}, 1),
	}
}

// Start launches the loop. The first cycle runs immediately. A stopped loop can be started again.
func (l *Loop) Start(ctx context.Context) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.cancel != nil {
		return ErrRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel
	l.done = make(chan struct{})
	l.running.Store(true)
	l.state.Store(int32(StateIdle))
	l.hub.Subscribe(l.observer, events.HookSyncNow, func(any) {
		l.Trigger()
	})
	go l.run(runCtx, l.done)
	l.log.Info("sync loop started", "interval", l.interval)
	return nil
}

// Stop cancels the running cycle, if any, and returns once no further tick can fire.
func (l *Loop) Stop() {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.cancel == nil {
		return
	}
	l.hub.Unsubscribe(l.observer, events.HookSyncNow)
	l.cancel()
	<-l.done
	l.cancel, l.done = nil, nil
	l.running.Store(false)
	l.state.Store(int32(StateStopped))
	l.log.Info("sync loop stopped")
}

// Trigger asks for an out of band cycle. It is a no-op when the loop is stopped and is coalesced like a tick.
func (l *Loop) Trigger() {
	select {
	case l.kick <- struct{}{}:
	default:
	}
}

func (l *Loop) State() State {
	return State(l.state.Load())
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	cycles := new(sync.WaitGroup)
	defer close(done)
	defer cycles.Wait()

	t := time.NewTicker(l.interval)
	defer t.Stop()
	// drop triggers left over from an earlier run
	select {
	case <-l.kick:
	default:
	}

	l.fire(ctx, cycles)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		case <-l.kick:
		}
		if ctx.Err() != nil {
			return
		}
		l.fire(ctx, cycles)
	}
}

func (l *Loop) fire(ctx context.Context, cycles *sync.WaitGroup) {
	if !l.inFlight.CompareAndSwap(false, true) {
		l.skippedTicks.Add(1)
		SkippedTickCount.Inc()
		return
	}
	cycles.Add(1)
	go func() {
		defer cycles.Done()
		defer l.inFlight.Store(false)
		if _, err := l.Cycle(ctx); err != nil && ctx.Err() == nil {
			l.log.Warn("sync cycle failed", "err", err)
		}
	}()
}

// Cycle runs one poll and reconcile pass on the calling goroutine. Entries edited while the digest map is in
// flight are left for the next cycle.
func (l *Loop) Cycle(ctx context.Context) (Result, error) {
	l.setState(StatePolling)
	seqs := l.reconciler.store.Seqs()
	start := time.Now()
	digests, err := l.source.GetDigests(ctx, l.name)
	pollTime := time.Since(start)
	l.pollTimes.Add(pollTime)
	CycleDuration.WithLabelValues("poll").Observe(pollTime.Seconds())
	l.cycles.Add(1)
	if err != nil {
		l.setState(StateIdle)
		l.failed(err)
		return Result{}, err
	}

	l.setState(StateReconciling)
	start = time.Now()
	result, err := l.reconciler.reconcile(ctx, digests, seqs)
	reconcileTime := time.Since(start)
	l.reconcileTimes.Add(reconcileTime)
	CycleDuration.WithLabelValues("reconcile").Observe(reconcileTime.Seconds())
	l.setState(StateIdle)
	if err != nil {
		l.failed(err)
	}
	return result, err
}

// setState only tracks cycles run by a started loop. Direct Cycle calls leave a stopped loop stopped.
func (l *Loop) setState(s State) {
	if l.running.Load() {
		l.state.Store(int32(s))
	}
}

func (l *Loop) failed(err error) {
	l.failedCycles.Add(1)
	l.lastError.Store(&err)
}

func (l *Loop) Diagnostics() Diagnostics {
	out := Diagnostics{
		State:          l.State(),
		PollTimes:      l.pollTimes.Samples(),
		ReconcileTimes: l.reconcileTimes.Samples(),
		Cycles:         l.cycles.Load(),
		FailedCycles:   l.failedCycles.Load(),
		SkippedTicks:   l.skippedTicks.Load(),
	}
	if err := l.lastError.Load(); err != nil {
		out.LastError = *err
	}
	return out
}

// SuggestedInterval is a monitoring hint: twice the average cycle time, never below the configured interval.
func (l *Loop) SuggestedInterval() time.Duration {
	return max(l.interval, 2*(l.pollTimes.Average()+l.reconcileTimes.Average()))
}
