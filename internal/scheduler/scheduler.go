// Package scheduler turns tree-change and activity signals into a bounded
// number of scans.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pbaille/toxfilter/internal/ratelimit"
)

const (
	DefaultFrameDelay       = 16 * time.Millisecond
	DefaultActivityInterval = time.Second
	defaultInboxSize        = 64
)

// State of the mutation channel
type State int32

const (
	Idle State = iota
	ScanPending
)

func (s State) String() string {
	if s == ScanPending {
		return "scan_pending"
	}
	return "idle"
}

// Signal is an inbound notification
type Signal int

const (
	// SignalMutation reports a structural change of the tree
	SignalMutation Signal = iota
	// SignalActivity reports coarse user activity such as scroll or click
	SignalActivity
)

// ScanFunc starts a scan. It returns once the scan's claims are made; the
// returned wait func blocks until its results are applied.
type ScanFunc func(ctx context.Context) (wait func())

// Options tune a Scheduler
type Options struct {
	// FrameDelay is the batching window before a deferred scan runs
	FrameDelay       time.Duration
	ActivityInterval time.Duration
	Logger           *slog.Logger
}

// Stats counts scheduler activity
type Stats struct {
	Scans   int64 `json:"scans"`
	Dropped int64 `json:"dropped"`
}

// Scheduler batches signals into deferred scans
type Scheduler struct {
	scan     ScanFunc
	frame    time.Duration
	throttle *ratelimit.Throttle
	inbox    chan Signal
	state    atomic.Int32
	inflight sync.WaitGroup
	scans    atomic.Int64
	dropped  atomic.Int64
	log      *slog.Logger
}

// New creates a scheduler. It starts in ScanPending until Run has completed
// the initial scan.
func New(scan ScanFunc, opts Options) *Scheduler {
	if opts.FrameDelay <= 0 {
		opts.FrameDelay = DefaultFrameDelay
	}
	if opts.ActivityInterval <= 0 {
		opts.ActivityInterval = DefaultActivityInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Scheduler{
		scan:     scan,
		frame:    opts.FrameDelay,
		throttle: ratelimit.NewThrottle(opts.ActivityInterval),
		inbox:    make(chan Signal, defaultInboxSize),
		log:      opts.Logger.With("component", "scheduler"),
	}
	s.state.Store(int32(ScanPending))
	return s
}

// Notify delivers a signal without blocking. It reports false when the
// signal was dropped because the inbox is full.
func (s *Scheduler) Notify(sig Signal) bool {
	select {
	case s.inbox <- sig:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// State returns the mutation channel state
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Stats returns the scheduler counters
func (s *Scheduler) Stats() Stats {
	return Stats{Scans: s.scans.Load(), Dropped: s.dropped.Load()}
}

// Run performs the initial scan and then serves signals until ctx is done.
// It returns after in-flight scans have finished.
func (s *Scheduler) Run(ctx context.Context) error {
	s.runScan(ctx)
	s.state.Store(int32(Idle))
	s.log.Debug("initial scan dispatched")

	var frameC, activityC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			s.inflight.Wait()
			return nil

		case sig := <-s.inbox:
			switch sig {
			case SignalMutation:
				if s.state.CompareAndSwap(int32(Idle), int32(ScanPending)) {
					frameC = time.After(s.frame)
				} else {
					s.dropped.Add(1)
				}
			case SignalActivity:
				if activityC == nil && s.throttle.Allow() {
					activityC = time.After(s.frame)
				} else {
					s.dropped.Add(1)
				}
			}

		case <-frameC:
			frameC = nil
			s.runScan(ctx)
			s.state.Store(int32(Idle))

		case <-activityC:
			activityC = nil
			s.runScan(ctx)
		}
	}
}

func (s *Scheduler) runScan(ctx context.Context) {
	wait := s.scan(ctx)
	s.scans.Add(1)
	if wait == nil {
		return
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		wait()
	}()
}
