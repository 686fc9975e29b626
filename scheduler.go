package dht

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/golang/glog"
	"golang.org/x/sync/errgroup"
)

// scheduler is the worker pool and timer source shared by the DHT instances of
// a process. Decoding, dispatch, task updates and maintenance all run on it.
type scheduler struct {
	clk  clock.Clock
	jobs chan func()

	mu      sync.Mutex
	users   int
	g       *errgroup.Group
	cancel  context.CancelFunc
	running bool
}

func newScheduler(clk clock.Clock) *scheduler {
	if clk == nil {
		clk = clock.New()
	}
	return &scheduler{
		clk:  clk,
		jobs: make(chan func(), 1024),
	}
}

func numWorkers() int {
	n := runtime.NumCPU()
	if n < 2 {
		n = 2
	}
	return n
}

// acquire starts the workers for the first user.
func (s *scheduler) acquire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users++
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < numWorkers(); i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case f := <-s.jobs:
					s.run(f)
				}
			}
		})
	}
	s.g, s.cancel, s.running = g, cancel, true
}

// release stops the workers once the last user is gone.
func (s *scheduler) release() error {
	s.mu.Lock()
	s.users--
	if s.users > 0 || !s.running {
		s.mu.Unlock()
		return nil
	}
	g, cancel := s.g, s.cancel
	s.running = false
	s.mu.Unlock()
	cancel()
	return g.Wait()
}

func (s *scheduler) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// run executes f, logging instead of propagating a panic so that a broken
// listener can't take a worker down.
func (s *scheduler) run(f func()) {
	defer func() {
		if x := recover(); x != nil {
			log.Errorf("DHT: recovered panic in scheduled job: %v\n%s", x, debug.Stack())
			totalRecoveredPanics.Add(1)
		}
	}()
	f()
}

// execute runs f on a worker. When every worker is busy and the queue is full
// f gets its own goroutine rather than blocking the caller, which may be the
// socket reader. It returns false if the scheduler is stopped and f was
// dropped.
func (s *scheduler) execute(f func()) bool {
	if !s.isRunning() {
		return false
	}
	select {
	case s.jobs <- f:
	default:
		go s.run(f)
	}
	return true
}

// schedule runs f on a worker after d.
func (s *scheduler) schedule(d time.Duration, f func()) *clock.Timer {
	return s.clk.AfterFunc(d, func() { s.execute(f) })
}

// periodicJob is a job rescheduled a fixed delay after each run ends.
type periodicJob struct {
	s     *scheduler
	f     func()
	delay time.Duration

	mu      sync.Mutex
	timer   *clock.Timer
	stopped bool
}

func (p *periodicJob) arm(d time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.timer = p.s.clk.AfterFunc(d, func() {
		p.s.execute(func() {
			p.mu.Lock()
			stopped := p.stopped
			p.mu.Unlock()
			if stopped {
				return
			}
			defer p.arm(p.delay)
			p.f()
		})
	})
}

// Cancel stops future runs. A run in progress completes.
func (p *periodicJob) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
	}
}

// scheduleWithFixedDelay runs f after initial and then delay after each
// completed run, until the returned job is cancelled.
func (s *scheduler) scheduleWithFixedDelay(initial, delay time.Duration, f func()) *periodicJob {
	p := &periodicJob{s: s, f: f, delay: delay}
	p.arm(initial)
	return p
}
