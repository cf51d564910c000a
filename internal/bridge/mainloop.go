package bridge

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ndl/pumaduct/internal/logging"
)

// MainLoop is the single cooperative scheduler described in spec.md §5:
// a goroutine draining a channel of closures, so the HTTP frontend
// goroutine and every IM back-end's goroutines never touch bridge state
// directly — they only ever call Post.
//
// Grounded on the design note in spec.md §9 ("the main loop can be a
// single goroutine/task that reads from a channel of closures").
type MainLoop struct {
	jobs    chan func()
	onLoop  atomic.Bool
	done    chan struct{}
}

// NewMainLoop builds a MainLoop whose job channel has the given buffer
// capacity (0 is a valid, unbuffered, capacity).
func NewMainLoop(bufferSize int) *MainLoop {
	return &MainLoop{
		jobs: make(chan func(), bufferSize),
		done: make(chan struct{}),
	}
}

// Post is the single post-to-main-loop primitive (spec.md §9): the only
// way code running on another goroutine may touch bridge state. It
// returns immediately; job runs later, serialized with every other job.
func (m *MainLoop) Post(job func()) {
	m.jobs <- job
}

// Run drains the job channel on the calling goroutine until it is
// closed (via Stop), executing each job to completion before the next
// — this is what gives every bridge callback its thread-affinity
// guarantee. AssertOnLoop is satisfied for the duration of each job.
func (m *MainLoop) Run() {
	defer close(m.done)
	for job := range m.jobs {
		m.onLoop.Store(true)
		job()
		m.onLoop.Store(false)
	}
}

// Stop closes the job channel, causing Run's goroutine to drain any
// already-queued jobs and then return.
func (m *MainLoop) Stop() {
	close(m.jobs)
}

// Done is closed once Run has returned (all queued jobs executed and
// the channel drained).
func (m *MainLoop) Done() <-chan struct{} {
	return m.done
}

// AssertOnLoop panics if called from outside a job currently executing
// on the main loop's goroutine — the Go analogue of spec.md §5's
// thread-affinity invariant, which has no compiler-enforced equivalent.
func (m *MainLoop) AssertOnLoop() {
	if !m.onLoop.Load() {
		panic("bridge: called off the main-loop goroutine")
	}
}

// retryTimer wraps a time.Timer that is armed only while work exists
// and explicitly disarmed on drain or shutdown, grounded on the
// glib.timeout_add_seconds / glib.source_remove pattern used throughout
// layers/messages.py and layers/presence.py.
type retryTimer struct {
	interval time.Duration
	timer    *time.Timer
	armed    bool
}

func newRetryTimer(interval time.Duration) *retryTimer {
	return &retryTimer{interval: interval}
}

// Arm schedules fn to run on the main loop after interval, unless
// already armed.
func (t *retryTimer) Arm(loop *MainLoop, fn func()) {
	if t.armed {
		return
	}
	t.armed = true
	t.timer = time.AfterFunc(t.interval, func() {
		loop.Post(func() {
			t.armed = false
			fn()
		})
	})
}

// Disarm cancels a pending timer, if any.
func (t *retryTimer) Disarm() {
	if t.timer != nil {
		t.timer.Stop()
	}
	t.armed = false
}

// periodicTimer wraps a time.Ticker driving a recurring main-loop job,
// used for the presence-refresh timer (unlike the retry timers, it
// runs for the process lifetime until Stop).
type periodicTimer struct {
	ticker *time.Ticker
	cancel context.CancelFunc
}

func startPeriodicTimer(loop *MainLoop, interval time.Duration, fn func()) *periodicTimer {
	ticker := time.NewTicker(interval)
	ctx, cancel := context.WithCancel(context.Background())
	pt := &periodicTimer{ticker: ticker, cancel: cancel}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				loop.Post(fn)
			}
		}
	}()
	return pt
}

func (t *periodicTimer) Stop() {
	t.ticker.Stop()
	t.cancel()
}

func logPanic(ctx context.Context, where string, r any) {
	logging.Error(ctx, "recovered panic in callback", zap.String("where", where), zap.Any("panic", r))
}
