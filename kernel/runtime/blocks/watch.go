package blocks

import (
	"sort"
	"sync"
	"time"

	"github.com/yasserelgammal/rate-limiter/limiter"
	"github.com/yasserelgammal/rate-limiter/store"
)

// DefaultWatchRate is how often a shown variable may refresh, per second.
const DefaultWatchRate = 10

// Watch throttles "show" updates per variable. Updates over the rate are
// held back, only the newest is kept, and it is emitted as soon as the
// variable may refresh again.
type Watch struct {
	limiter *limiter.TokenBucket
	store   *store.MemoryStore
	emit    func(name string, value float64)

	mu      sync.Mutex
	pending map[string]float64
	timers  map[string]*time.Timer
	closed  bool
}

// NewWatch creates a watch emitting at most rate updates per second for
// each variable. Close releases it.
func NewWatch(rate int, emit func(name string, value float64)) (*Watch, error) {
	if rate <= 0 {
		rate = DefaultWatchRate
	}
	limiterStore := store.NewMemoryStore(time.Minute)
	bucket, err := limiter.NewTokenBucket(limiter.Config{
		Rate:     int64(rate),
		Duration: time.Second,
		Burst:    1,
	}, limiterStore)
	if err != nil {
		limiterStore.Close()
		return nil, err
	}
	return &Watch{
		limiter: bucket,
		store:   limiterStore,
		emit:    emit,
		pending: make(map[string]float64),
		timers:  make(map[string]*time.Timer),
	}, nil
}

// Update records a new value, emitting it now unless the variable refreshed too recently.
func (w *Watch) Update(name string, value float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	res := w.limiter.AllowN(name, 1)
	if res.Allowed {
		w.stopTimer(name)
		delete(w.pending, name)
		w.emit(name, value)
		return
	}
	w.pending[name] = value
	if _, scheduled := w.timers[name]; !scheduled {
		w.schedule(name, res.ResetAt)
	}
}

func (w *Watch) schedule(name string, at time.Time) {
	delay := time.Until(at)
	if delay < time.Millisecond {
		delay = time.Millisecond
	}
	w.timers[name] = time.AfterFunc(delay, func() { w.trailing(name) })
}

func (w *Watch) trailing(name string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.timers, name)
	value, ok := w.pending[name]
	if w.closed || !ok {
		return
	}
	res := w.limiter.AllowN(name, 1)
	if !res.Allowed {
		w.schedule(name, res.ResetAt)
		return
	}
	delete(w.pending, name)
	w.emit(name, value)
}

func (w *Watch) stopTimer(name string) {
	if t, ok := w.timers[name]; ok {
		t.Stop()
		delete(w.timers, name)
	}
}

// Flush emits every held-back value, in name order.
func (w *Watch) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
}

func (w *Watch) flushLocked() {
	names := make([]string, 0, len(w.pending))
	for name := range w.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w.stopTimer(name)
		w.emit(name, w.pending[name])
		delete(w.pending, name)
	}
}

// Close flushes held-back values and stops the watch. Later updates are
// dropped.
func (w *Watch) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.flushLocked()
	for name := range w.timers {
		w.stopTimer(name)
	}
	w.closed = true
	w.store.Close()
}
