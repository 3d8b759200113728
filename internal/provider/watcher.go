package provider

import (
	"context"
	"sync"
	"time"
)

// CancellationWatcher is the opaque contract the runner and the iteration
// engine poll against. A watcher must be registered (onCancel) before
// start(); delivery to late registrants after cancellation has fired is
// undefined, per the single-writer/single-reader notification model.
type CancellationWatcher interface {
	Start()
	OnCancel(fn func(reason string)) (unsubscribe func())
	Check() error
	IsCancelled() bool
	Reason() string
	Destroy()
}

// PollingWatcher polls a check function on an interval and flips to
// cancelled, keeping the returned reason, the first time that function
// reports cancelled. This is the
// shape described in §4.C: "typically polls the task service and flips on
// a cancel payload."
type PollingWatcher struct {
	mu        sync.Mutex
	interval  time.Duration
	pollFn    func(ctx context.Context) (cancelled bool, reason string)
	listeners map[int]func(string)
	nextID    int
	cancelled bool
	reason    string
	stop      chan struct{}
	started   bool
	destroyed bool
}

// NewPollingWatcher builds a watcher that calls pollFn every interval until
// it reports cancelled or Destroy is called. pollFn always receives
// context.Background().
func NewPollingWatcher(interval time.Duration, pollFn func(ctx context.Context) (bool, string)) *PollingWatcher {
	return &PollingWatcher{
		interval:  interval,
		pollFn:    pollFn,
		listeners: make(map[int]func(string)),
		stop:      make(chan struct{}),
	}
}

func (w *PollingWatcher) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	go w.loop()
}

func (w *PollingWatcher) loop() {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			cancelled, reason := w.pollFn(ctx)
			if cancelled {
				w.fire(reason)
				return
			}
		}
	}
}

func (w *PollingWatcher) fire(reason string) {
	w.mu.Lock()
	if w.cancelled {
		w.mu.Unlock()
		return
	}
	w.cancelled = true
	w.reason = reason
	fns := make([]func(string), 0, len(w.listeners))
	for _, fn := range w.listeners {
		fns = append(fns, fn)
	}
	w.mu.Unlock()

	for _, fn := range fns {
		fn(reason)
	}
}

func (w *PollingWatcher) OnCancel(fn func(reason string)) func() {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	w.listeners[id] = fn
	w.mu.Unlock()

	return func() {
		w.mu.Lock()
		delete(w.listeners, id)
		w.mu.Unlock()
	}
}

func (w *PollingWatcher) Check() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancelled {
		return &CancellationRequestedError{Reason: w.reason}
	}
	return nil
}

func (w *PollingWatcher) IsCancelled() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cancelled
}

func (w *PollingWatcher) Reason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reason
}

func (w *PollingWatcher) Destroy() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.destroyed || !w.started {
		return
	}
	w.destroyed = true
	close(w.stop)
}
