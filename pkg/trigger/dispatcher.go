package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/aixgo-dev/agentd/pkg/security"
)

const defaultQueueSize = 64

// envelope carries an event to the consumer and signals when it was handled.
type envelope struct {
	event Event
	done  chan struct{}
}

// Dispatcher owns one Source per config and delivers all of their events to a
// single callback through one bounded queue and one consumer goroutine.
//
// A source blocks in emit until the consumer has handled its event, so events
// of one source keep their order and a webhook still answers only after the
// callback returned. The callback is never invoked concurrently.
type Dispatcher struct {
	sources  []Source
	callback Callback
	logger   *slog.Logger
	observer Observer
	size     int

	lifecycle sync.Mutex
	started   bool

	// mu guards queue and open. emit holds the read side while sending.
	mu           sync.RWMutex
	queue        chan envelope
	open         bool
	consumerDone chan struct{}
}

// NewDispatcher builds a source for every config. Any invalid or unknown
// config fails construction before a goroutine is started.
func NewDispatcher(configs []Config, cb Callback, opts ...Option) (*Dispatcher, error) {
	if cb == nil {
		return nil, fmt.Errorf("%w: nil callback", ErrInvalidConfig)
	}
	o := buildOptions(opts)
	d := &Dispatcher{
		callback: cb,
		logger:   o.logger.With("component", "trigger.dispatcher"),
		observer: o.observer,
		size:     o.queueSize,
	}
	for i, cfg := range configs {
		src, err := New(cfg, d.emit, opts...)
		if err != nil {
			return nil, fmt.Errorf("trigger %d: %w", i, err)
		}
		d.sources = append(d.sources, src)
	}
	return d, nil
}

// Count returns the number of sources currently running.
func (d *Dispatcher) Count() int {
	n := 0
	for _, src := range d.sources {
		if src.Running() {
			n++
		}
	}
	return n
}

// Sources returns the sources in config order.
func (d *Dispatcher) Sources() []Source {
	out := make([]Source, len(d.sources))
	copy(out, d.sources)
	return out
}

// Running reports whether StartAll succeeded and StopAll has not been called since.
func (d *Dispatcher) Running() bool {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	return d.started
}

// StartAll starts the consumer and then every source. If a source fails to
// start, the ones already started are stopped and the error is returned.
// Calling StartAll again while running is a no-op.
func (d *Dispatcher) StartAll() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if d.started {
		return nil
	}

	d.openQueue()
	for i, src := range d.sources {
		if err := src.Start(); err != nil {
			for j := i - 1; j >= 0; j-- {
				if stopErr := d.sources[j].Stop(); stopErr != nil {
					d.logger.Warn("stop after failed start", "type", d.sources[j].Type(), "error", stopErr)
				}
			}
			d.closeQueue()
			return fmt.Errorf("start %s trigger: %w", src.Type(), err)
		}
	}
	d.started = true
	d.logger.Info("triggers started", "count", len(d.sources))
	return nil
}

// StopAll stops every source in parallel, then drains and joins the consumer.
// Calling StopAll on a stopped dispatcher is a no-op.
func (d *Dispatcher) StopAll() error {
	d.lifecycle.Lock()
	defer d.lifecycle.Unlock()
	if !d.started {
		return nil
	}

	var g errgroup.Group
	for _, src := range d.sources {
		g.Go(func() error {
			if err := src.Stop(); err != nil {
				return fmt.Errorf("stop %s trigger: %w", src.Type(), err)
			}
			return nil
		})
	}
	err := g.Wait()

	d.closeQueue()
	d.started = false
	d.logger.Info("triggers stopped", "count", len(d.sources))
	return err
}

// With starts all sources, runs fn and always stops all sources, also when
// fn panics.
func (d *Dispatcher) With(fn func() error) (err error) {
	if err := d.StartAll(); err != nil {
		return err
	}
	defer func() {
		if stopErr := d.StopAll(); stopErr != nil && err == nil {
			err = stopErr
		}
	}()
	if fn == nil {
		return nil
	}
	return fn()
}

// Run is With bound to a context. A nil fn blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, fn func(context.Context) error) error {
	return d.With(func() error {
		if fn == nil {
			<-ctx.Done()
			return nil
		}
		return fn(ctx)
	})
}

func (d *Dispatcher) openQueue() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = make(chan envelope, d.size)
	d.consumerDone = make(chan struct{})
	d.open = true
	go d.consume(d.queue, d.consumerDone)
}

func (d *Dispatcher) closeQueue() {
	d.mu.Lock()
	d.open = false
	close(d.queue)
	done := d.consumerDone
	d.mu.Unlock()
	<-done
}

// emit is the callback handed to every source.
func (d *Dispatcher) emit(ev Event) {
	d.mu.RLock()
	if !d.open {
		d.mu.RUnlock()
		d.logger.Debug("event dropped, dispatcher stopped", "type", ev.Type)
		return
	}
	env := envelope{event: ev, done: make(chan struct{})}
	d.queue <- env
	d.mu.RUnlock()
	<-env.done
}

func (d *Dispatcher) consume(queue <-chan envelope, done chan<- struct{}) {
	defer close(done)
	for env := range queue {
		d.handle(env.event)
		close(env.done)
	}
}

func (d *Dispatcher) handle(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			d.observer.CallbackPanicked(ev.Type)
			d.logger.Error("trigger callback panicked",
				"type", ev.Type,
				"panic", security.SanitizeMessage(fmt.Sprint(r)))
		}
	}()
	d.observer.EventEmitted(ev.Type)
	d.callback(ev)
}
