package trigger

import (
	"bytes"
	"sync"
)

// syncBuffer is a bytes.Buffer safe for concurrent log writes.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// recorder collects events delivered to a Callback.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) callback(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// countingObserver records observer notifications.
type countingObserver struct {
	mu       sync.Mutex
	emitted  map[Type]int
	rejected map[string]int
	panics   int
}

func newCountingObserver() *countingObserver {
	return &countingObserver{emitted: map[Type]int{}, rejected: map[string]int{}}
}

func (o *countingObserver) EventEmitted(t Type) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.emitted[t]++
}

func (o *countingObserver) WebhookRejected(_, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rejected[reason]++
}

func (o *countingObserver) CallbackPanicked(Type) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.panics++
}

func (o *countingObserver) rejections(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.rejected[reason]
}

func (o *countingObserver) panicCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.panics
}
