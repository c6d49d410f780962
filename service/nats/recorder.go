package nats

import (
	"context"
	"sync"
)

// Recorder is an in-memory Publisher. Funding flows, activities and the CLI
// tests use it in place of a JetStream connection.
type Recorder struct {
	mu     sync.Mutex
	events []*TransferEvent
	fail   error
	closed bool
	notify chan struct{}
}

func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{})}
}

func (r *Recorder) PublishTransferEvent(ctx context.Context, event *TransferEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.events = append(r.events, event)
	close(r.notify)
	r.notify = make(chan struct{})
	return nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

// FailWith makes every later publish return err. A nil err clears it.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	r.fail = err
	r.mu.Unlock()
}

// Events returns a snapshot of what was published, optionally narrowed to
// one transfer.
func (r *Recorder) Events(transferID ...string) []*TransferEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*TransferEvent, 0, len(r.events))
	for _, e := range r.events {
		if len(transferID) > 0 && e.TransferID != transferID[0] {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Await blocks until at least n events were published or ctx ends.
func (r *Recorder) Await(ctx context.Context, n int) ([]*TransferEvent, error) {
	for {
		r.mu.Lock()
		if len(r.events) >= n {
			out := append([]*TransferEvent(nil), r.events...)
			r.mu.Unlock()
			return out, nil
		}
		ch := r.notify
		r.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

var _ Publisher = (*Recorder)(nil)
