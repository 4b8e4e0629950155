package events

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
)

// Recorder is an in-memory Bus and Publisher that keeps everything it is
// given. It backs tests and the api binary's dry-run mode.
type Recorder struct {
	mu         sync.Mutex
	staged     []Event
	dispatched []Event
}

func (r *Recorder) Stage(_ context.Context, _ pgx.Tx, evs ...Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged = append(r.staged, evs...)
	return nil
}

func (r *Recorder) Dispatch(_ context.Context, evs ...Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatched = append(r.dispatched, evs...)
}

func (r *Recorder) Publish(ctx context.Context, ev Event) error {
	r.Dispatch(ctx, ev)
	return nil
}

// Staged returns a copy of the staged events.
func (r *Recorder) Staged() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.staged...)
}

// Dispatched returns a copy of the dispatched events.
func (r *Recorder) Dispatched() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.dispatched...)
}

// Types lists dispatched event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.dispatched))
	for i, ev := range r.dispatched {
		out[i] = ev.Type
	}
	return out
}

// Reset forgets everything.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged, r.dispatched = nil, nil
}
