package view

import (
	"sync"

	"github.com/harunnryd/dialtone/pkg/call"
)

// Binding subscribes to session state changes and republishes recomputed
// render models. Updates is a capacity-one latest-wins channel: a slow
// reader never blocks the session, it just skips intermediate models and
// wakes to the newest one.
type Binding struct {
	mu      sync.Mutex
	current Model
	updates chan Model
}

func NewBinding() *Binding {
	return &Binding{
		current: Model{Status: call.StateIdle.String(), StatusMessage: "Offline"},
		updates: make(chan Model, 1),
	}
}

// OnStateChange recomputes the model for the change's snapshot.
func (b *Binding) OnStateChange(change call.StateChange) {
	model := Project(change.Snapshot)
	b.mu.Lock()
	b.current = model
	// drop the stale queued model so the reader wakes to the latest
	select {
	case <-b.updates:
	default:
	}
	select {
	case b.updates <- model:
	default:
	}
	b.mu.Unlock()
}

// Current returns the most recently computed model.
func (b *Binding) Current() Model {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Updates delivers recomputed models, newest first when the reader lags.
func (b *Binding) Updates() <-chan Model {
	return b.updates
}

var _ call.StateListener = (*Binding)(nil)
