package pipeline

import (
	"sync"

	"manifold/internal/rag/model"
)

// StatusEvent is one snapshot of a document's processing state, broadcast to
// every subscriber of its document id.
type StatusEvent struct {
	Status       model.DocumentStatus
	Stage        model.ProcessingStage
	ErrorMessage *string
}

func (e StatusEvent) terminal() bool {
	return e.Status == model.DocumentCompleted || e.Status == model.DocumentFailed
}

// StatusFeed fans out StatusEvents per document id to any number of
// subscribers, keeping the most recent event so a late subscriber after a
// terminal state still gets exactly one snapshot before the stream closes,
// per §4.5's status-feed contract.
type StatusFeed struct {
	mu   sync.Mutex
	last map[string]StatusEvent
	subs map[string][]chan StatusEvent
}

func NewStatusFeed() *StatusFeed {
	return &StatusFeed{
		last: make(map[string]StatusEvent),
		subs: make(map[string][]chan StatusEvent),
	}
}

// Publish records the latest event for documentID and pushes it to every
// currently-subscribed channel (non-blocking: a slow subscriber only misses
// intermediate events, never blocks the pipeline worker).
func (f *StatusFeed) Publish(documentID string, ev StatusEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.last[documentID] = ev
	for _, ch := range f.subs[documentID] {
		select {
		case ch <- ev:
		default:
		}
	}
	if ev.terminal() {
		for _, ch := range f.subs[documentID] {
			close(ch)
		}
		delete(f.subs, documentID)
	}
}

// Subscribe returns a channel of events for documentID. If the document has
// already reached a terminal state, the channel receives that one snapshot
// event and is closed immediately — late subscribers never block forever.
func (f *StatusFeed) Subscribe(documentID string) <-chan StatusEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan StatusEvent, 8)
	if last, ok := f.last[documentID]; ok && last.terminal() {
		ch <- last
		close(ch)
		return ch
	}
	f.subs[documentID] = append(f.subs[documentID], ch)
	return ch
}

// Unsubscribe removes ch from documentID's subscriber list, e.g. when the
// HTTP client disconnects before a terminal event arrives.
func (f *StatusFeed) Unsubscribe(documentID string, ch <-chan StatusEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	subs := f.subs[documentID]
	for i, s := range subs {
		if s == ch {
			f.subs[documentID] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}
