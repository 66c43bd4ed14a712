// Package livestream forwards applied edits to clients viewing a document.
//
// Publishing never blocks: a viewer whose buffer is full misses the event
// and is expected to resync from the stored document.
package livestream

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/scrivia/agentcore/pkg/contracts"
	"github.com/scrivia/agentcore/pkg/models"
)

// DefaultBuffer is the per-viewer channel capacity.
const DefaultBuffer = 32

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("livestream: forwarder closed")

// Forwarder fans stream events out to per-document subscribers.
type Forwarder struct {
	mu     sync.RWMutex
	subs   map[string][]chan models.StreamEvent
	buffer int
	closed bool

	dropped atomic.Int64
}

var _ contracts.LiveSink = (*Forwarder)(nil)

// New creates a Forwarder with the given per-viewer buffer.
func New(buffer int) *Forwarder {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Forwarder{subs: make(map[string][]chan models.StreamEvent), buffer: buffer}
}

// Subscribe registers a viewer of ref. The returned cancel func removes
// the subscription and closes the channel; it is safe to call twice.
func (f *Forwarder) Subscribe(ref string) (<-chan models.StreamEvent, func()) {
	ch := make(chan models.StreamEvent, f.buffer)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	f.subs[ref] = append(f.subs[ref], ch)
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() { f.unsubscribe(ref, ch) })
	}
}

func (f *Forwarder) unsubscribe(ref string, ch chan models.StreamEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()

	subs := f.subs[ref]
	for i, s := range subs {
		if s == ch {
			f.subs[ref] = append(subs[:i], subs[i+1:]...)
			close(s)
			break
		}
	}
	if len(f.subs[ref]) == 0 {
		delete(f.subs, ref)
	}
}

// HasViewers reports whether ref has at least one subscriber.
func (f *Forwarder) HasViewers(ref string) bool {
	return f.Viewers(ref) > 0
}

// Viewers returns the number of subscribers of ref.
func (f *Forwarder) Viewers(ref string) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.subs[ref])
}

// Dropped returns how many deliveries were skipped because a viewer was slow.
func (f *Forwarder) Dropped() int64 {
	return f.dropped.Load()
}

// Publish delivers ev to every viewer of ev.Ref without blocking.
func (f *Forwarder) Publish(ev models.StreamEvent) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrClosed
	}

	for _, ch := range f.subs[ev.Ref] {
		select {
		case ch <- ev:
		default:
			f.dropped.Add(1)
			log.Warn().Str("ref", ev.Ref).Msg("Live viewer too slow, dropped stream event")
		}
	}
	return nil
}

// Close disconnects every viewer.
func (f *Forwarder) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for ref, subs := range f.subs {
		for _, ch := range subs {
			close(ch)
		}
		delete(f.subs, ref)
	}
}
