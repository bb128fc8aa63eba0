package audit

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/example/shopfloor/internal/observability"
	"github.com/example/shopfloor/internal/state"
)

const defaultBuffer = 256

// Sink is the fire-and-forget transition log writer. Record never blocks
// and never fails the caller: the entry goes onto a bounded buffer consumed
// by a single writer goroutine. On overflow the oldest buffered entry is
// dropped and counted rather than stalling the transition that triggered
// the log.
type Sink struct {
	store  state.Store
	ch     chan state.TransitionLogRecord
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewSink(store state.Store, buffer int) *Sink {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	s := &Sink{
		store: store,
		ch:    make(chan state.TransitionLogRecord, buffer),
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// Record enqueues a transition log entry. Entries submitted after Close are
// dropped and counted.
func (s *Sink) Record(entry state.TransitionLogRecord) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	// The read lock holds Close off so the send below never races the
	// channel close.
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		observability.Default.IncCounter("transition_log_dropped_total", map[string]string{"reason": "closed"}, 1)
		return
	}
	for {
		select {
		case s.ch <- entry:
			return
		default:
		}
		// Buffer full: drop the oldest entry to make room.
		select {
		case <-s.ch:
			observability.Default.IncCounter("transition_log_dropped_total", map[string]string{"reason": "overflow"}, 1)
		default:
		}
	}
}

func (s *Sink) run() {
	defer s.wg.Done()
	for entry := range s.ch {
		if err := s.store.AppendTransitionLog(context.Background(), entry); err != nil {
			log.Printf("transition log append failed graph=%s entity=%s %s->%s err=%v",
				entry.Graph, entry.EntityID, entry.FromState, entry.ToState, err)
			observability.Default.IncCounter("transition_log_errors_total", map[string]string{"graph": entry.Graph}, 1)
			continue
		}
		observability.Default.IncCounter("transition_log_written_total", map[string]string{"graph": entry.Graph, "result": entry.Result}, 1)
	}
}

// Close stops accepting entries and drains the buffer. The context bounds
// the drain; entries still buffered at deadline are lost.
func (s *Sink) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordSecurityEvent appends to the hash-chained security audit trail.
// Best-effort: a persistence failure is logged operationally, never
// surfaced to the end user.
func RecordSecurityEvent(ctx context.Context, store state.Store, event state.AuditEventRecord) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if err := store.AppendAuditEvent(ctx, event); err != nil {
		log.Printf("audit persist failed action=%s actor=%s err=%v", event.Action, event.Actor, err)
	}
	observability.Default.IncCounter("security_events_total", map[string]string{
		"action": event.Action,
		"result": event.Result,
	}, 1)
}
