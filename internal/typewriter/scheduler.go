// Package typewriter turns bursty streaming deltas into a smooth per-message
// reveal. Incoming text is queued per message and drained by a repeating
// timer whose bite size grows with the backlog, so a flood of arrived text
// catches up quickly while a trickle still animates at a steady minimum rate.
package typewriter

import (
	"log/slog"
	"sync"
	"time"
)

// Sink receives revealed text. It is implemented by the transcript layer;
// implementations must not call back into the Scheduler, as calls are made
// with the scheduler lock held.
type Sink interface {
	// AppendText appends a revealed slice to the message's visible text.
	AppendText(messageID, delta string)
	// SetText replaces the message's visible text in one atomic update.
	SetText(messageID, text string)
}

const (
	// DefaultInterval is the drain tick cadence (~30fps).
	DefaultInterval = 33 * time.Millisecond

	// finishedCap bounds the remembered set of terminated message ids used
	// to drop late deltas.
	finishedCap = 256
)

// revealStep maps queue backlog (in runes) to the number of runes revealed on
// one tick. It is monotone non-decreasing, so any finite backlog drains in
// bounded time, and larger backlogs drain proportionally faster.
func revealStep(backlog int) int {
	switch {
	case backlog > 600:
		return 24
	case backlog > 300:
		return 12
	case backlog > 120:
		return 6
	case backlog > 40:
		return 4
	default:
		return 2
	}
}

type queue struct {
	pending []rune
}

// Scheduler owns the per-message reveal queues and the single drain timer
// shared by all of them. The timer runs only while at least one queue is
// non-empty; an idle scheduler holds no timer at all.
type Scheduler struct {
	mu       sync.Mutex
	interval time.Duration
	sink     Sink
	logger   *slog.Logger

	queues   map[string]*queue
	ticking  bool
	finished map[string]struct{}
	order    []string
}

// NewScheduler creates a scheduler draining at DefaultInterval.
func NewScheduler(sink Sink, logger *slog.Logger) *Scheduler {
	return NewSchedulerWithInterval(sink, DefaultInterval, logger)
}

// NewSchedulerWithInterval creates a scheduler with a custom tick interval.
// Intended for tests and UX tuning; intervals below 1ms are clamped.
func NewSchedulerWithInterval(sink Sink, interval time.Duration, logger *slog.Logger) *Scheduler {
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return &Scheduler{
		interval: interval,
		sink:     sink,
		logger:   logger.With(slog.String("module", "typewriter")),
		queues:   make(map[string]*queue),
		finished: make(map[string]struct{}),
	}
}

// Enqueue appends a delta to the message's pending buffer and starts the
// drain timer if it is not already running. Deltas arriving after Finalize or
// Cancel for the same id are dropped silently; a finalized message is never
// reopened.
func (s *Scheduler) Enqueue(messageID, delta string) {
	if delta == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.finished[messageID]; done {
		s.logger.Debug("Dropping late delta for finished message",
			slog.String("messageID", messageID))
		return
	}

	q, ok := s.queues[messageID]
	if !ok {
		q = &queue{}
		s.queues[messageID] = q
	}
	q.pending = append(q.pending, []rune(delta)...)

	if !s.ticking {
		s.ticking = true
		time.AfterFunc(s.interval, s.tick)
	}
}

// Finalize terminates the message's queue, discards whatever is still
// pending, and sets the visible text to the authoritative full text in one
// update. Called exactly once per streamed message, from the completion,
// error, or cancellation paths.
func (s *Scheduler) Finalize(messageID, fullText string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.queues, messageID)
	s.markFinished(messageID)
	s.sink.SetText(messageID, fullText)
}

// Cancel terminates the message's queue without forcing a final text; the
// caller decides what partial or marker text remains visible.
func (s *Scheduler) Cancel(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.queues, messageID)
	s.markFinished(messageID)
}

// Pending reports the number of runes still queued for a message.
func (s *Scheduler) Pending(messageID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[messageID]
	if !ok {
		return 0
	}
	return len(q.pending)
}

// tick drains one slice from every live queue, then either re-arms the timer
// or lets it lapse when nothing is pending. Not ticking on empty queues is a
// correctness requirement: a timer left firing on finished messages would
// leak across conversations.
func (s *Scheduler) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, q := range s.queues {
		n := revealStep(len(q.pending))
		if n > len(q.pending) {
			n = len(q.pending)
		}
		slice := string(q.pending[:n])
		q.pending = q.pending[n:]
		if len(q.pending) == 0 {
			delete(s.queues, id)
		}
		s.sink.AppendText(id, slice)
	}

	if len(s.queues) > 0 {
		time.AfterFunc(s.interval, s.tick)
		return
	}
	s.ticking = false
}

// markFinished records a terminated id so late deltas can be dropped. The set
// is bounded; the oldest entries are evicted first.
func (s *Scheduler) markFinished(messageID string) {
	if _, ok := s.finished[messageID]; ok {
		return
	}
	s.finished[messageID] = struct{}{}
	s.order = append(s.order, messageID)
	for len(s.order) > finishedCap {
		delete(s.finished, s.order[0])
		s.order = s.order[1:]
	}
}
