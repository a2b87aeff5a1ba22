// Package session orchestrates one user-turn to assistant-turn exchange: it
// guards submission, opens the transport stream, feeds deltas into the
// typewriter scheduler, and drives the finalize, error, and cancel paths that
// close a turn out. One Controller serves one assistant persona; the
// conversation it writes into is captured per session, so late stream
// callbacks land in the transcript they started in even after the user has
// switched conversations.
package session

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lunahq/quill/internal/models"
	"github.com/lunahq/quill/internal/transcript"
	"github.com/lunahq/quill/internal/typewriter"
)

// LLM is the transport boundary: a cancellable request that yields an ordered
// sequence of text deltas terminated by a Done chunk carrying the
// authoritative full text, or by an error. Implementations observe context
// cancellation by returning without yielding either.
type LLM interface {
	Chat(ctx context.Context, messages []models.ChatMessage) iter.Seq2[models.Chunk, error]
	Generate(ctx context.Context, messages []models.ChatMessage) (string, error)
}

// Store is the persistence collaborator. The controller calls AppendMessage
// once per finalized message, fire-and-forget; failures are logged, never
// surfaced into the conversation.
type Store interface {
	AppendMessage(ctx context.Context, conversationID string, msg models.Message) (string, error)
}

// Searcher is the optional web-search augmentation collaborator.
type Searcher interface {
	Search(ctx context.Context, query string) (string, error)
}

// Memory is the local capped snapshot store for per-assistant history. Save
// may refuse oversized payloads; a refusal is non-fatal.
type Memory interface {
	Save(key string, messages []models.Message) bool
	Load(key string) []models.Message
}

// Assistant describes one themed persona. Label and Color are UI metadata
// carried for the presentation layer; the controller logic only reads the
// prompts, flags, and timings.
type Assistant struct {
	ID    string
	Label string
	Color string

	SystemPrompt    string
	ErrorText       string
	InterruptedText string

	// DeepReasoning switches the turn to a single non-streaming completion
	// routed through the same finalize path as a stream.
	DeepReasoning bool
	// SearchEnabled runs the web-search augmentation step before the main
	// transport call.
	SearchEnabled bool

	RevealInterval  time.Duration
	WatchdogTimeout time.Duration
	MemoryKey       string
}

// Collaborators bundles the external subsystems a controller writes to.
// Every field is optional except Store.
type Collaborators struct {
	Store    Store
	Searcher Searcher
	Memory   Memory

	// OnMessage is invoked whenever a message is appended or its visible
	// text changes. OnRemove is invoked when ephemeral messages are dropped.
	OnMessage func(conversationID string, msg models.Message)
	OnRemove  func(conversationID, messageID string)
}

const (
	// DefaultErrorText replaces a failed assistant turn. Raw transport
	// errors never reach the transcript.
	DefaultErrorText = "Sorry, I ran into a problem answering that. Please try again."
	// DefaultInterruptedText is shown when a turn is stopped before any
	// text was revealed.
	DefaultInterruptedText = "(interrupted)"

	searchTimeout = 20 * time.Second
)

// ErrBusy is returned when a turn is submitted while a response is still in
// flight.
var ErrBusy = errors.New("a response is already in flight")

// ErrEmptyMessage is returned for empty or whitespace-only submissions.
var ErrEmptyMessage = errors.New("message is empty")

// ErrNoConversation is returned when no transcript is attached.
var ErrNoConversation = errors.New("no active conversation")

// session is one in-flight turn. It pins the transcript it writes into, so a
// conversation switch mid-stream cannot misattribute text.
type session struct {
	conversationID string
	assistantMsgID string
	userMsg        models.Message
	transcript     *transcript.Transcript
	cancel         context.CancelFunc
	finished       bool
}

// Controller runs the turn state machine for one assistant persona.
type Controller struct {
	assistant Assistant
	llm       LLM
	collab    Collaborators
	sched     *typewriter.Scheduler
	logger    *slog.Logger

	mu       sync.Mutex
	current  *transcript.Transcript
	typing   bool
	sessions map[string]*session
}

// NewController creates a controller for the given assistant. The typewriter
// scheduler is owned by the controller; no external code touches its timer.
func NewController(assistant Assistant, llm LLM, collab Collaborators, logger *slog.Logger) *Controller {
	if assistant.ErrorText == "" {
		assistant.ErrorText = DefaultErrorText
	}
	if assistant.InterruptedText == "" {
		assistant.InterruptedText = DefaultInterruptedText
	}
	interval := assistant.RevealInterval
	if interval == 0 {
		interval = typewriter.DefaultInterval
	}

	c := &Controller{
		assistant: assistant,
		llm:       llm,
		collab:    collab,
		logger:    logger.With(slog.String("module", "session"), slog.String("assistant", assistant.ID)),
		sessions:  make(map[string]*session),
	}
	c.sched = typewriter.NewSchedulerWithInterval(sink{c}, interval, logger)
	return c
}

// Attach makes the given transcript the active conversation. An in-flight
// session keeps streaming into the transcript it started with.
func (c *Controller) Attach(tr *transcript.Transcript) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = tr
}

// Current returns the active transcript.
func (c *Controller) Current() *transcript.Transcript {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Typing reports whether a response is in flight. The submission boundary
// uses this to keep the input disabled.
func (c *Controller) Typing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.typing
}

// Assistant returns the persona configuration this controller was built with.
func (c *Controller) Assistant() Assistant {
	return c.assistant
}

// Submit starts a new turn with the user's text. It appends the user message
// and a streaming assistant placeholder, then continues asynchronously. The
// returned ids identify the two appended messages. Empty input and
// submissions while a turn is in flight are rejected without touching the
// transcript.
func (c *Controller) Submit(text string) (userMsgID, assistantMsgID string, err error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", "", ErrEmptyMessage
	}

	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return "", "", ErrNoConversation
	}
	if c.typing {
		c.mu.Unlock()
		return "", "", ErrBusy
	}

	tr := c.current
	now := time.Now()
	userMsg := models.Message{
		ID:        uuid.New().String(),
		Text:      text,
		IsUser:    true,
		Timestamp: models.Stamp(now),
	}
	asstMsg := models.Message{
		ID:        uuid.New().String(),
		Timestamp: models.Stamp(now),
		Streaming: true,
	}
	if err := tr.Append(userMsg); err != nil {
		c.mu.Unlock()
		return "", "", fmt.Errorf("failed to append user message: %w", err)
	}
	if err := tr.Append(asstMsg); err != nil {
		c.mu.Unlock()
		return "", "", fmt.Errorf("failed to append assistant message: %w", err)
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if c.assistant.WatchdogTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.assistant.WatchdogTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	sess := &session{
		conversationID: tr.ConversationID(),
		assistantMsgID: asstMsg.ID,
		userMsg:        userMsg,
		transcript:     tr,
		cancel:         cancel,
	}
	c.typing = true
	c.sessions[asstMsg.ID] = sess
	c.mu.Unlock()

	c.notifyMessage(sess.conversationID, userMsg)
	c.notifyMessage(sess.conversationID, asstMsg)

	go c.run(ctx, sess, text)

	return userMsg.ID, asstMsg.ID, nil
}

// Stop cancels the in-flight turn, if any. Cancellation is silent: the
// assistant message keeps whatever text was revealed, streaming ends, and the
// input is usable again immediately.
func (c *Controller) Stop() {
	c.mu.Lock()
	var sess *session
	for _, s := range c.sessions {
		if !s.finished {
			sess = s
			break
		}
	}
	c.mu.Unlock()

	if sess == nil {
		return
	}
	sess.cancel()
	c.finishCancelled(sess)
}

// Reset cancels any in-flight turn and attaches a fresh transcript for a new
// conversation.
func (c *Controller) Reset(tr *transcript.Transcript) {
	c.Stop()
	c.Attach(tr)
}

// run executes the asynchronous part of a turn: optional search
// augmentation, the transport call, and exactly one terminal transition.
func (c *Controller) run(ctx context.Context, sess *session, userText string) {
	var searchContext string
	if c.assistant.SearchEnabled && c.collab.Searcher != nil {
		searchContext = c.augment(ctx, sess, userText)
	}

	msgs := make([]models.ChatMessage, 0, sess.transcript.Len()+2)
	msgs = append(msgs, models.ChatMessage{Role: models.RoleSystem, Content: c.assistant.SystemPrompt})
	if searchContext != "" {
		msgs = append(msgs, models.ChatMessage{
			Role:    models.RoleSystem,
			Content: "Relevant web search results:\n\n" + searchContext,
		})
	}
	msgs = append(msgs, sess.transcript.History()...)

	if c.assistant.DeepReasoning {
		full, err := c.llm.Generate(ctx, msgs)
		switch {
		case ctx.Err() != nil || errors.Is(err, context.Canceled):
			c.finishCancelled(sess)
		case err != nil:
			c.finishError(sess, err)
		default:
			c.finishComplete(sess, full)
		}
		return
	}

	for chunk, err := range c.llm.Chat(ctx, msgs) {
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				c.finishCancelled(sess)
				return
			}
			c.finishError(sess, err)
			return
		}
		if chunk.Done {
			c.finishComplete(sess, chunk.Final)
			return
		}
		c.sched.Enqueue(sess.assistantMsgID, chunk.Text)
	}

	// The iterator ended without a terminal chunk: cancellation, or a
	// transport that broke its contract.
	if ctx.Err() != nil {
		c.finishCancelled(sess)
		return
	}
	c.finishError(sess, errors.New("stream ended without completion"))
}

// augment runs the optional web-search step. While it runs an ephemeral
// status message ticks a visible elapsed-seconds counter; the message is
// removed before the assistant response begins. Failure degrades to
// proceeding without augmentation, with an inline notice.
func (c *Controller) augment(ctx context.Context, sess *session, query string) string {
	eph := models.Message{
		ID:        uuid.New().String(),
		Text:      "Searching the web… 0s",
		Timestamp: models.Stamp(time.Now()),
		Ephemeral: true,
	}
	if err := sess.transcript.Append(eph); err != nil {
		c.logger.Error("Failed to append search status message", slog.String("err", err.Error()))
		return ""
	}
	c.notifyMessage(sess.conversationID, eph)

	tickDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		started := time.Now()
		for {
			select {
			case <-tickDone:
				return
			case <-ticker.C:
				text := fmt.Sprintf("Searching the web… %ds", int(time.Since(started).Seconds()))
				sess.transcript.SetEphemeralText(eph.ID, text)
				if msg, ok := sess.transcript.Message(eph.ID); ok {
					c.notifyMessage(sess.conversationID, msg)
				}
			}
		}
	}()

	sctx, scancel := context.WithTimeout(ctx, searchTimeout)
	result, err := c.collab.Searcher.Search(sctx, query)
	scancel()
	close(tickDone)

	c.dropEphemeral(sess)

	if err != nil {
		if ctx.Err() != nil {
			return ""
		}
		c.logger.Warn("Web search failed, proceeding without augmentation",
			slog.String("err", err.Error()))
		notice := models.Message{
			ID:        uuid.New().String(),
			Text:      "Web search was unavailable; answering without it.",
			Timestamp: models.Stamp(time.Now()),
			Ephemeral: true,
		}
		if err := sess.transcript.Append(notice); err == nil {
			c.notifyMessage(sess.conversationID, notice)
		}
		return ""
	}
	return result
}

// beginFinish marks the session terminated exactly once. It returns false if
// another path already closed the turn.
func (c *Controller) beginFinish(sess *session) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if sess.finished {
		return false
	}
	sess.finished = true
	return true
}

// endFinish removes the session from reveal routing and reopens submission.
// Called after the terminal transition has fully applied, so the scheduler's
// final SetText still finds its transcript and the streaming flag is already
// down before the busy guard lifts; a Submit that passes the guard can never
// collide with a still-open streaming message.
func (c *Controller) endFinish(sess *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, sess.assistantMsgID)
	c.typing = false
}

// dropEphemeral removes all ephemeral status messages from the session's
// transcript and tells subscribers about each removal.
func (c *Controller) dropEphemeral(sess *session) {
	for _, id := range sess.transcript.RemoveEphemeral() {
		c.notifyRemove(sess.conversationID, id)
	}
}

func (c *Controller) finishComplete(sess *session, fullText string) {
	if !c.beginFinish(sess) {
		return
	}
	defer c.endFinish(sess)

	c.sched.Finalize(sess.assistantMsgID, fullText)
	sess.transcript.EndStreaming(sess.assistantMsgID)
	c.dropEphemeral(sess)

	final, ok := sess.transcript.Message(sess.assistantMsgID)
	if ok {
		c.notifyMessage(sess.conversationID, final)
	}

	c.persist(sess.conversationID, sess.userMsg, final)
	c.snapshot(sess.transcript)
}

func (c *Controller) finishError(sess *session, cause error) {
	if !c.beginFinish(sess) {
		return
	}
	defer c.endFinish(sess)

	c.logger.Error("Assistant turn failed", slog.String("err", cause.Error()))

	c.sched.Finalize(sess.assistantMsgID, c.assistant.ErrorText)
	sess.transcript.EndStreaming(sess.assistantMsgID)
	c.dropEphemeral(sess)

	if msg, ok := sess.transcript.Message(sess.assistantMsgID); ok {
		c.notifyMessage(sess.conversationID, msg)
	}
}

func (c *Controller) finishCancelled(sess *session) {
	if !c.beginFinish(sess) {
		return
	}
	defer c.endFinish(sess)

	c.sched.Cancel(sess.assistantMsgID)
	if msg, ok := sess.transcript.Message(sess.assistantMsgID); ok && msg.Text == "" {
		sess.transcript.SetText(sess.assistantMsgID, c.assistant.InterruptedText)
	}
	sess.transcript.EndStreaming(sess.assistantMsgID)
	c.dropEphemeral(sess)

	if msg, ok := sess.transcript.Message(sess.assistantMsgID); ok {
		c.notifyMessage(sess.conversationID, msg)
	}

	c.logger.Info("Turn cancelled", slog.String("messageID", sess.assistantMsgID))
}

// persist hands the finished user and assistant messages to the persistence
// collaborator. Errors stay out of band: the in-memory conversation is never
// rolled back.
func (c *Controller) persist(conversationID string, userMsg, asstMsg models.Message) {
	if c.collab.Store == nil {
		return
	}
	go func() {
		for _, msg := range []models.Message{userMsg, asstMsg} {
			if msg.ID == "" {
				continue
			}
			if _, err := c.collab.Store.AppendMessage(context.Background(), conversationID, msg); err != nil {
				c.logger.Error("Failed to persist message",
					slog.String("messageID", msg.ID),
					slog.String("err", err.Error()))
			}
		}
	}()
}

// snapshot saves the transcript to the local capped memory store. A refused
// save means the conversation simply continues unpersisted.
func (c *Controller) snapshot(tr *transcript.Transcript) {
	if c.collab.Memory == nil || c.assistant.MemoryKey == "" {
		return
	}
	if !c.collab.Memory.Save(c.assistant.MemoryKey, tr.Messages()) {
		c.logger.Debug("Local memory refused snapshot", slog.String("key", c.assistant.MemoryKey))
	}
}

func (c *Controller) notifyMessage(conversationID string, msg models.Message) {
	if c.collab.OnMessage != nil {
		c.collab.OnMessage(conversationID, msg)
	}
}

func (c *Controller) notifyRemove(conversationID, messageID string) {
	if c.collab.OnRemove != nil {
		c.collab.OnRemove(conversationID, messageID)
	}
}

// sink adapts the controller to the typewriter's output boundary, routing
// reveals to the transcript the message's session pinned.
type sink struct {
	c *Controller
}

func (s sink) AppendText(messageID, delta string) {
	sess := s.c.sessionFor(messageID)
	if sess == nil {
		return
	}
	sess.transcript.AppendText(messageID, delta)
	if msg, ok := sess.transcript.Message(messageID); ok {
		s.c.notifyMessage(sess.conversationID, msg)
	}
}

func (s sink) SetText(messageID, text string) {
	sess := s.c.sessionFor(messageID)
	if sess == nil {
		return
	}
	sess.transcript.SetText(messageID, text)
}

func (c *Controller) sessionFor(messageID string) *session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[messageID]
}
