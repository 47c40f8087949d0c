package session

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/events"
	"github.com/go-go-golems/parley/pkg/stream"
)

// Phase is the generation controller's state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseSending    Phase = "sending"
	PhaseStreaming  Phase = "streaming"
	PhaseFinalizing Phase = "finalizing"
)

var (
	// ErrGenerationActive is returned when a submit arrives while a
	// generation or a history load is in flight. The policy is reject, not
	// supersede: callers that want to supersede call Cancel first.
	ErrGenerationActive = errors.New("a generation is already in flight")
	// ErrUnsupportedContent is returned before any state mutation when the
	// caller-supplied content is not plain text.
	ErrUnsupportedContent = chat.ErrUnsupportedContent
)

// apologyText is the single synthetic assistant reply finalized when a
// generation fails. Never retried automatically.
const apologyText = "Sorry, I encountered an error. Please try again."

// FragmentStream is the consumed side of an open generation request.
type FragmentStream interface {
	Recv() (stream.Fragment, error)
	Close() error
}

// Opener opens a generation stream for a conversation snapshot.
type Opener interface {
	Open(ctx context.Context, req stream.Request) (FragmentStream, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, req stream.Request) (FragmentStream, error)

func (f OpenerFunc) Open(ctx context.Context, req stream.Request) (FragmentStream, error) {
	return f(ctx, req)
}

// ClientOpener adapts a stream.Client to the Opener interface.
func ClientOpener(c *stream.Client) Opener {
	return OpenerFunc(func(ctx context.Context, req stream.Request) (FragmentStream, error) {
		return c.Open(ctx, req)
	})
}

// Completion describes a successfully finalized generation, handed to the
// thread sync adapter.
type Completion struct {
	// ThreadID is the session's thread id at finalization time; empty when
	// the conversation has no thread yet.
	ThreadID string
	// UserText is the text of the user turn that initiated the generation.
	UserText string
	// Pair is the finalized user/assistant message pair.
	Pair chat.Conversation
}

// CompletionHandler reacts to a finalized generation. It may return a
// thread id for the session to adopt (when it lazily created one). Handler
// failures are logged, never surfaced as chat errors.
type CompletionHandler func(ctx context.Context, c Completion) (string, error)

// Session owns the conversation log, the streaming draft, and the single
// in-flight generation. All mutation goes through its three submit entry
// points plus Cancel; readers only ever see Messages() and Busy().
type Session struct {
	ID string

	opener    Opener
	publisher *events.PublisherManager

	mu         sync.Mutex
	phase      Phase
	loading    bool
	store      *chat.Store
	threadID   string
	model      string
	active     *Execution
	onComplete CompletionHandler
}

type Option func(*Session)

func WithPublisher(pm *events.PublisherManager) Option {
	return func(s *Session) {
		s.publisher = pm
	}
}

func WithModel(model string) Option {
	return func(s *Session) {
		s.model = model
	}
}

func WithCompletionHandler(h CompletionHandler) Option {
	return func(s *Session) {
		s.onComplete = h
	}
}

func NewSession(opener Opener, options ...Option) *Session {
	ret := &Session{
		ID:     uuid.NewString(),
		opener: opener,
		phase:  PhaseIdle,
		store:  chat.NewStore(),
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// Busy reports whether a generation or a thread-history load is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase != PhaseIdle || s.loading
}

func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// Messages returns the visible log: the durable messages plus the streaming
// draft as a synthetic trailing assistant message.
func (s *Session) Messages() chat.Conversation {
	return s.store.Visible()
}

func (s *Session) ThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.threadID
}

func (s *Session) SetModel(model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.model = model
}

// SetCompletionHandler attaches the completion hook after construction,
// breaking the session/syncer construction cycle.
func (s *Session) SetCompletionHandler(h CompletionHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onComplete = h
}

// SubmitNew appends a user turn with the given text and starts a
// generation. Rejects non-text (empty) content with ErrUnsupportedContent
// and concurrent submissions with ErrGenerationActive.
func (s *Session) SubmitNew(ctx context.Context, text string) (*Execution, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrUnsupportedContent
	}
	return s.submit(ctx, func(cur chat.Conversation) (chat.Conversation, bool) {
		return append(cur, chat.NewUserMessage(text)), true
	})
}

// SubmitEdit discards the turn anchored at anchorSeq and everything after
// it, appends a replacement user turn, and starts a generation. An anchor
// that does not resolve restarts the conversation from scratch.
func (s *Session) SubmitEdit(ctx context.Context, anchorSeq int64, text string) (*Execution, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrUnsupportedContent
	}
	return s.submit(ctx, func(cur chat.Conversation) (chat.Conversation, bool) {
		prefix := chat.Conversation{}
		if idx := indexOfSeq(cur, anchorSeq); idx >= 0 {
			prefix = cur[:idx]
		}
		return append(prefix, chat.NewUserMessage(text)), true
	})
}

// SubmitReload regenerates the assistant reply. With anchorSeq 0 (or an
// anchor that does not resolve) the whole conversation's user turns are
// replayed; otherwise the log is truncated through the anchor. Trailing
// assistant turns are always stripped so the request ends on a user turn.
// An empty resulting prefix makes the operation a no-op: both return
// values are nil.
func (s *Session) SubmitReload(ctx context.Context, anchorSeq int64) (*Execution, error) {
	return s.submit(ctx, func(cur chat.Conversation) (chat.Conversation, bool) {
		var prefix chat.Conversation
		if idx := indexOfSeq(cur, anchorSeq); idx >= 0 {
			prefix = cur[:idx+1]
		} else {
			prefix = cur.UserMessages()
		}
		prefix = prefix.WithoutTrailingAssistants()
		if len(prefix) == 0 {
			return nil, false
		}
		return prefix, true
	})
}

func indexOfSeq(c chat.Conversation, seq int64) int {
	if seq == 0 {
		return -1
	}
	for i, m := range c {
		if m.Seq == seq {
			return i
		}
	}
	return -1
}

// submit is the shared skeleton: compute the prefix, commit it
// optimistically, enter Sending, and hand the stream loop to a goroutine.
func (s *Session) submit(ctx context.Context, compute func(cur chat.Conversation) (chat.Conversation, bool)) (*Execution, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.phase != PhaseIdle || s.loading {
		s.mu.Unlock()
		return nil, ErrGenerationActive
	}
	prior := s.store.Messages()
	prefix, ok := compute(prior)
	if !ok {
		s.mu.Unlock()
		return nil, nil
	}
	committed := s.store.ReplaceAll(prefix)
	s.phase = PhaseSending
	threadID := s.threadID
	model := s.model
	runCtx, cancel := context.WithCancel(ctx)
	exec := newExecution(cancel)
	s.active = exec
	s.mu.Unlock()

	log.Debug().
		Str("session_id", s.ID).
		Str("thread_id", threadID).
		Int("prefix_len", len(committed)).
		Msg("generation started")

	go s.run(runCtx, exec, committed, prior, threadID, model)
	return exec, nil
}

// run is the single goroutine that drives one generation request. Fragments
// are applied to the draft strictly in arrival order: each one is visible
// before the next Recv.
func (s *Session) run(ctx context.Context, exec *Execution, snapshot chat.Conversation, prior chat.Conversation, threadID string, model string) {
	st, err := s.opener.Open(ctx, stream.Request{
		Messages: snapshot,
		Model:    model,
		ThreadID: threadID,
	})
	if err != nil {
		if ctx.Err() != nil {
			s.finishCancelled(exec, prior)
			return
		}
		s.finishFailed(exec, err)
		return
	}
	defer func(st FragmentStream) {
		_ = st.Close()
	}(st)

	s.publisher.PublishBlind(events.NewStartEvent(threadID))

	for {
		frag, err := st.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				s.finishCancelled(exec, prior)
				return
			}
			s.finishFailed(exec, err)
			return
		}
		if ctx.Err() != nil {
			// fragment was already in flight when cancellation was
			// requested; drop it instead of applying it
			s.finishCancelled(exec, prior)
			return
		}

		if frag.ThreadID != "" {
			s.adoptThreadID(frag.ThreadID)
		}
		if frag.Text != "" {
			s.mu.Lock()
			s.phase = PhaseStreaming
			completion := s.store.AppendToDraft(frag.Text)
			s.mu.Unlock()
			s.publisher.PublishBlind(events.NewPartialEvent(frag.Text, completion))
		}
	}

	if ctx.Err() != nil {
		s.finishCancelled(exec, prior)
		return
	}

	s.mu.Lock()
	s.phase = PhaseFinalizing
	reply := s.store.FinalizeDraft()
	finalThreadID := s.threadID
	s.phase = PhaseIdle
	s.active = nil
	s.mu.Unlock()

	s.publisher.PublishBlind(events.NewFinalEvent(reply.Text(), finalThreadID))
	log.Debug().
		Str("session_id", s.ID).
		Str("thread_id", finalThreadID).
		Int("reply_len", len(reply.Text())).
		Msg("generation finalized")

	s.runCompletion(ctx, finalThreadID, snapshot, reply)
	exec.finish(nil)
}

// finishCancelled discards the draft without finalizing, restores the log
// as it was before the cancelled submission, and returns to Idle. No
// synthetic message is produced for the caller-initiated case.
func (s *Session) finishCancelled(exec *Execution, prior chat.Conversation) {
	s.mu.Lock()
	partial := s.store.Draft()
	s.store.ReplaceAll(prior)
	s.phase = PhaseIdle
	s.active = nil
	s.mu.Unlock()

	log.Debug().Str("session_id", s.ID).Int("discarded_len", len(partial)).Msg("generation cancelled")
	s.publisher.PublishBlind(events.NewInterruptEvent(partial))
	exec.finish(context.Canceled)
}

// finishFailed finalizes the single synthetic apology reply and returns to
// Idle. The conversation is otherwise left exactly as it was before the
// failed attempt.
func (s *Session) finishFailed(exec *Execution, err error) {
	s.mu.Lock()
	s.store.FinalizeAssistant(apologyText)
	s.phase = PhaseIdle
	s.active = nil
	s.mu.Unlock()

	log.Warn().Err(err).Str("session_id", s.ID).Msg("generation failed")
	s.publisher.PublishBlind(events.NewErrorEvent(err))
	exec.finish(err)
}

func (s *Session) runCompletion(ctx context.Context, threadID string, snapshot chat.Conversation, reply chat.Message) {
	s.mu.Lock()
	onComplete := s.onComplete
	s.mu.Unlock()
	if onComplete == nil {
		return
	}

	var userMsg chat.Message
	for i := len(snapshot) - 1; i >= 0; i-- {
		if snapshot[i].Role == chat.RoleUser {
			userMsg = snapshot[i]
			break
		}
	}

	id, err := onComplete(ctx, Completion{
		ThreadID: threadID,
		UserText: userMsg.Text(),
		Pair:     chat.Conversation{userMsg, reply},
	})
	if err != nil {
		log.Warn().Err(err).Str("session_id", s.ID).Msg("completion handler failed")
		return
	}
	if id != "" {
		s.adoptThreadID(id)
	}
}

func (s *Session) adoptThreadID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.threadID == "" {
		s.threadID = id
		log.Debug().Str("session_id", s.ID).Str("thread_id", id).Msg("thread id adopted")
	}
}

// Cancel signals the active generation's cancellation token. Idempotent:
// calling it while Idle, or twice in a row, is a no-op.
func (s *Session) Cancel() {
	s.mu.Lock()
	exec := s.active
	s.mu.Unlock()
	exec.Cancel()
}

// CancelAndWait cancels any in-flight generation and blocks until it has
// fully wound down (draft discarded, phase Idle).
func (s *Session) CancelAndWait(ctx context.Context) error {
	s.mu.Lock()
	exec := s.active
	s.mu.Unlock()
	if exec == nil {
		return nil
	}
	exec.Cancel()
	select {
	case <-exec.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadHistory replaces the session log with a thread's full history. The
// load sets busy for its duration and is mutually exclusive with an active
// generation.
func (s *Session) LoadHistory(ctx context.Context, threadID string, fetch func(context.Context) (chat.Conversation, error)) error {
	s.mu.Lock()
	if s.phase != PhaseIdle || s.loading {
		s.mu.Unlock()
		return ErrGenerationActive
	}
	s.loading = true
	s.mu.Unlock()

	msgs, err := fetch(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.loading = false
	if err != nil {
		return errors.Wrapf(err, "failed to load history for thread %s", threadID)
	}
	s.store.ReplaceAll(msgs)
	s.threadID = threadID
	return nil
}

// ClearHistory empties the log and detaches the session from its thread
// ("new chat").
func (s *Session) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store.Clear()
	s.threadID = ""
}
