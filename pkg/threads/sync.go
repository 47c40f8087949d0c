package threads

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/parley/pkg/chat"
	"github.com/go-go-golems/parley/pkg/events"
	"github.com/go-go-golems/parley/pkg/session"
)

// Directory is the thread catalog collaborator.
type Directory interface {
	FetchThreads(ctx context.Context) ([]Thread, error)
	CreateThread(ctx context.Context, title string) (*Thread, error)
	RenameThread(ctx context.Context, id string, title string) error
	DeleteThread(ctx context.Context, id string) error
}

// History loads a thread's full message log.
type History interface {
	FetchMessages(ctx context.Context, id string) (chat.Conversation, error)
}

// Persister accepts batches of finalized messages.
type Persister interface {
	PersistMessages(ctx context.Context, id string, msgs chat.Conversation) error
}

// titleRunes is roughly how much of the initiating user text becomes the
// lazily created thread's title.
const titleRunes = 50

// Syncer maps session events to the external thread collaborators and
// reacts to externally originated thread selection changes.
//
// The directory and persistence backends are eventually consistent mirrors:
// their failures are logged, never shown as chat errors, and never roll
// back conversational state.
type Syncer struct {
	session   *session.Session
	directory Directory
	history   History
	persister Persister
	publisher *events.PublisherManager

	mu        sync.Mutex
	threads   []Thread
	currentID string
}

type SyncerOption func(*Syncer)

func WithSyncPublisher(pm *events.PublisherManager) SyncerOption {
	return func(s *Syncer) {
		s.publisher = pm
	}
}

func NewSyncer(sess *session.Session, directory Directory, history History, persister Persister, options ...SyncerOption) *Syncer {
	ret := &Syncer{
		session:   sess,
		directory: directory,
		history:   history,
		persister: persister,
	}
	for _, o := range options {
		o(ret)
	}
	sess.SetCompletionHandler(ret.HandleCompletion)
	return ret
}

// RegisterHandlers subscribes the syncer to external thread selection
// events.
func (s *Syncer) RegisterHandlers(r *events.Router) {
	r.AddHandler("thread-sync-selection", events.TopicThreadSelection, func(msg *message.Message) error {
		e, err := events.NewEventFromJson(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Msg("dropping undecodable selection event")
			return nil
		}
		sel, ok := e.(*events.EventThreadSelected)
		if !ok {
			return nil
		}
		if err := s.HandleSelection(msg.Context(), sel.ThreadID); err != nil {
			log.Warn().Err(err).Str("thread_id", sel.ThreadID).Msg("thread selection failed")
		}
		return nil
	})
}

// HandleSelection switches the session to a different thread. A selection
// identical to the current one is a no-op; an empty id clears the log
// ("new chat"). A switch while a generation is streaming implicitly
// cancels it.
func (s *Syncer) HandleSelection(ctx context.Context, threadID string) error {
	s.mu.Lock()
	current := s.currentID
	s.mu.Unlock()
	if threadID == current {
		return nil
	}

	if err := s.session.CancelAndWait(ctx); err != nil {
		return errors.Wrap(err, "failed to cancel active generation")
	}

	if threadID == "" {
		s.session.ClearHistory()
		s.setCurrentID("")
		log.Debug().Msg("session cleared for new chat")
		return nil
	}

	err := s.session.LoadHistory(ctx, threadID, func(ctx context.Context) (chat.Conversation, error) {
		return s.history.FetchMessages(ctx, threadID)
	})
	if err != nil {
		return err
	}
	s.setCurrentID(threadID)
	log.Debug().Str("thread_id", threadID).Msg("thread history loaded")
	return nil
}

func (s *Syncer) setCurrentID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentID = id
}

// HandleCompletion runs after a generation finalizes: it lazily creates a
// thread when the session has none, persists the finalized pair, and
// refreshes the directory listing so titles, timestamps, and counts stay
// current.
func (s *Syncer) HandleCompletion(ctx context.Context, c session.Completion) (string, error) {
	threadID := c.ThreadID
	if threadID == "" {
		title := deriveTitle(c.UserText)
		t, err := s.directory.CreateThread(ctx, title)
		if err != nil {
			return "", errors.Wrap(err, "failed to create thread")
		}
		threadID = t.ID
		s.addThread(*t)
		s.setCurrentID(threadID)
		s.publisher.PublishBlind(events.NewThreadCreatedEvent(t.ID, t.Title))
		log.Debug().Str("thread_id", t.ID).Str("title", t.Title).Msg("thread created")
	}

	if err := s.persister.PersistMessages(ctx, threadID, c.Pair); err != nil {
		log.Warn().Err(err).Str("thread_id", threadID).Msg("failed to persist messages")
	}
	if err := s.RefreshThreads(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to refresh thread listing")
	}

	return threadID, nil
}

func deriveTitle(text string) string {
	runes := []rune(text)
	if len(runes) <= titleRunes {
		return text
	}
	return string(runes[:titleRunes])
}

// Threads returns the cached thread listing.
func (s *Syncer) Threads() []Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := make([]Thread, len(s.threads))
	copy(ret, s.threads)
	return ret
}

func (s *Syncer) CurrentThreadID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentID
}

// RefreshThreads reloads the directory listing into the local cache.
func (s *Syncer) RefreshThreads(ctx context.Context) error {
	threads, err := s.directory.FetchThreads(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = threads
	return nil
}

func (s *Syncer) addThread(t Thread) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads = append([]Thread{t}, s.threads...)
}

// RenameThread renames a thread and mirrors the change into the local
// cache optimistically.
func (s *Syncer) RenameThread(ctx context.Context, id string, title string) error {
	if err := s.directory.RenameThread(ctx, id, title); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.threads {
		if s.threads[i].ID == id {
			s.threads[i].Title = title
		}
	}
	return nil
}

// DeleteThread removes a thread from the directory and the local cache. If
// it was the selected thread, the session is cleared.
func (s *Syncer) DeleteThread(ctx context.Context, id string) error {
	if err := s.directory.DeleteThread(ctx, id); err != nil {
		return err
	}

	s.mu.Lock()
	kept := s.threads[:0]
	for _, t := range s.threads {
		if t.ID != id {
			kept = append(kept, t)
		}
	}
	s.threads = kept
	wasCurrent := s.currentID == id
	s.mu.Unlock()

	if wasCurrent {
		return s.HandleSelection(ctx, "")
	}
	return nil
}
