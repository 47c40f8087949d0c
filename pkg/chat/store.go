package chat

import (
	"sync"

	"github.com/rs/zerolog/log"
)

// Store is the ordered, append-only-by-default log of conversation turns.
//
// It owns the streaming draft as well, so that finalization can swap the
// synthetic trailing draft for the durable assistant message in a single
// critical section. There is never a frame where Visible() shows both.
type Store struct {
	mu      sync.Mutex
	nextSeq int64
	msgs    Conversation
	draft   string
	version int64
}

func NewStore() *Store {
	return &Store{nextSeq: 1}
}

// Append adds a message at the end of the log, assigning its Seq. The
// stamped message is returned.
func (s *Store) Append(m Message) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(m)
}

func (s *Store) appendLocked(m Message) Message {
	// Messages that already carry a Seq keep it, so identity survives a
	// prefix commit or a cancellation rollback.
	if m.Seq == 0 {
		m.Seq = s.nextSeq
		s.nextSeq++
	} else if m.Seq >= s.nextSeq {
		s.nextSeq = m.Seq + 1
	}
	s.msgs = append(s.msgs, m)
	s.version++
	log.Trace().
		Int64("seq", m.Seq).
		Str("role", string(m.Role)).
		Int("log_len", len(s.msgs)).
		Msg("message appended")
	return m
}

// ReplaceAll swaps the whole log. Messages without a Seq are stamped;
// already-stamped messages keep theirs. Used when loading a thread's
// history and when committing a generation prefix.
func (s *Store) ReplaceAll(msgs Conversation) Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = nil
	s.draft = ""
	for _, m := range msgs {
		s.appendLocked(m)
	}
	return s.snapshotLocked()
}

// TruncateAfterSeq keeps messages up to and including seq and drops the
// rest. It reports whether seq resolved to an existing message.
func (s *Store) TruncateAfterSeq(seq int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOfLocked(seq)
	if idx < 0 {
		return false
	}
	s.msgs = s.msgs[:idx+1]
	s.version++
	return true
}

// TruncateBeforeSeq drops the message with the given seq and everything
// after it. It reports whether seq resolved to an existing message.
func (s *Store) TruncateBeforeSeq(seq int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOfLocked(seq)
	if idx < 0 {
		return false
	}
	s.msgs = s.msgs[:idx]
	s.version++
	return true
}

func (s *Store) indexOfLocked(seq int64) int {
	for i, m := range s.msgs {
		if m.Seq == seq {
			return i
		}
	}
	return -1
}

// Messages returns a copy of the durable log, without the draft.
func (s *Store) Messages() Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Conversation {
	ret := make(Conversation, len(s.msgs))
	copy(ret, s.msgs)
	return ret
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.msgs)
}

// Clear empties the log and discards any draft.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgs = nil
	s.draft = ""
	s.version++
}

// AppendToDraft accumulates streamed assistant text. Fragments must be
// applied in arrival order; the caller serializes.
func (s *Store) AppendToDraft(fragment string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft += fragment
	s.version++
	return s.draft
}

// Draft returns the accumulated streaming text.
func (s *Store) Draft() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draft
}

// DiscardDraft drops the streaming draft without finalizing it.
func (s *Store) DiscardDraft() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = ""
	s.version++
}

// FinalizeDraft converts the draft into a durable assistant message in one
// step and returns it.
func (s *Store) FinalizeDraft() Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	text := s.draft
	s.draft = ""
	return s.appendLocked(NewAssistantMessage(text))
}

// FinalizeAssistant discards any draft and appends an assistant message
// with the given text instead. Used for the synthetic failure reply.
func (s *Store) FinalizeAssistant(text string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draft = ""
	return s.appendLocked(NewAssistantMessage(text))
}

// Visible returns the log with the draft (if any) appended as a synthetic
// trailing assistant message. This is the only value the rendering layer
// ever reads.
func (s *Store) Visible() Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	ret := s.snapshotLocked()
	if s.draft != "" {
		ret = append(ret, NewAssistantMessage(s.draft))
	}
	return ret
}

// Version increases on every mutation, draft updates included.
func (s *Store) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}
