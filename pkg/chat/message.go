package chat

import "strings"

// Package chat holds the conversation data model and the message store.
//
// Messages are value-like: once appended to the store they are replaced
// wholesale, never mutated in place. The one exception is the streaming
// draft, which is accumulated text for an assistant reply still being
// produced and only becomes a durable Message when finalized.

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TextPart is the only content part the engine supports. Non-text parts
// encountered at the load boundary are dropped by NormalizeContent.
type TextPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

const PartTypeText = "text"

// Message is a single conversation turn.
//
// Seq is a monotonically increasing identifier assigned by the Store at
// append time. Edit and reload operations anchor on Seq rather than on the
// message's position, so a stale anchor can be detected instead of silently
// resolving to the wrong turn. Zero means unassigned.
type Message struct {
	Seq   int64      `json:"seq,omitempty"`
	Role  Role       `json:"role"`
	Parts []TextPart `json:"content"`
}

func NewUserMessage(text string) Message {
	return Message{
		Role:  RoleUser,
		Parts: []TextPart{{Type: PartTypeText, Text: text}},
	}
}

func NewAssistantMessage(text string) Message {
	return Message{
		Role:  RoleAssistant,
		Parts: []TextPart{{Type: PartTypeText, Text: text}},
	}
}

// Text concatenates the message's parts in order.
func (m Message) Text() string {
	if len(m.Parts) == 1 {
		return m.Parts[0].Text
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		sb.WriteString(p.Text)
	}
	return sb.String()
}

// Conversation is an ordered message log, insertion order = conversation
// order.
type Conversation []Message

// UserMessages returns the user turns of the conversation in original order.
func (c Conversation) UserMessages() Conversation {
	ret := make(Conversation, 0, len(c))
	for _, m := range c {
		if m.Role == RoleUser {
			ret = append(ret, m)
		}
	}
	return ret
}

// WithoutTrailingAssistants strips any trailing assistant turns so the
// conversation ends on a user turn.
func (c Conversation) WithoutTrailingAssistants() Conversation {
	end := len(c)
	for end > 0 && c[end-1].Role == RoleAssistant {
		end--
	}
	return c[:end]
}
