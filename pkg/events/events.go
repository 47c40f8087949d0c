package events

import (
	"encoding/json"

	"github.com/pkg/errors"
)

type EventType string

const (
	// EventTypeStart marks a generation request leaving for the backend.
	EventTypeStart EventType = "start"
	// EventTypePartial carries one streamed delta plus the accumulated
	// completion so far.
	EventTypePartial EventType = "partial"
	// EventTypeFinal carries the full finalized assistant reply.
	EventTypeFinal EventType = "final"
	// EventTypeInterrupt marks a caller-cancelled generation; Text holds the
	// discarded partial.
	EventTypeInterrupt EventType = "interrupt"
	EventTypeError     EventType = "error"

	EventTypeThreadSelected EventType = "thread-selected"
	EventTypeThreadCreated  EventType = "thread-created"
)

const (
	// TopicChat carries the generation lifecycle events.
	TopicChat = "chat"
	// TopicThreadSelection carries externally originated thread switches
	// toward the sync adapter.
	TopicThreadSelection = "ui.thread-selection"
)

type Event interface {
	Type() EventType
}

type EventImpl struct {
	Type_ EventType `json:"type"`
}

func (e *EventImpl) Type() EventType { return e.Type_ }

var _ Event = &EventImpl{}

type EventStart struct {
	EventImpl
	ThreadID string `json:"thread_id,omitempty"`
}

func NewStartEvent(threadID string) *EventStart {
	return &EventStart{
		EventImpl: EventImpl{Type_: EventTypeStart},
		ThreadID:  threadID,
	}
}

type EventPartial struct {
	EventImpl
	Delta      string `json:"delta"`
	Completion string `json:"completion"`
}

func NewPartialEvent(delta string, completion string) *EventPartial {
	return &EventPartial{
		EventImpl:  EventImpl{Type_: EventTypePartial},
		Delta:      delta,
		Completion: completion,
	}
}

type EventFinal struct {
	EventImpl
	Text     string `json:"text"`
	ThreadID string `json:"thread_id,omitempty"`
}

func NewFinalEvent(text string, threadID string) *EventFinal {
	return &EventFinal{
		EventImpl: EventImpl{Type_: EventTypeFinal},
		Text:      text,
		ThreadID:  threadID,
	}
}

type EventInterrupt struct {
	EventImpl
	Text string `json:"text"`
}

func NewInterruptEvent(text string) *EventInterrupt {
	return &EventInterrupt{
		EventImpl: EventImpl{Type_: EventTypeInterrupt},
		Text:      text,
	}
}

type EventError struct {
	EventImpl
	ErrorString string `json:"error_string"`
}

func NewErrorEvent(err error) *EventError {
	return &EventError{
		EventImpl:   EventImpl{Type_: EventTypeError},
		ErrorString: err.Error(),
	}
}

type EventThreadSelected struct {
	EventImpl
	ThreadID string `json:"thread_id"`
}

func NewThreadSelectedEvent(threadID string) *EventThreadSelected {
	return &EventThreadSelected{
		EventImpl: EventImpl{Type_: EventTypeThreadSelected},
		ThreadID:  threadID,
	}
}

type EventThreadCreated struct {
	EventImpl
	ThreadID string `json:"thread_id"`
	Title    string `json:"title"`
}

func NewThreadCreatedEvent(threadID string, title string) *EventThreadCreated {
	return &EventThreadCreated{
		EventImpl: EventImpl{Type_: EventTypeThreadCreated},
		ThreadID:  threadID,
		Title:     title,
	}
}

// NewEventFromJson decodes a serialized event back into its concrete type.
func NewEventFromJson(b []byte) (Event, error) {
	var head EventImpl
	if err := json.Unmarshal(b, &head); err != nil {
		return nil, errors.Wrap(err, "failed to decode event envelope")
	}

	var ret Event
	switch head.Type_ {
	case EventTypeStart:
		ret = &EventStart{}
	case EventTypePartial:
		ret = &EventPartial{}
	case EventTypeFinal:
		ret = &EventFinal{}
	case EventTypeInterrupt:
		ret = &EventInterrupt{}
	case EventTypeError:
		ret = &EventError{}
	case EventTypeThreadSelected:
		ret = &EventThreadSelected{}
	case EventTypeThreadCreated:
		ret = &EventThreadCreated{}
	default:
		return nil, errors.Errorf("unknown event type %q", head.Type_)
	}

	if err := json.Unmarshal(b, ret); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s event", head.Type_)
	}
	return ret, nil
}
