package chat

import (
	"encoding/json"

	"github.com/pkg/errors"
)

var ErrUnsupportedContent = errors.New("only plain text content is supported")

// WireMessage is the shape the persistence endpoints speak. Content may be a
// bare string or an array of typed parts; NormalizeContent folds both into
// the internal Message shape.
type WireMessage struct {
	Role    Role            `json:"role"`
	Content json.RawMessage `json:"content"`
}

// NormalizeContent converts a persisted wire message into a Message.
//
// It is the single normalization point for the two content encodings the
// backend stores. Non-text parts are dropped; a message whose content
// yields no text at all is rejected with ErrUnsupportedContent.
func NormalizeContent(wm WireMessage) (Message, error) {
	if wm.Role != RoleUser && wm.Role != RoleAssistant {
		return Message{}, errors.Errorf("unsupported role %q", wm.Role)
	}

	var plain string
	if err := json.Unmarshal(wm.Content, &plain); err == nil {
		return Message{
			Role:  wm.Role,
			Parts: []TextPart{{Type: PartTypeText, Text: plain}},
		}, nil
	}

	var parted []TextPart
	if err := json.Unmarshal(wm.Content, &parted); err != nil {
		return Message{}, errors.Wrap(ErrUnsupportedContent, "content is neither string nor part list")
	}

	parts := make([]TextPart, 0, len(parted))
	for _, p := range parted {
		if p.Type != "" && p.Type != PartTypeText {
			continue
		}
		p.Type = PartTypeText
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return Message{}, ErrUnsupportedContent
	}

	return Message{Role: wm.Role, Parts: parts}, nil
}
