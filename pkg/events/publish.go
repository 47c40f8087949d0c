package events

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/rs/zerolog/log"
)

// PublisherManager distributes events to a set of watermill publishers.
// A publisher is "subscribed" to a topic; every published event is fanned
// out to all publishers on the topic they were subscribed with.
//
// The manager stamps a sequence number on each outgoing message, in the
// order they pass through Publish.
type PublisherManager struct {
	publishers     map[string][]message.Publisher
	sequenceNumber uint64
	mu             sync.Mutex
}

func NewPublisherManager() *PublisherManager {
	return &PublisherManager{
		publishers: make(map[string][]message.Publisher),
	}
}

func (m *PublisherManager) SubscribePublisher(topic string, pub message.Publisher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishers[topic] = append(m.publishers[topic], pub)
}

// Publish serializes the event to JSON and distributes it across all
// subscribed publishers.
func (m *PublisherManager) Publish(payload interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), b)
	msg.Metadata.Set("sequence_number", fmt.Sprintf("%d", m.sequenceNumber))
	m.sequenceNumber++

	for topic, pubs := range m.publishers {
		for _, pub := range pubs {
			if err := pub.Publish(topic, msg); err != nil {
				log.Warn().Err(err).Str("topic", topic).Msg("failed to publish event")
			}
		}
	}

	return nil
}

// PublishBlind publishes and logs failures instead of returning them.
func (m *PublisherManager) PublishBlind(payload interface{}) {
	if m == nil {
		return
	}
	if err := m.Publish(payload); err != nil {
		log.Warn().Err(err).Msg("failed to publish event")
	}
}
