package events

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Router wires publishers and subscribers over an in-process gochannel
// pub/sub. It is the injected notify boundary between the session engine
// and everything outside it; neither side holds a reference to the other.
type Router struct {
	logger     watermill.LoggerAdapter
	Publisher  message.Publisher
	Subscriber message.Subscriber
	router     *message.Router
}

type RouterOption func(*Router)

func WithLogger(logger watermill.LoggerAdapter) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

func NewRouter(options ...RouterOption) (*Router, error) {
	ret := &Router{
		logger: watermill.NopLogger{},
	}
	for _, o := range options {
		o(ret)
	}

	pubSub := gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, ret.logger)
	ret.Publisher = pubSub
	ret.Subscriber = pubSub

	router, err := message.NewRouter(message.RouterConfig{}, ret.logger)
	if err != nil {
		return nil, err
	}
	ret.router = router

	return ret, nil
}

// AddHandler registers a no-publish handler for a topic.
func (r *Router) AddHandler(name string, topic string, f message.NoPublishHandlerFunc) {
	r.router.AddNoPublisherHandler(name, topic, r.Subscriber, f)
}

// Run blocks until the context is cancelled.
func (r *Router) Run(ctx context.Context) error {
	return r.router.Run(ctx)
}

// Running returns a channel closed once the router has started all
// handlers, so publishers can wait before emitting.
func (r *Router) Running() <-chan struct{} {
	return r.router.Running()
}

// PublishEvent serializes an event and publishes it on the given topic.
func PublishEvent(pub message.Publisher, topic string, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "failed to encode event")
	}
	return pub.Publish(topic, message.NewMessage(watermill.NewUUID(), b))
}

func (r *Router) Close() error {
	log.Debug().Msg("closing event router")
	if err := r.Publisher.Close(); err != nil {
		log.Error().Err(err).Msg("failed to close pubsub")
	}
	return r.router.Close()
}
