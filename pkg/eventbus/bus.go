package eventbus

import (
	"context"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// HandlerFunc processes one message. Returning an error nacks it.
type HandlerFunc func(msg *message.Message) error

type handler struct {
	name  string
	topic string
	fn    HandlerFunc
}

// Bus is a publisher plus a set of named topic handlers. It runs in memory on a
// watermill GoChannel, or on Redis Streams where every handler reads through its
// own consumer group.
type Bus struct {
	settings Settings
	logger   watermill.LoggerAdapter

	publisher message.Publisher
	memory    *gochannel.GoChannel
	redis     redis.UniversalClient

	mu          sync.Mutex
	handlers    []handler
	subscribers []message.Subscriber
	running     bool
	closed      bool
	ready       chan struct{}
}

// New builds the bus from settings. Redis is used only when enabled.
func New(s Settings) (*Bus, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	b := &Bus{
		settings: s,
		logger:   NewZerologAdapter(log.Logger),
		ready:    make(chan struct{}),
	}
	if !s.Enabled {
		b.memory = gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            256,
			BlockPublishUntilSubscriberAck: true,
		}, b.logger)
		b.publisher = b.memory
		return b, nil
	}

	b.redis = redis.NewClient(&redis.Options{Addr: s.Addr})
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     b.redis,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, b.logger)
	if err != nil {
		_ = b.redis.Close()
		return nil, errors.Wrap(err, "redis publisher")
	}
	b.publisher = pub
	return b, nil
}

func (b *Bus) Publisher() message.Publisher {
	if b == nil {
		return nil
	}
	return b.publisher
}

// Publish is a shorthand for Publisher().Publish.
func (b *Bus) Publish(topic string, msgs ...*message.Message) error {
	if b == nil || b.publisher == nil {
		return errors.New("event bus: no publisher")
	}
	return b.publisher.Publish(topic, msgs...)
}

// AddHandler registers fn for topic. Handlers must be added before Run.
func (b *Bus) AddHandler(name, topic string, fn HandlerFunc) error {
	if b == nil {
		return errors.New("event bus: nil bus")
	}
	if strings.TrimSpace(name) == "" || strings.TrimSpace(topic) == "" || fn == nil {
		return errors.New("event bus: handler needs a name, a topic and a function")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return errors.New("event bus: handlers cannot be added while running")
	}
	for _, h := range b.handlers {
		if h.name == name {
			return errors.Errorf("event bus: duplicate handler %q", name)
		}
	}
	b.handlers = append(b.handlers, handler{name: name, topic: topic, fn: fn})
	return nil
}

// Ready is closed once every handler is subscribed. Messages published before
// that may be missed by the in-memory transport.
func (b *Bus) Ready() <-chan struct{} {
	return b.ready
}

// Run subscribes every handler and processes messages until ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	if b == nil {
		return errors.New("event bus: nil bus")
	}
	b.mu.Lock()
	if b.running || b.closed {
		b.mu.Unlock()
		return errors.New("event bus: already running or closed")
	}
	b.running = true
	handlers := append([]handler(nil), b.handlers...)
	b.mu.Unlock()

	eg, ctx := errgroup.WithContext(ctx)
	for _, h := range handlers {
		sub, err := b.subscriberFor(ctx, h)
		if err != nil {
			return err
		}
		msgs, err := sub.Subscribe(ctx, h.topic)
		if err != nil {
			return errors.Wrapf(err, "event bus: subscribe %s to %s", h.name, h.topic)
		}
		log.Debug().Str("component", "eventbus").Str("handler", h.name).Str("topic", h.topic).Msg("handler subscribed")
		eg.Go(func() error {
			consume(ctx, h, msgs)
			return nil
		})
	}
	close(b.ready)
	return eg.Wait()
}

func (b *Bus) subscriberFor(ctx context.Context, h handler) (message.Subscriber, error) {
	if b.memory != nil {
		return b.memory, nil
	}
	group := b.settings.Group + "-" + h.name
	if err := EnsureGroupAtTail(ctx, b.redis, h.topic, group); err != nil {
		return nil, errors.Wrapf(err, "event bus: consumer group for %s", h.name)
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        b.redis,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      b.settings.Consumer,
	}, b.logger)
	if err != nil {
		return nil, errors.Wrapf(err, "event bus: redis subscriber for %s", h.name)
	}
	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()
	return sub, nil
}

func consume(ctx context.Context, h handler, msgs <-chan *message.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if err := h.fn(msg); err != nil {
				log.Warn().Err(err).Str("component", "eventbus").Str("handler", h.name).Str("message_id", msg.UUID).Msg("handler failed")
				msg.Nack()
				continue
			}
			msg.Ack()
		}
	}
}

// Close shuts down the transport. It is safe to call more than once.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subscribers
	b.subscribers = nil
	b.mu.Unlock()

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, sub := range subs {
		keep(sub.Close())
	}
	if b.memory != nil {
		keep(b.memory.Close())
		return firstErr
	}
	keep(b.publisher.Close())
	keep(b.redis.Close())
	return firstErr
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($) if it
// doesn't exist, so a new handler does not replay the stream's history.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
