package replication

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"notebook/api/internal/payload"
	"notebook/api/internal/util"
)

const DefaultChannelLimit = 63

var ErrClosed = errors.New("replication bus closed")

type Handler func(ctx context.Context, msg Message)

type Options struct {
	// SenderID identifies this process. Messages it sent itself are not delivered back.
	SenderID     string
	ChannelLimit int
	Logger       *slog.Logger
}

type Bus struct {
	transport Transport
	payloads  payload.Store
	senderID  string
	limit     int
	logger    *slog.Logger
	validator *envelopeValidator
	resolve   singleflight.Group

	mu     sync.Mutex
	unsubs map[int]func()
	nextID int
	closed bool
}

func NewBus(transport Transport, payloads payload.Store, opts Options) (*Bus, error) {
	validator, err := newEnvelopeValidator()
	if err != nil {
		return nil, err
	}
	if opts.SenderID == "" {
		opts.SenderID = util.NewID("node")
	}
	if opts.ChannelLimit == 0 {
		opts.ChannelLimit = DefaultChannelLimit
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Bus{
		transport: transport,
		payloads:  payloads,
		senderID:  opts.SenderID,
		limit:     opts.ChannelLimit,
		logger:    opts.Logger,
		validator: validator,
		unsubs:    map[int]func(){},
	}, nil
}

func (b *Bus) SenderID() string { return b.senderID }

// Publish stores msg.Payload and then emits the envelope that references it.
func (b *Bus) Publish(ctx context.Context, msg Message) error {
	if msg.Channel == "" {
		return errors.New("publish: empty channel")
	}
	if msg.ID == "" {
		msg.ID = util.NewID("msg")
	}
	if msg.SenderID == "" {
		msg.SenderID = b.senderID
	}
	if err := b.payloads.Put(ctx, msg.ID, msg.Payload); err != nil {
		return fmt.Errorf("publish %s: store payload: %w", msg.ID, err)
	}
	data, err := encodeEnvelope(Envelope{
		ID:         msg.ID,
		Channel:    msg.Channel,
		SenderID:   msg.SenderID,
		TargetID:   msg.TargetID,
		Clock:      msg.Clock,
		PayloadRef: msg.ID,
	})
	if err != nil {
		return err
	}
	return b.transport.Publish(ctx, TransportChannel(msg.Channel, b.limit), data)
}

// Subscribe delivers reconstructed messages for channel until the returned
// function is called or the bus closes. Undecodable messages are logged and dropped.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler Handler) (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.mu.Unlock()

	subCtx := context.WithoutCancel(ctx)
	unsub, err := b.transport.Subscribe(ctx, TransportChannel(channel, b.limit), func(raw []byte) {
		b.receive(subCtx, channel, raw, handler)
	})
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.unsubs[id] = unsub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		fn, ok := b.unsubs[id]
		delete(b.unsubs, id)
		b.mu.Unlock()
		if ok {
			fn()
		}
	}, nil
}

func (b *Bus) receive(ctx context.Context, channel string, raw []byte, handler Handler) {
	msg, err := b.decode(ctx, channel, raw)
	if err != nil {
		b.logger.Warn("dropping replication message", "channel", channel, "error", err)
		return
	}
	if msg == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("replication handler panicked", "channel", channel, "messageId", msg.ID, "panic", r)
		}
	}()
	handler(ctx, *msg)
}

// decode returns nil without error for well-formed messages not meant for us.
func (b *Bus) decode(ctx context.Context, channel string, raw []byte) (*Message, error) {
	env, err := b.validator.decode(raw)
	if err != nil {
		return nil, err
	}
	if env.Channel != channel {
		return nil, nil
	}
	if env.SenderID == b.senderID {
		return nil, nil
	}
	if env.TargetID != "" && env.TargetID != b.senderID {
		return nil, nil
	}

	data, err, _ := b.resolve.Do(env.PayloadRef, func() (any, error) {
		return b.payloads.Get(ctx, env.PayloadRef)
	})
	if err != nil {
		if errors.Is(err, payload.ErrNotFound) {
			return nil, &DecodeError{Reason: "payload " + env.PayloadRef + " missing", Err: err}
		}
		return nil, &DecodeError{Reason: "payload " + env.PayloadRef + " unreadable", Err: err}
	}
	body := data.([]byte)
	buf := make([]byte, len(body))
	copy(buf, body)

	return &Message{
		ID:       env.ID,
		Channel:  env.Channel,
		SenderID: env.SenderID,
		TargetID: env.TargetID,
		Clock:    env.Clock,
		Payload:  buf,
	}, nil
}

// Close drops every subscription made through the bus. The transport is closed too.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	unsubs := b.unsubs
	b.unsubs = map[int]func(){}
	b.mu.Unlock()

	for _, fn := range unsubs {
		fn()
	}
	return b.transport.Close()
}
