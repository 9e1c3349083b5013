// Package memory provides an in-process broker implementing the amqp
// transport boundary. It answers put-token requests on $cbs through a
// pluggable handler and delivers every other message to the entity it was
// addressed to.
package memory

import (
	"context"
	"errors"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/benmeehan/iothub-amqp/internal/constants"
	"github.com/benmeehan/iothub-amqp/pkg/amqp"
)

var (
	// ErrClosed is returned by operations on a closed connection, session or link.
	ErrClosed = errors.New("memory: closed")

	// ErrUnknownDelivery is returned when settling a message this link did not deliver.
	ErrUnknownDelivery = errors.New("memory: unknown delivery")
)

// CBSHandler answers one put-token request. Returning nil sends no response.
type CBSHandler func(req *amqp.Message) *amqp.Message

// Stats is a snapshot of broker bookkeeping.
type Stats struct {
	OpenConnections int
	OpenSessions    int
	OpenLinks       int
	Accepted        int
	Rejected        int
	CBSRequests     int
	// CBSSettled counts settlements of put-token responses, which are kept
	// out of Accepted and Rejected.
	CBSSettled int
}

// Broker is an in-memory message broker. The zero value is not usable; use NewBroker.
type Broker struct {
	queues cmap.ConcurrentMap[string, *queue]
	cbs    CBSHandler

	mu    sync.Mutex
	stats Stats
}

// Option configures a Broker.
type Option func(*Broker)

// WithCBSHandler replaces the default put-token handler, which grants every token.
func WithCBSHandler(h CBSHandler) Option {
	return func(b *Broker) {
		b.cbs = h
	}
}

// NewBroker creates an empty broker.
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		queues: cmap.New[*queue](),
		cbs:    AcceptAll,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect opens a client connection to the broker.
func (b *Broker) Connect() amqp.Connection {
	b.update(func(s *Stats) { s.OpenConnections++ })
	return &connection{broker: b}
}

// Stats returns a snapshot of the broker counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Publish enqueues msg on entityPath as if a client had sent it.
func (b *Broker) Publish(entityPath string, msg *amqp.Message) {
	b.queue(entityPath).push(msg)
}

// Pending returns the number of undelivered messages queued on entityPath.
func (b *Broker) Pending(entityPath string) int {
	q, ok := b.queues.Get(entityPath)
	if !ok {
		return 0
	}
	return q.len()
}

func (b *Broker) update(fn func(*Stats)) {
	b.mu.Lock()
	fn(&b.stats)
	b.mu.Unlock()
}

func (b *Broker) queue(key string) *queue {
	return b.queues.Upsert(key, nil, func(exist bool, inMap, _ *queue) *queue {
		if exist {
			return inMap
		}
		return newQueue()
	})
}

func (b *Broker) deliver(entityPath string, msg *amqp.Message) {
	if entityPath == constants.CBSEntityPath {
		b.update(func(s *Stats) { s.CBSRequests++ })
		resp := b.cbs(msg)
		if resp == nil || msg.Properties == nil || msg.Properties.ReplyTo == nil {
			return
		}
		b.queue(cbsReplyQueue(*msg.Properties.ReplyTo)).push(resp)
		return
	}

	target := entityPath
	if msg.Properties != nil && msg.Properties.To != nil && *msg.Properties.To != "" {
		target = *msg.Properties.To
	}
	b.queue(target).push(msg)
}

func cbsReplyQueue(replyTo string) string {
	return constants.CBSEntityPath + "/" + replyTo
}

type connection struct {
	broker *Broker

	mu     sync.Mutex
	closed bool
}

func (c *connection) NewSession(ctx context.Context) (amqp.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	c.broker.update(func(s *Stats) { s.OpenSessions++ })
	return &session{conn: c}, nil
}

func (c *connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.broker.update(func(s *Stats) { s.OpenConnections-- })
	return nil
}

func (c *connection) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type session struct {
	conn *connection

	mu     sync.Mutex
	closed bool
}

func (s *session) openLink(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.conn.isClosed() {
		return ErrClosed
	}
	s.conn.broker.update(func(st *Stats) { st.OpenLinks++ })
	return nil
}

func (s *session) NewSender(ctx context.Context, name, entityPath string) (amqp.Sender, error) {
	if err := s.openLink(ctx); err != nil {
		return nil, err
	}
	return &sender{broker: s.conn.broker, name: name, entityPath: entityPath}, nil
}

func (s *session) NewReceiver(ctx context.Context, name, entityPath string) (amqp.Receiver, error) {
	if err := s.openLink(ctx); err != nil {
		return nil, err
	}
	key := entityPath
	if entityPath == constants.CBSEntityPath {
		key = cbsReplyQueue(name)
	}
	return &receiver{
		broker:   s.conn.broker,
		queue:    s.conn.broker.queue(key),
		cbs:      entityPath == constants.CBSEntityPath,
		inFlight: make(map[*amqp.Message]struct{}),
	}, nil
}

func (s *session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.conn.broker.update(func(st *Stats) { st.OpenSessions-- })
	return nil
}

type sender struct {
	broker     *Broker
	name       string
	entityPath string

	mu     sync.Mutex
	closed bool
}

func (s *sender) Send(ctx context.Context, msg *amqp.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	s.broker.deliver(s.entityPath, msg)
	return nil
}

func (s *sender) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.broker.update(func(st *Stats) { st.OpenLinks-- })
	return nil
}

type receiver struct {
	broker *Broker
	queue  *queue
	cbs    bool

	mu       sync.Mutex
	closed   bool
	inFlight map[*amqp.Message]struct{}
}

func (r *receiver) Receive(ctx context.Context) (*amqp.Message, error) {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	msg, err := r.queue.pop(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.queue.pushFront(msg)
		return nil, ErrClosed
	}
	r.inFlight[msg] = struct{}{}
	return msg, nil
}

func (r *receiver) settle(msg *amqp.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, ok := r.inFlight[msg]; !ok {
		return ErrUnknownDelivery
	}
	delete(r.inFlight, msg)
	return nil
}

func (r *receiver) Accept(ctx context.Context, msg *amqp.Message) error {
	if err := r.settle(msg); err != nil {
		return err
	}
	r.broker.update(func(st *Stats) {
		if r.cbs {
			st.CBSSettled++
			return
		}
		st.Accepted++
	})
	return nil
}

func (r *receiver) Reject(ctx context.Context, msg *amqp.Message, description string) error {
	if err := r.settle(msg); err != nil {
		return err
	}
	r.broker.update(func(st *Stats) {
		if r.cbs {
			st.CBSSettled++
			return
		}
		st.Rejected++
	})
	return nil
}

// Close detaches the link. Deliveries that were never settled go back to
// the head of the queue.
func (r *receiver) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	for msg := range r.inFlight {
		r.queue.pushFront(msg)
	}
	r.inFlight = nil
	r.broker.update(func(st *Stats) { st.OpenLinks-- })
	return nil
}
