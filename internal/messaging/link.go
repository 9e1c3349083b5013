package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benmeehan/iothub-amqp/internal/errs"
	"github.com/benmeehan/iothub-amqp/internal/instrumentation"
	"github.com/benmeehan/iothub-amqp/pkg/amqp"
)

// linkBase holds what senders and receivers share: the owning Session, the
// dedicated AMQP session and exactly-once close.
type linkBase struct {
	owner      *Session
	name       string
	entityPath string
	session    amqp.Session

	mu     sync.Mutex
	closed bool
}

// Name returns the link name.
func (l *linkBase) Name() string { return l.name }

// EntityPath returns the entity the link is attached to.
func (l *linkBase) EntityPath() string { return l.entityPath }

func (l *linkBase) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// close detaches the link with closeLink and then ends its session. Later
// calls are no-ops.
func (l *linkBase) close(ctx context.Context, closeLink func(context.Context) error) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	closeCtx, cancel := l.owner.closeContext(ctx)
	defer cancel()

	var linkErr, sessionErr error
	if err := closeLink(closeCtx); err != nil {
		linkErr = errs.NewTransportError("close link "+l.name, err)
	}
	if err := l.session.Close(closeCtx); err != nil {
		sessionErr = errs.NewTransportError("close session of "+l.name, err)
	}

	l.owner.logger.Debug().Str("link", l.name).Msg("Link closed")
	return errors.Join(linkErr, sessionErr)
}

// Sender sends messages to one entity.
type Sender struct {
	linkBase
	sender amqp.Sender
}

// Send transmits msg once and waits for the broker to settle it. A message
// without an ID is assigned a random UUID. msg.To, when set, must be covered
// by a live grant.
func (s *Sender) Send(ctx context.Context, msg Message) error {
	if s.isClosed() {
		return errs.ErrLinkClosed
	}
	if msg.To != "" {
		if err := s.owner.authorized(msg.To); err != nil {
			return err
		}
	}

	if s.owner.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.owner.sendTimeout)
		defer cancel()
	}

	if err := s.sender.Send(ctx, toAMQP(msg)); err != nil {
		s.owner.metrics.SendFailed(s.name)
		if ctx.Err() != nil {
			return fmt.Errorf("send on %s: %w", s.name, ctx.Err())
		}
		return errs.NewTransportError("send on "+s.name, err)
	}

	s.owner.metrics.MessageSent(s.name)
	return nil
}

// Close detaches the link and its session. It is safe to call more than once.
func (s *Sender) Close(ctx context.Context) error {
	return s.close(ctx, s.sender.Close)
}

// Receiver receives messages from one entity. Nothing is settled until the
// caller accepts or rejects it.
type Receiver struct {
	linkBase
	receiver amqp.Receiver

	pendingMu sync.Mutex
	pending   map[*Delivery]struct{}
}

// Receive waits for the next message. It returns errs.ErrReceiveTimeout when
// timeout elapses first; a non-positive timeout waits on ctx alone.
func (r *Receiver) Receive(ctx context.Context, timeout time.Duration) (*Delivery, error) {
	if r.isClosed() {
		return nil, errs.ErrLinkClosed
	}

	receiveCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		receiveCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	raw, err := r.receiver.Receive(receiveCtx)
	switch {
	case err == nil && raw == nil:
		return nil, errs.NewTransportError("receive on "+r.name, errors.New("empty delivery"))
	case err == nil:
	case ctx.Err() != nil:
		return nil, fmt.Errorf("receive on %s: %w", r.name, ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		return nil, errs.ErrReceiveTimeout
	default:
		return nil, errs.NewTransportError("receive on "+r.name, err)
	}

	d := &Delivery{Message: fromAMQP(raw), raw: raw}
	r.pendingMu.Lock()
	r.pending[d] = struct{}{}
	r.pendingMu.Unlock()

	r.owner.metrics.MessageReceived(r.name)
	return d, nil
}

// Accept settles d as processed.
func (r *Receiver) Accept(ctx context.Context, d *Delivery) error {
	if err := r.take(d); err != nil {
		return err
	}
	if err := r.receiver.Accept(ctx, d.raw); err != nil {
		return errs.NewTransportError("accept on "+r.name, err)
	}
	r.owner.metrics.MessageSettled(r.name, instrumentation.OutcomeAccepted)
	return nil
}

// Reject settles d as unprocessable with reason.
func (r *Receiver) Reject(ctx context.Context, d *Delivery, reason string) error {
	if err := r.take(d); err != nil {
		return err
	}
	if err := r.receiver.Reject(ctx, d.raw, reason); err != nil {
		return errs.NewTransportError("reject on "+r.name, err)
	}
	r.owner.metrics.MessageSettled(r.name, instrumentation.OutcomeRejected)
	return nil
}

// Pending returns the number of received but unsettled deliveries.
func (r *Receiver) Pending() int {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return len(r.pending)
}

// Close detaches the link and its session. Unsettled deliveries are left to
// the broker to redeliver. It is safe to call more than once.
func (r *Receiver) Close(ctx context.Context) error {
	return r.close(ctx, r.receiver.Close)
}

func (r *Receiver) take(d *Delivery) error {
	if r.isClosed() {
		return errs.ErrLinkClosed
	}
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	if _, ok := r.pending[d]; !ok {
		return errs.ErrNotPending
	}
	delete(r.pending, d)
	return nil
}
