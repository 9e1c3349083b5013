// Package cbs performs the AMQP claims-based-security put-token exchange
// that authorizes a connection for an audience.
package cbs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iothub-amqp/internal/constants"
	"github.com/benmeehan/iothub-amqp/internal/errs"
	"github.com/benmeehan/iothub-amqp/internal/utils"
	"github.com/benmeehan/iothub-amqp/pkg/amqp"
)

var grantedStatuses = utils.SliceToSet([]int32{constants.StatusOK, constants.StatusAccepted})

// NegotiatorInterface authorizes an audience on a connection.
type NegotiatorInterface interface {
	Authorize(ctx context.Context, conn amqp.Connection, host, token, audience string) error
}

// Negotiator runs one put-token round trip per Authorize call on a dedicated
// session and link pair, which are torn down before it returns.
type Negotiator struct {
	ResponseTimeout time.Duration
	ReplyTo         string
	CloseTimeout    time.Duration
	Logger          zerolog.Logger
}

// NewNegotiator creates a Negotiator. A non-positive responseTimeout selects
// constants.DefaultCBSResponseTimeout.
func NewNegotiator(logger zerolog.Logger, responseTimeout time.Duration) *Negotiator {
	if responseTimeout <= 0 {
		responseTimeout = constants.DefaultCBSResponseTimeout
	}
	return &Negotiator{
		ResponseTimeout: responseTimeout,
		ReplyTo:         constants.CBSReplyTo,
		CloseTimeout:    constants.DefaultCloseTimeout,
		Logger:          logger,
	}
}

// Authorize presents token for audience over conn. It returns nil when the
// broker answers 200 or 202, a *errs.CBSRejectedError for any other status,
// errs.ErrCBSNoResponse when no usable response arrives in time, and a
// *errs.TransportError when the exchange itself fails.
func (n *Negotiator) Authorize(ctx context.Context, conn amqp.Connection, host, token, audience string) error {
	logger := n.Logger.With().Str("host", host).Str("audience", audience).Logger()

	session, err := conn.NewSession(ctx)
	if err != nil {
		return errs.NewTransportError("cbs: open session", err)
	}

	var (
		sender   amqp.Sender
		receiver amqp.Receiver
	)
	defer func() {
		closeErr := n.release(ctx, sender, receiver, session)
		if closeErr != nil {
			logger.Warn().Err(closeErr).Msg("Failed to release CBS links")
		}
	}()

	sender, err = session.NewSender(ctx, constants.CBSSenderName, constants.CBSEntityPath)
	if err != nil {
		return errs.NewTransportError("cbs: open sender", err)
	}

	receiver, err = session.NewReceiver(ctx, n.ReplyTo, constants.CBSEntityPath)
	if err != nil {
		return errs.NewTransportError("cbs: open receiver", err)
	}

	request := n.putTokenRequest(token, audience)
	if err := sender.Send(ctx, request); err != nil {
		return errs.NewTransportError("cbs: send put-token", err)
	}
	logger.Debug().Interface("message_id", request.Properties.MessageID).Msg("put-token request sent")

	response, err := n.awaitResponse(ctx, receiver)
	if err != nil {
		return err
	}

	if err := receiver.Accept(ctx, response); err != nil {
		logger.Warn().Err(err).Msg("Failed to accept put-token response")
	}

	if err := classify(response); err != nil {
		logger.Warn().Err(err).Msg("Audience not authorized")
		return err
	}

	logger.Info().Msg("Audience authorized")
	return nil
}

func (n *Negotiator) putTokenRequest(token, audience string) *amqp.Message {
	replyTo := n.ReplyTo
	return &amqp.Message{
		Properties: &amqp.MessageProperties{
			MessageID: uuid.NewString(),
			ReplyTo:   &replyTo,
		},
		ApplicationProperties: map[string]any{
			constants.CBSPropertyOperation: constants.CBSOperationPutToken,
			constants.CBSPropertyType:      constants.CBSTokenTypeSAS,
			constants.CBSPropertyName:      audience,
		},
		Value: token,
	}
}

func (n *Negotiator) awaitResponse(ctx context.Context, receiver amqp.Receiver) (*amqp.Message, error) {
	waitCtx, cancel := context.WithTimeout(ctx, n.ResponseTimeout)
	defer cancel()

	response, err := receiver.Receive(waitCtx)
	switch {
	case err == nil && response == nil:
		return nil, errs.ErrCBSNoResponse
	case err == nil:
		return response, nil
	case ctx.Err() != nil:
		return nil, fmt.Errorf("cbs: waiting for put-token response: %w", ctx.Err())
	case errors.Is(err, context.DeadlineExceeded):
		return nil, fmt.Errorf("%w within %s", errs.ErrCBSNoResponse, n.ResponseTimeout)
	default:
		return nil, errs.NewTransportError("cbs: receive put-token response", err)
	}
}

// release closes sender, receiver and session in that order, skipping the
// ones never opened. Cleanup outlives cancellation of ctx.
func (n *Negotiator) release(ctx context.Context, sender amqp.Sender, receiver amqp.Receiver, session amqp.Session) error {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), n.CloseTimeout)
	defer cancel()

	var closeErrs []error
	if sender != nil {
		closeErrs = append(closeErrs, sender.Close(closeCtx))
	}
	if receiver != nil {
		closeErrs = append(closeErrs, receiver.Close(closeCtx))
	}
	closeErrs = append(closeErrs, session.Close(closeCtx))
	return errors.Join(closeErrs...)
}

func classify(response *amqp.Message) error {
	if response.Properties == nil || response.ApplicationProperties == nil {
		return errs.ErrCBSNoResponse
	}

	code, ok := statusCode(response.ApplicationProperties[constants.CBSPropertyStatusCode])
	if !ok {
		return errs.ErrCBSNoResponse
	}
	if _, granted := grantedStatuses[code]; granted {
		return nil
	}

	description, _ := response.ApplicationProperties[constants.CBSPropertyStatusDescription].(string)
	return &errs.CBSRejectedError{StatusCode: code, Description: description}
}

// statusCode reads the response status. Values outside the int32 range are
// treated as absent.
func statusCode(v any) (int32, bool) {
	var code int64
	switch c := v.(type) {
	case int32:
		return c, true
	case int16:
		return int32(c), true
	case int:
		code = int64(c)
	case int64:
		code = c
	case uint32:
		code = int64(c)
	default:
		return 0, false
	}
	if code < math.MinInt32 || code > math.MaxInt32 {
		return 0, false
	}
	return int32(code), true
}
