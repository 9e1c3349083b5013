package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/iothub-amqp/internal/constants"
	"github.com/benmeehan/iothub-amqp/internal/errs"
	"github.com/benmeehan/iothub-amqp/internal/messaging"
	"github.com/benmeehan/iothub-amqp/internal/models"
)

// FeedbackHandler observes decoded delivery feedback records.
type FeedbackHandler func(record models.FeedbackRecord)

// FeedbackService receives delivery feedback batches from
// /messages/servicebound/feedback.
type FeedbackService struct {
	Session        LinkOpener
	ReceiveTimeout time.Duration
	Handler        FeedbackHandler
	Logger         zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewFeedbackService initializes a new FeedbackService. handler may be nil.
func NewFeedbackService(session LinkOpener, receiveTimeout time.Duration, handler FeedbackHandler, logger zerolog.Logger) *FeedbackService {
	return &FeedbackService{
		Session:        session,
		ReceiveTimeout: receiveTimeout,
		Handler:        handler,
		Logger:         logger,
	}
}

// Run receives feedback batches until ctx is done or, when maxBatches is
// positive, that many batches have been settled. With a positive maxBatches,
// ctx ending first is reported as errs.ErrReceiveTimeout.
func (f *FeedbackService) Run(ctx context.Context, maxBatches int) error {
	receiver, err := f.open(ctx)
	if err != nil {
		return err
	}
	defer f.closeReceiver(ctx, receiver)

	return f.consume(ctx, receiver, maxBatches)
}

func (f *FeedbackService) open(ctx context.Context) (*messaging.Receiver, error) {
	receiver, err := f.Session.OpenReceiver(ctx, "feedback-receiver", constants.FeedbackEntityPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open feedback receiver: %w", err)
	}
	return receiver, nil
}

func (f *FeedbackService) closeReceiver(ctx context.Context, receiver *messaging.Receiver) {
	if err := receiver.Close(ctx); err != nil {
		f.Logger.Warn().Err(err).Msg("Failed to close feedback receiver")
	}
}

func (f *FeedbackService) consume(ctx context.Context, receiver *messaging.Receiver, maxBatches int) error {
	for settled := 0; maxBatches <= 0 || settled < maxBatches; {
		delivery, err := receiver.Receive(ctx, f.ReceiveTimeout)
		switch {
		case err == nil:
		case errors.Is(err, errs.ErrReceiveTimeout):
			f.Logger.Debug().Msg("No feedback received")
			continue
		case ctx.Err() != nil:
			if maxBatches > 0 {
				return fmt.Errorf("feedback: %d of %d batches received: %w", settled, maxBatches, errs.ErrReceiveTimeout)
			}
			return nil
		default:
			return err
		}

		if err := f.settle(ctx, receiver, delivery); err != nil {
			return err
		}
		settled++
	}
	return nil
}

func (f *FeedbackService) settle(ctx context.Context, receiver *messaging.Receiver, delivery *messaging.Delivery) error {
	records, err := DecodeFeedback(delivery.Body)
	if err != nil {
		f.Logger.Error().Err(err).Str("message_id", delivery.MessageID).Msg("Malformed feedback batch")
		return receiver.Reject(ctx, delivery, err.Error())
	}

	for _, record := range records {
		f.Logger.Info().
			Str("original_message_id", record.OriginalMessageID).
			Str("device_id", record.DeviceID).
			Str("status", record.StatusCode).
			Str("description", record.Description).
			Msg("Delivery feedback")
		if f.Handler != nil {
			f.Handler(record)
		}
	}
	return receiver.Accept(ctx, delivery)
}

// DecodeFeedback parses a feedback batch body.
func DecodeFeedback(body []byte) ([]models.FeedbackRecord, error) {
	var records []models.FeedbackRecord
	if err := json.Unmarshal(body, &records); err != nil {
		return nil, fmt.Errorf("failed to decode feedback: %w", err)
	}
	return records, nil
}

// Start runs the feedback loop in the background until Stop.
func (f *FeedbackService) Start() error {
	if f.ctx != nil {
		return errors.New("feedback service is already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	receiver, err := f.open(ctx)
	if err != nil {
		cancel()
		return err
	}
	f.ctx, f.cancel = ctx, cancel

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer f.closeReceiver(ctx, receiver)
		if err := f.consume(ctx, receiver, 0); err != nil {
			f.Logger.Error().Err(err).Msg("Feedback loop ended")
		}
	}()

	f.Logger.Info().Msg("FeedbackService started successfully")
	return nil
}

// Stop ends the feedback loop.
func (f *FeedbackService) Stop() error {
	if f.ctx == nil {
		return errors.New("feedback service is not running")
	}

	f.cancel()
	f.wg.Wait()
	f.ctx = nil
	f.cancel = nil

	f.Logger.Info().Msg("FeedbackService stopped successfully")
	return nil
}
