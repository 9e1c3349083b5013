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
	"github.com/benmeehan/iothub-amqp/internal/utils"
	"github.com/benmeehan/iothub-amqp/pkg/identity"
	"github.com/benmeehan/iothub-amqp/pkg/mqtt"
)

// CommandHandler processes one cloud-to-device command. Returning an error
// rejects the delivery.
type CommandHandler func(ctx context.Context, cmd *messaging.Delivery) error

// CommandStateStore records commands between handling and settlement so a
// redelivery of an already handled command is only acknowledged.
type CommandStateStore interface {
	GetCommandState(messageID string) (models.CommandState, bool, error)
	UpdateCommandState(state models.CommandState) error
}

// CommandService receives cloud-to-device messages for the device, hands
// each to the handler and the optional MQTT relay, then settles it.
type CommandService struct {
	// Configuration Fields
	receiveTimeout time.Duration
	workers        int
	topicPrefix    string

	// Dependencies
	session    LinkOpener
	deviceInfo identity.DeviceInfoInterface
	relay      mqtt.Relay
	handler    CommandHandler
	stateStore CommandStateStore
	logger     zerolog.Logger

	// Internal state management
	receiver *messaging.Receiver
	pool     *utils.WorkerPool
	wg       sync.WaitGroup

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
}

// NewCommandService initializes a new CommandService. relay and handler may be nil.
func NewCommandService(receiveTimeout time.Duration, workers int, topicPrefix string, session LinkOpener,
	deviceInfo identity.DeviceInfoInterface, relay mqtt.Relay, handler CommandHandler, logger zerolog.Logger) *CommandService {

	return &CommandService{
		receiveTimeout: receiveTimeout,
		workers:        workers,
		topicPrefix:    topicPrefix,
		session:        session,
		deviceInfo:     deviceInfo,
		relay:          relay,
		handler:        handler,
		logger:         logger,
	}
}

// Start opens the device-bound receiver and begins processing commands.
func (cs *CommandService) Start() error {
	if cs.ctx != nil {
		return errors.New("command service is already running")
	}

	deviceID := cs.deviceInfo.GetDeviceID()
	entity := constants.DeviceBoundPath(deviceID)

	ctx, cancel := context.WithCancel(context.Background())
	receiver, err := cs.session.OpenReceiver(ctx, "command-receiver-"+deviceID, entity)
	if err != nil {
		cancel()
		cs.logger.Error().Err(err).Str("entity", entity).Msg("Failed to open command receiver")
		return err
	}

	cs.ctx, cs.cancel = ctx, cancel
	cs.receiver = receiver
	cs.pool = utils.NewWorkerPool(cs.workers)

	cs.wg.Add(1)
	go func() {
		defer cs.wg.Done()
		cs.receiveLoop()
	}()

	cs.logger.Info().Str("entity", entity).Msg("CommandService started successfully")
	return nil
}

// Stop stops receiving, waits for in-flight commands and closes the receiver.
// Unsettled commands are redelivered by the broker.
func (cs *CommandService) Stop() error {
	if cs.ctx == nil {
		return errors.New("command service is not running")
	}

	cs.cancel()
	cs.wg.Wait()
	cs.pool.Shutdown()

	err := cs.receiver.Close(cs.ctx)
	cs.ctx = nil
	cs.cancel = nil
	cs.receiver = nil

	cs.logger.Info().Msg("CommandService stopped successfully")
	return err
}

func (cs *CommandService) receiveLoop() {
	for {
		delivery, err := cs.receiver.Receive(cs.ctx, cs.receiveTimeout)
		switch {
		case err == nil:
		case errors.Is(err, errs.ErrReceiveTimeout):
			continue
		case cs.ctx.Err() != nil:
			return
		default:
			cs.logger.Error().Err(err).Msg("Failed to receive command")
			select {
			case <-cs.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if err := cs.pool.Submit(cs.ctx, func() { cs.HandleCommand(delivery) }); err != nil {
			// stopping; the broker redelivers on close
			return
		}
	}
}

// WithStateStore makes the service remember handled commands in store.
func (cs *CommandService) WithStateStore(store CommandStateStore) *CommandService {
	cs.stateStore = store
	return cs
}

// HandleCommand processes one delivery and settles it.
func (cs *CommandService) HandleCommand(delivery *messaging.Delivery) {
	logger := cs.logger.With().Str("message_id", delivery.MessageID).Logger()
	logger.Info().Int("size", len(delivery.Body)).Msg("Command received")

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(cs.ctx), constants.DefaultCloseTimeout)
	defer cancel()

	if cs.alreadyHandled(delivery.MessageID) {
		logger.Info().Msg("Command already handled, acknowledging redelivery")
	} else if err := cs.process(settleCtx, delivery); err != nil {
		logger.Error().Err(err).Msg("Command rejected")
		if rejectErr := cs.receiver.Reject(settleCtx, delivery, err.Error()); rejectErr != nil {
			logger.Error().Err(rejectErr).Msg("Failed to reject command")
		}
		return
	} else {
		cs.recordState(delivery.MessageID, constants.CommandStatusHandled)
	}

	if err := cs.receiver.Accept(settleCtx, delivery); err != nil {
		logger.Error().Err(err).Msg("Failed to accept command")
		return
	}
	cs.recordState(delivery.MessageID, constants.CommandStatusSettled)
	logger.Debug().Msg("Command accepted")
}

func (cs *CommandService) alreadyHandled(messageID string) bool {
	if cs.stateStore == nil || messageID == "" {
		return false
	}
	state, ok, err := cs.stateStore.GetCommandState(messageID)
	if err != nil {
		cs.logger.Warn().Err(err).Str("message_id", messageID).Msg("Failed to read command state")
		return false
	}
	return ok && state.Status == constants.CommandStatusHandled
}

func (cs *CommandService) recordState(messageID, status string) {
	if cs.stateStore == nil || messageID == "" {
		return
	}
	err := cs.stateStore.UpdateCommandState(models.CommandState{MessageID: messageID, Status: status, UpdatedAt: time.Now().UTC()})
	if err != nil {
		cs.logger.Warn().Err(err).Str("message_id", messageID).Str("status", status).Msg("Failed to record command state")
	}
}

func (cs *CommandService) process(ctx context.Context, delivery *messaging.Delivery) error {
	if cs.handler != nil {
		if err := cs.handler(ctx, delivery); err != nil {
			return err
		}
	}

	if cs.relay == nil {
		return nil
	}

	deviceID := cs.deviceInfo.GetDeviceID()
	payload, err := json.Marshal(models.RelayedCommand{
		DeviceID:   deviceID,
		MessageID:  delivery.MessageID,
		Payload:    delivery.Body,
		Properties: delivery.ApplicationProperties,
	})
	if err != nil {
		return fmt.Errorf("failed to serialize relayed command: %w", err)
	}

	if err := cs.relay.Publish(cs.topicPrefix+"/"+deviceID, payload); err != nil {
		return fmt.Errorf("failed to relay command: %w", err)
	}
	return nil
}
