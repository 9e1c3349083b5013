package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iothub-amqp/internal/constants"
	"github.com/benmeehan/iothub-amqp/internal/messaging"
	"github.com/benmeehan/iothub-amqp/internal/metrics_collectors"
	"github.com/benmeehan/iothub-amqp/internal/models"
	"github.com/benmeehan/iothub-amqp/pkg/identity"
)

// TelemetryService periodically sends device-to-cloud telemetry events
// built from the enabled metric collectors.
type TelemetryService struct {
	Interval      time.Duration
	SendTimeout   time.Duration
	DeviceInfo    identity.DeviceInfoInterface
	Session       LinkOpener
	Registry      *metrics_collectors.MetricsRegistry
	MetricsConfig models.MetricsConfig
	Logger        zerolog.Logger

	sender   *messaging.Sender
	sequence atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTelemetryService initializes a new TelemetryService.
func NewTelemetryService(interval, sendTimeout time.Duration, deviceInfo identity.DeviceInfoInterface, session LinkOpener,
	registry *metrics_collectors.MetricsRegistry, metricsConfig models.MetricsConfig, logger zerolog.Logger) *TelemetryService {

	return &TelemetryService{
		Interval:      interval,
		SendTimeout:   sendTimeout,
		DeviceInfo:    deviceInfo,
		Session:       session,
		Registry:      registry,
		MetricsConfig: metricsConfig,
		Logger:        logger,
	}
}

// Open attaches the events sender. Start calls it; one-shot callers use it
// directly together with SendEvent and Close.
func (t *TelemetryService) Open(ctx context.Context) error {
	deviceID := t.DeviceInfo.GetDeviceID()
	sender, err := t.Session.OpenSender(ctx, "telemetry-"+deviceID, constants.DeviceEventsPath(deviceID))
	if err != nil {
		return fmt.Errorf("failed to open telemetry sender: %w", err)
	}
	t.sender = sender
	return nil
}

// Close detaches the events sender.
func (t *TelemetryService) Close(ctx context.Context) error {
	if t.sender == nil {
		return nil
	}
	err := t.sender.Close(ctx)
	t.sender = nil
	return err
}

// SendEvent collects the enabled metrics and sends one telemetry event.
func (t *TelemetryService) SendEvent(ctx context.Context) error {
	if t.sender == nil {
		return errors.New("telemetry sender is not open")
	}

	event := models.TelemetryEvent{
		DeviceID:  t.DeviceInfo.GetDeviceID(),
		Timestamp: time.Now().UTC(),
		Sequence:  t.sequence.Add(1),
	}
	if t.Registry != nil {
		event.Metrics = t.Registry.CollectAll(ctx, &t.MetricsConfig, t.Logger)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to serialize telemetry event: %w", err)
	}

	sendCtx := ctx
	if t.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, t.SendTimeout)
		defer cancel()
	}

	msg := messaging.Message{
		MessageID: uuid.NewString(),
		Body:      payload,
		ApplicationProperties: map[string]any{
			constants.ContentTypeProperty: constants.ContentTypeJSON,
		},
	}
	if err := t.sender.Send(sendCtx, msg); err != nil {
		return err
	}

	t.Logger.Debug().Str("message_id", msg.MessageID).Uint64("sequence", event.Sequence).Msg("Telemetry event sent")
	return nil
}

// Start opens the events sender and launches the telemetry loop.
func (t *TelemetryService) Start() error {
	if t.ctx != nil {
		t.Logger.Warn().Msg("TelemetryService is already running")
		return errors.New("telemetry service is already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := t.Open(ctx); err != nil {
		cancel()
		return err
	}
	t.ctx, t.cancel = ctx, cancel

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.runTelemetryLoop()
	}()

	t.Logger.Info().Str("entity", t.sender.EntityPath()).Dur("interval", t.Interval).Msg("TelemetryService started successfully")
	return nil
}

// Stop ends the telemetry loop and closes the sender.
func (t *TelemetryService) Stop() error {
	if t.ctx == nil {
		t.Logger.Warn().Msg("TelemetryService is not running")
		return errors.New("telemetry service is not running")
	}

	t.cancel()
	t.wg.Wait()

	err := t.Close(t.ctx)
	t.ctx = nil
	t.cancel = nil

	t.Logger.Info().Msg("TelemetryService stopped successfully")
	return err
}

// runTelemetryLoop sends an event at every tick until the service stops.
func (t *TelemetryService) runTelemetryLoop() {
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := t.SendEvent(t.ctx); err != nil {
				if t.ctx.Err() != nil {
					return
				}
				t.Logger.Error().Err(err).Msg("Failed to send telemetry event")
			}

		case <-t.ctx.Done():
			t.Logger.Info().Msg("TelemetryService stopping gracefully")
			return
		}
	}
}
