package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/benmeehan/iothub-amqp/internal/metrics_collectors"
	"github.com/benmeehan/iothub-amqp/internal/service_registry"
	"github.com/benmeehan/iothub-amqp/pkg/file"
	"github.com/benmeehan/iothub-amqp/pkg/identity"
	"github.com/benmeehan/iothub-amqp/pkg/mqtt"
)

func newDeviceCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "device",
		Short: "Device side of the hub",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Send telemetry and receive cloud-to-device commands until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDevice(cmd.Context(), opts)
		},
	})
	return cmd
}

func runDevice(ctx context.Context, opts *rootOptions) error {
	config, logger, err := opts.load()
	if err != nil {
		return err
	}
	ctx, stop := signalContext(ctx)
	defer stop()

	deviceInfo := identity.NewDeviceInfo(config.Device.IdentityFile, config.Device.ID, file.NewFileService())
	if err := deviceInfo.LoadDeviceInfo(); err != nil {
		return fmt.Errorf("failed to load device information: %w", err)
	}
	config.DefaultKeyName(deviceInfo.GetDeviceIdentity().KeyName)
	logger = logger.With().Str("device_id", deviceInfo.GetDeviceID()).Logger()

	rt, err := connect(ctx, config, logger, deviceInfo.GetDeviceID())
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn().Err(err).Msg("Shutdown incomplete")
		}
	}()

	deps := service_registry.Dependencies{
		Session:    rt.session,
		DeviceInfo: deviceInfo,
		Collectors: metrics_collectors.NewDefaultRegistry(logger),
	}

	if config.Relay.Enabled {
		relay := mqtt.NewMqttRelay(rt.fileClient, config.Relay.QOS)
		clientID := config.Relay.ClientID + "-" + uuid.NewString()
		if err := relay.Initialize(config.Relay.Broker, clientID, config.Relay.CACertificate); err != nil {
			return fmt.Errorf("failed to initialize MQTT relay: %w", err)
		}
		defer relay.Disconnect()
		logger.Info().Str("broker", config.Relay.Broker).Str("client_id", clientID).Msg("Relaying commands over MQTT")
		deps.Relay = relay
	}

	serviceRegistry := service_registry.NewServiceRegistry(logger)
	if err := serviceRegistry.RegisterServices(config, service_registry.RoleDevice, deps); err != nil {
		return err
	}

	rt.serveMetrics()
	if err := serviceRegistry.StartServices(); err != nil {
		return err
	}
	logger.Info().Msg("All services started successfully")

	<-ctx.Done()
	logger.Info().Msg("Shutting down gracefully...")
	return serviceRegistry.StopServices()
}
