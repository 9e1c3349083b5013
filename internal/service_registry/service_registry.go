package service_registry

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/benmeehan/iothub-amqp/internal/messaging"
	"github.com/benmeehan/iothub-amqp/internal/metrics_collectors"
	"github.com/benmeehan/iothub-amqp/internal/models"
	"github.com/benmeehan/iothub-amqp/internal/registry"
	"github.com/benmeehan/iothub-amqp/internal/services"
	"github.com/benmeehan/iothub-amqp/internal/state_managers"
	"github.com/benmeehan/iothub-amqp/internal/utils"
	"github.com/benmeehan/iothub-amqp/pkg/identity"
	"github.com/benmeehan/iothub-amqp/pkg/mqtt"
)

// Role selects which side of the hub the agent plays.
type Role string

const (
	RoleDevice  Role = "device"
	RoleService Role = "service"
)

// Dependencies are the shared components services are built from.
type Dependencies struct {
	Session         *messaging.Session
	DeviceInfo      identity.DeviceInfoInterface // required for RoleDevice
	Relay           mqtt.Relay                   // optional
	Collectors      *metrics_collectors.MetricsRegistry
	CommandHandler  services.CommandHandler
	FeedbackHandler services.FeedbackHandler
}

// ServiceRegistry manages the lifecycle of various services in the system.
type ServiceRegistry struct {
	services    map[string]registry.Service // Stores registered services
	serviceKeys []string                    // Maintains order of service registration
	Logger      zerolog.Logger
}

// NewServiceRegistry initializes an empty service registry.
func NewServiceRegistry(logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[string]registry.Service),
		Logger:   logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc registry.Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// Service returns the registered service called name.
func (sr *ServiceRegistry) Service(name string) (registry.Service, bool) {
	svc, ok := sr.services[name]
	return svc, ok
}

// Names returns the registered service names in start order.
func (sr *ServiceRegistry) Names() []string {
	return append([]string(nil), sr.serviceKeys...)
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				if stopErr := sr.services[startedServices[i]].Stop(); stopErr != nil {
					sr.Logger.Error().Err(stopErr).Msgf("Failed to stop service: %s", startedServices[i])
				}
			}
			return fmt.Errorf("failed to start %s: %w", name, err)
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// RegisterServices initializes and registers the services enabled for role.
// Authorization is always registered first so links open under a grant.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config, role Role, deps Dependencies) error {
	if deps.Session == nil {
		return errors.New("messaging session is required")
	}
	if role == RoleDevice && deps.DeviceInfo == nil {
		return errors.New("device info is required for the device role")
	}

	// Ordered service definitions with inline constructors
	servicesInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (registry.Service, error)
	}{
		{
			name:    "authorization",
			enabled: true,
			constructor: func() (registry.Service, error) {
				authorization := services.NewAuthorizationService(
					deps.Session,
					config.SigningKey(),
					config.Auth.TokenTTL,
					config.Auth.RefreshMargin,
					config.Auth.MaxRetries,
					config.Auth.RetryInterval,
					sr.Logger.With().Str("service", "authorization").Logger(),
				)
				resource := models.ResourceIdentity{Host: config.IoTHub.Host}
				if role == RoleDevice {
					resource.DeviceID = deps.DeviceInfo.GetDeviceID()
				}
				authorization.AddResource(resource)
				return authorization, nil
			},
		},
		{
			name:    "telemetry",
			enabled: role == RoleDevice && config.Services.Telemetry.Enabled,
			constructor: func() (registry.Service, error) {
				collectors := deps.Collectors
				if collectors == nil {
					collectors = metrics_collectors.NewDefaultRegistry(sr.Logger)
				}
				return services.NewTelemetryService(
					config.Services.Telemetry.Interval,
					config.Services.Telemetry.SendTimeout,
					deps.DeviceInfo,
					deps.Session,
					collectors,
					config.Services.Telemetry.Metrics,
					sr.Logger.With().Str("service", "telemetry").Logger(),
				), nil
			},
		},
		{
			name:    "commands",
			enabled: role == RoleDevice && config.Services.Commands.Enabled,
			constructor: func() (registry.Service, error) {
				logger := sr.Logger.With().Str("service", "commands").Logger()
				commands := services.NewCommandService(
					config.Services.Commands.ReceiveTimeout,
					config.Services.Commands.Workers,
					config.Relay.TopicPrefix,
					deps.Session,
					deps.DeviceInfo,
					deps.Relay,
					deps.CommandHandler,
					logger,
				)
				if config.Services.Commands.StateFile != "" {
					commands.WithStateStore(state_managers.NewCommandStateManager(config.Services.Commands.StateFile, logger))
				}
				return commands, nil
			},
		},
		{
			name:    "cloud_command",
			enabled: role == RoleService,
			constructor: func() (registry.Service, error) {
				return services.NewCloudCommandSender(
					deps.Session,
					config.Services.CloudCommand.Ack,
					config.Services.CloudCommand.SendTimeout,
					sr.Logger.With().Str("service", "cloud_command").Logger(),
				), nil
			},
		},
		{
			name:    "feedback",
			enabled: role == RoleService && config.Services.Feedback.Enabled,
			constructor: func() (registry.Service, error) {
				return services.NewFeedbackService(
					deps.Session,
					config.Services.Feedback.ReceiveTimeout,
					deps.FeedbackHandler,
					sr.Logger.With().Str("service", "feedback").Logger(),
				), nil
			},
		},
	}

	// Register services in the predefined order
	registeredServices := []string{}
	for _, svc := range servicesInOrder {
		if svc.enabled {
			serviceInstance, err := svc.constructor()
			if err != nil {
				sr.Logger.Error().Err(err).Msgf("Failed to create %s service", svc.name)
				return err
			}
			sr.RegisterService(svc.name, serviceInstance)
			registeredServices = append(registeredServices, svc.name)
		}
	}

	sr.Logger.Info().Str("role", string(role)).Msgf("Registered services in order: %v", registeredServices)
	return nil
}
