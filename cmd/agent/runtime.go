package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iothub-amqp/internal/cbs"
	"github.com/benmeehan/iothub-amqp/internal/instrumentation"
	"github.com/benmeehan/iothub-amqp/internal/messaging"
	"github.com/benmeehan/iothub-amqp/internal/services"
	"github.com/benmeehan/iothub-amqp/internal/utils"
	"github.com/benmeehan/iothub-amqp/pkg/amqp"
	"github.com/benmeehan/iothub-amqp/pkg/file"
)

const metricsShutdownTimeout = 5 * time.Second

// runtime is one connected agent process: a hub connection, the messaging
// session on top of it and the metrics endpoint.
type runtime struct {
	config     *utils.Config
	logger     zerolog.Logger
	fileClient file.FileOperations
	registry   *prometheus.Registry
	metrics    *instrumentation.Metrics
	conn       amqp.Connection
	session    *messaging.Session
	server     *http.Server
}

// connect dials the hub and wraps the connection in a messaging session.
func connect(ctx context.Context, config *utils.Config, logger zerolog.Logger, containerID string) (*runtime, error) {
	rt := &runtime{
		config:     config,
		logger:     logger,
		fileClient: file.NewFileService(),
		registry:   prometheus.NewRegistry(),
	}
	rt.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rt.metrics = instrumentation.NewMetrics(rt.registry)

	conn, err := amqp.NewAmqpService(rt.fileClient).Dial(ctx, config.AmqpConfig(containerID))
	if err != nil {
		return nil, err
	}
	rt.conn = conn
	logger.Info().Str("host", config.IoTHub.Host).Int("port", config.IoTHub.Port).Str("container_id", containerID).
		Msg("Connected to IoT Hub")

	rt.session = messaging.NewSession(conn,
		cbs.NewNegotiator(logger.With().Str("component", "cbs").Logger(), config.Auth.ResponseTimeout),
		logger.With().Str("component", "messaging").Logger(),
		rt.metrics,
	)
	return rt, nil
}

// authorizer returns an AuthorizationService for the session that is not
// yet tracking any resource.
func (rt *runtime) authorizer() *services.AuthorizationService {
	return services.NewAuthorizationService(
		rt.session,
		rt.config.SigningKey(),
		rt.config.Auth.TokenTTL,
		rt.config.Auth.RefreshMargin,
		rt.config.Auth.MaxRetries,
		rt.config.Auth.RetryInterval,
		rt.logger.With().Str("service", "authorization").Logger(),
	)
}

// serveMetrics exposes the registry on metrics.listen_address when configured.
func (rt *runtime) serveMetrics() {
	addr := rt.config.Metrics.ListenAddress
	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
	rt.server = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		rt.logger.Info().Str("address", addr).Msg("Serving metrics")
		if err := rt.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// Close stops the metrics endpoint and closes the hub connection.
func (rt *runtime) Close() error {
	var closeErrors []error
	if rt.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
		defer cancel()
		if err := rt.server.Shutdown(ctx); err != nil {
			closeErrors = append(closeErrors, fmt.Errorf("failed to stop metrics server: %w", err))
		}
	}
	if err := rt.conn.Close(); err != nil {
		closeErrors = append(closeErrors, fmt.Errorf("failed to close connection: %w", err))
	}
	return errors.Join(closeErrors...)
}
