package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/benmeehan/iothub-amqp/internal/models"
	"github.com/benmeehan/iothub-amqp/internal/service_registry"
	"github.com/benmeehan/iothub-amqp/internal/services"
)

type sendOptions struct {
	properties      map[string]string
	waitFeedback    bool
	feedbackTimeout time.Duration
}

func newServiceCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Service side of the hub",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Keep the command sender open and log delivery feedback until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runService(cmd.Context(), opts)
		},
	})

	send := &sendOptions{}
	sendCmd := &cobra.Command{
		Use:   "send <device-id> <payload>",
		Short: "Send one cloud-to-device command and print its message ID",
		Example: `  agent service send dev1 '{"action":"reboot"}'
  agent service send dev1 restart -p priority=high --feedback`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd.Context(), opts, send, args[0], []byte(args[1]), cmd.OutOrStdout())
		},
	}
	sendCmd.Flags().StringToStringVarP(&send.properties, "property", "p", nil, "Application property key=value (repeatable)")
	sendCmd.Flags().BoolVar(&send.waitFeedback, "feedback", false, "Wait for one delivery feedback batch after sending")
	sendCmd.Flags().DurationVar(&send.feedbackTimeout, "feedback-timeout", time.Minute, "How long to wait for feedback")
	cmd.AddCommand(sendCmd)

	var limit int
	feedbackCmd := &cobra.Command{
		Use:   "feedback",
		Short: "Print delivery feedback records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFeedback(cmd.Context(), opts, limit, cmd.OutOrStdout())
		},
	}
	feedbackCmd.Flags().IntVarP(&limit, "limit", "n", 0, "Stop after this many feedback batches (0 reads until interrupted)")
	cmd.AddCommand(feedbackCmd)

	return cmd
}

// connectService dials the hub as a service client and authorizes the whole hub.
func connectService(ctx context.Context, opts *rootOptions) (*runtime, error) {
	config, logger, err := opts.load()
	if err != nil {
		return nil, err
	}

	rt, err := connect(ctx, config, logger, "service-"+uuid.NewString())
	if err != nil {
		return nil, err
	}
	authorization := rt.authorizer()
	authorization.AddResource(models.ResourceIdentity{Host: config.IoTHub.Host})
	if err := authorization.AuthorizeAll(ctx); err != nil {
		_ = rt.Close()
		return nil, err
	}
	return rt, nil
}

func signalContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

func runService(ctx context.Context, opts *rootOptions) error {
	config, logger, err := opts.load()
	if err != nil {
		return err
	}
	ctx, stop := signalContext(ctx)
	defer stop()

	rt, err := connect(ctx, config, logger, "service-"+uuid.NewString())
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn().Err(err).Msg("Shutdown incomplete")
		}
	}()

	serviceRegistry := service_registry.NewServiceRegistry(logger)
	if err := serviceRegistry.RegisterServices(config, service_registry.RoleService, service_registry.Dependencies{
		Session: rt.session,
	}); err != nil {
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

func runSend(ctx context.Context, opts *rootOptions, send *sendOptions, deviceID string, payload []byte, out io.Writer) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	rt, err := connectService(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.Close()

	sender := services.NewCloudCommandSender(rt.session, rt.config.Services.CloudCommand.Ack,
		rt.config.Services.CloudCommand.SendTimeout, rt.logger)
	if err := sender.Open(ctx); err != nil {
		return err
	}
	defer sender.Close(context.Background())

	properties := make(map[string]any, len(send.properties))
	for k, v := range send.properties {
		properties[k] = v
	}

	// The feedback receiver is attached alongside the send so a fast
	// feedback batch is not missed.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		messageID, err := sender.Send(gctx, deviceID, payload, properties)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, messageID)
		return nil
	})
	if send.waitFeedback {
		feedback := services.NewFeedbackService(rt.session, rt.config.Services.Feedback.ReceiveTimeout,
			printFeedback(out), rt.logger)
		g.Go(func() error {
			fctx, cancel := context.WithTimeout(gctx, send.feedbackTimeout)
			defer cancel()
			return feedback.Run(fctx, 1)
		})
	}
	return g.Wait()
}

func runFeedback(ctx context.Context, opts *rootOptions, limit int, out io.Writer) error {
	ctx, stop := signalContext(ctx)
	defer stop()

	rt, err := connectService(ctx, opts)
	if err != nil {
		return err
	}
	defer rt.Close()

	feedback := services.NewFeedbackService(rt.session, rt.config.Services.Feedback.ReceiveTimeout,
		printFeedback(out), rt.logger)
	return feedback.Run(ctx, limit)
}

func printFeedback(out io.Writer) services.FeedbackHandler {
	return func(record models.FeedbackRecord) {
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", record.OriginalMessageID, record.DeviceID, record.StatusCode, record.Description)
	}
}
