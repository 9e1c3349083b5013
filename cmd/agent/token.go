package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/benmeehan/iothub-amqp/internal/models"
	"github.com/benmeehan/iothub-amqp/pkg/sas"
)

func newTokenCmd(opts *rootOptions) *cobra.Command {
	var (
		resource string
		ttl      time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Print a shared access signature token",
		Long: `token signs a SAS token with the configured key. The resource defaults to
the configured device, or to the whole hub when no device is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, _, err := opts.load()
			if err != nil {
				return err
			}

			if resource == "" {
				resource = models.ResourceIdentity{Host: config.IoTHub.Host, DeviceID: config.Device.ID}.URI()
			}
			if ttl == 0 {
				ttl = config.Auth.TokenTTL
			}

			key := config.SigningKey()
			token, err := sas.Generate(key.KeyName, key.Key, resource, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVarP(&resource, "resource", "r", "", "Resource URI to sign")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Token lifetime (defaults to auth.token_ttl)")
	return cmd
}
