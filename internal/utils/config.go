package utils

import (
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/benmeehan/iothub-amqp/internal/constants"
	"github.com/benmeehan/iothub-amqp/internal/errs"
	"github.com/benmeehan/iothub-amqp/internal/models"
	"github.com/benmeehan/iothub-amqp/pkg/amqp"
	"github.com/benmeehan/iothub-amqp/pkg/file"
)

// Config represents the structure of the configuration file.
type Config struct {
	IoTHub struct {
		Host               string        `yaml:"host"`                 // IoT Hub host name, e.g. myhub.azure-devices.net
		Port               int           `yaml:"port"`                 // AMQPS port
		CACertificate      string        `yaml:"ca_certificate"`       // Optional path to a PEM CA bundle
		InsecureSkipVerify bool          `yaml:"insecure_skip_verify"` // Skip TLS verification (test brokers only)
		IdleTimeout        time.Duration `yaml:"idle_timeout"`         // AMQP connection idle timeout
	} `yaml:"iothub"`

	Auth struct {
		KeyName         string        `yaml:"key_name"`         // Shared access policy name; empty for device keys
		Key             string        `yaml:"key"`              // Base64 shared access key
		TokenTTL        time.Duration `yaml:"token_ttl"`        // Lifetime of generated SAS tokens
		RefreshMargin   time.Duration `yaml:"refresh_margin"`   // Renew grants this long before expiry
		ResponseTimeout time.Duration `yaml:"response_timeout"` // Wait for a put-token response
		MaxRetries      uint          `yaml:"max_retries"`      // Authorization attempts before giving up
		RetryInterval   time.Duration `yaml:"retry_interval"`   // Initial delay between authorization attempts
	} `yaml:"auth"`

	Device struct {
		ID           string `yaml:"id"`            // Device ID; may come from the identity file instead
		IdentityFile string `yaml:"identity_file"` // Path to the device identity file
	} `yaml:"device"`

	Services struct {
		Telemetry struct {
			Enabled     bool                 `yaml:"enabled"`      // Enable/disable telemetry events
			Interval    time.Duration        `yaml:"interval"`     // Interval between telemetry events
			SendTimeout time.Duration        `yaml:"send_timeout"` // Wait for the broker to settle an event
			Metrics     models.MetricsConfig `yaml:"metrics"`      // Collectors included in each event
		} `yaml:"telemetry"`

		Commands struct {
			Enabled        bool          `yaml:"enabled"`         // Enable/disable the cloud-to-device receiver
			ReceiveTimeout time.Duration `yaml:"receive_timeout"` // Wait per receive before polling again
			Workers        int           `yaml:"workers"`         // Concurrent command handlers
			StateFile      string        `yaml:"state_file"`      // Optional ledger of handled, unsettled commands
		} `yaml:"commands"`

		Feedback struct {
			Enabled        bool          `yaml:"enabled"`         // Enable/disable the feedback receiver
			ReceiveTimeout time.Duration `yaml:"receive_timeout"` // Wait per receive before polling again
		} `yaml:"feedback"`

		CloudCommand struct {
			Ack         string        `yaml:"ack"`          // iothub-ack requested on sent commands
			SendTimeout time.Duration `yaml:"send_timeout"` // Wait for the broker to settle a command
		} `yaml:"cloud_command"`
	} `yaml:"services"`

	Relay struct {
		Enabled       bool   `yaml:"enabled"`        // Republish received commands over MQTT
		Broker        string `yaml:"broker"`         // MQTT broker address
		ClientID      string `yaml:"client_id"`      // MQTT client ID
		CACertificate string `yaml:"ca_certificate"` // Path to the CA certificate
		TopicPrefix   string `yaml:"topic_prefix"`   // Commands go to <prefix>/<device id>
		QOS           int    `yaml:"qos"`            // MQTT QoS level for relayed commands
	} `yaml:"relay"`

	Metrics struct {
		ListenAddress string `yaml:"listen_address"` // Prometheus endpoint; empty disables it
	} `yaml:"metrics"`

	Log struct {
		Level string `yaml:"level"` // zerolog level name
	} `yaml:"log"`
}

// LoadConfig loads the YAML configuration from the specified file, fills in
// defaults and validates the result.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	var config Config
	err := fileClient.ReadYamlFile(filename, &config)
	if err != nil {
		return nil, err
	}

	config.ApplyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s: %w", filename, err)
	}
	return &config, nil
}

// ApplyDefaults sets every unset tunable to its default.
func (c *Config) ApplyDefaults() {
	if c.IoTHub.Port == 0 {
		c.IoTHub.Port = amqp.DefaultPort
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = constants.DefaultTokenTTL
	}
	if c.Auth.RefreshMargin == 0 {
		c.Auth.RefreshMargin = constants.DefaultRefreshMargin
	}
	if c.Auth.ResponseTimeout == 0 {
		c.Auth.ResponseTimeout = constants.DefaultCBSResponseTimeout
	}
	if c.Auth.MaxRetries == 0 {
		c.Auth.MaxRetries = 5
	}
	if c.Auth.RetryInterval == 0 {
		c.Auth.RetryInterval = time.Second
	}
	if c.Services.Telemetry.Interval == 0 {
		c.Services.Telemetry.Interval = 30 * time.Second
	}
	if c.Services.Telemetry.SendTimeout == 0 {
		c.Services.Telemetry.SendTimeout = 10 * time.Second
	}
	if c.Services.Commands.ReceiveTimeout == 0 {
		c.Services.Commands.ReceiveTimeout = 5 * time.Second
	}
	if c.Services.Commands.Workers == 0 {
		c.Services.Commands.Workers = 4
	}
	if c.Services.Feedback.ReceiveTimeout == 0 {
		c.Services.Feedback.ReceiveTimeout = 5 * time.Second
	}
	if c.Services.CloudCommand.Ack == "" {
		c.Services.CloudCommand.Ack = constants.AckFull
	}
	if c.Services.CloudCommand.SendTimeout == 0 {
		c.Services.CloudCommand.SendTimeout = 10 * time.Second
	}
	if c.Relay.TopicPrefix == "" {
		c.Relay.TopicPrefix = "iothub/commands"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Validate reports every configuration problem found.
func (c *Config) Validate() error {
	var problems []error

	if c.IoTHub.Host == "" {
		problems = append(problems, errors.New("iothub.host is required"))
	}
	if c.IoTHub.Port < 1 || c.IoTHub.Port > 65535 {
		problems = append(problems, fmt.Errorf("iothub.port %d is out of range", c.IoTHub.Port))
	}
	if c.Auth.Key == "" {
		problems = append(problems, errors.New("auth.key is required"))
	} else if _, err := base64.StdEncoding.DecodeString(c.Auth.Key); err != nil {
		problems = append(problems, fmt.Errorf("auth.key: %w", errs.ErrInvalidKeyFormat))
	}
	if c.Auth.TokenTTL <= c.Auth.RefreshMargin {
		problems = append(problems, fmt.Errorf("auth.token_ttl %s must exceed auth.refresh_margin %s",
			c.Auth.TokenTTL, c.Auth.RefreshMargin))
	}
	if c.Services.Commands.Workers < 0 {
		problems = append(problems, errors.New("services.commands.workers must not be negative"))
	}
	switch c.Services.CloudCommand.Ack {
	case constants.AckFull, constants.AckPositive, constants.AckNegative, constants.AckNone:
	default:
		problems = append(problems, fmt.Errorf("services.cloud_command.ack %q is not one of full, positive, negative, none",
			c.Services.CloudCommand.Ack))
	}
	if c.Relay.Enabled && c.Relay.Broker == "" {
		problems = append(problems, errors.New("relay.broker is required when the relay is enabled"))
	}
	if c.Relay.QOS < 0 || c.Relay.QOS > 2 {
		problems = append(problems, fmt.Errorf("relay.qos %d must be 0, 1 or 2", c.Relay.QOS))
	}

	return errors.Join(problems...)
}

// AmqpConfig returns the transport settings for the configured hub.
func (c *Config) AmqpConfig(containerID string) amqp.Config {
	return amqp.Config{
		Host:               c.IoTHub.Host,
		Port:               c.IoTHub.Port,
		CACertificate:      c.IoTHub.CACertificate,
		InsecureSkipVerify: c.IoTHub.InsecureSkipVerify,
		ContainerID:        containerID,
		IdleTimeout:        c.IoTHub.IdleTimeout,
	}
}

// SigningKey returns the configured shared access key.
func (c *Config) SigningKey() models.SigningKey {
	return models.SigningKey{KeyName: c.Auth.KeyName, Key: c.Auth.Key}
}

// DefaultKeyName sets the signing key name when auth.key_name is empty.
func (c *Config) DefaultKeyName(name string) {
	if c.Auth.KeyName == "" {
		c.Auth.KeyName = name
	}
}
