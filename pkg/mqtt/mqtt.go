// Package mqtt republishes received cloud-to-device commands on a local
// MQTT broker so on-device consumers need not speak AMQP.
package mqtt

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/benmeehan/iothub-amqp/pkg/file"
)

// DefaultPublishTimeout bounds the wait for a publish acknowledgement.
const DefaultPublishTimeout = 10 * time.Second

// ErrPublishTimeout is returned when the broker does not acknowledge a publish in time.
var ErrPublishTimeout = errors.New("mqtt: publish timed out")

// MQTTClient defines the subset of the paho client the relay uses.
type MQTTClient interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Relay publishes payloads to topics.
type Relay interface {
	Publish(topic string, payload []byte) error
}

// MqttRelay is a Relay backed by a paho MQTT client.
type MqttRelay struct {
	client         MQTTClient
	fileClient     file.FileOperations
	qos            byte
	publishTimeout time.Duration
}

// NewMqttRelay creates a new MqttRelay instance. Call Initialize before Publish.
func NewMqttRelay(fileClient file.FileOperations, qos int) *MqttRelay {
	return &MqttRelay{
		fileClient:     fileClient,
		qos:            byte(qos),
		publishTimeout: DefaultPublishTimeout,
	}
}

// Initialize connects to broker. caCertPath is optional; when set the
// connection uses TLS with that CA bundle.
func (r *MqttRelay) Initialize(broker, clientID, caCertPath string) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)

	if caCertPath != "" {
		caCert, err := r.fileClient.ReadFileRaw(caCertPath)
		if err != nil {
			return fmt.Errorf("failed to read CA certificate: %w", err)
		}

		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return fmt.Errorf("failed to append CA certificate")
		}
		opts.SetTLSConfig(&tls.Config{
			RootCAs:    caCertPool,
			MinVersion: tls.VersionTLS12,
		})
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return fmt.Errorf("failed to connect to %s: %w", broker, token.Error())
	}

	r.client = client
	return nil
}

// Publish sends payload to topic and waits for the broker acknowledgement.
func (r *MqttRelay) Publish(topic string, payload []byte) error {
	if r.client == nil {
		return errors.New("mqtt: relay is not initialized")
	}

	token := r.client.Publish(topic, r.qos, false, payload)
	if !token.WaitTimeout(r.publishTimeout) {
		return ErrPublishTimeout
	}
	return token.Error()
}

// Disconnect gracefully disconnects the MQTT client.
func (r *MqttRelay) Disconnect() {
	if r.client != nil {
		r.client.Disconnect(250)
	}
}
