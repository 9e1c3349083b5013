package amqp

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strconv"
	"time"

	amqpLib "github.com/Azure/go-amqp"

	"github.com/benmeehan/iothub-amqp/pkg/file"
)

// DefaultPort is the AMQP-over-TLS port.
const DefaultPort = 5671

// Config describes how to reach the broker.
type Config struct {
	Host               string
	Port               int
	CACertificate      string // optional PEM bundle; system roots when empty
	InsecureSkipVerify bool
	ContainerID        string
	IdleTimeout        time.Duration
}

// AmqpService dials broker connections over TLS with SASL ANONYMOUS,
// leaving authorization to CBS.
type AmqpService struct {
	fileClient file.FileOperations
}

// NewAmqpService creates a new AmqpService instance.
func NewAmqpService(fileClient file.FileOperations) *AmqpService {
	return &AmqpService{
		fileClient: fileClient,
	}
}

// Dial opens a connection to the broker described by cfg.
func (s *AmqpService) Dial(ctx context.Context, cfg Config) (Connection, error) {
	tlsConfig, err := s.tlsConfig(cfg)
	if err != nil {
		return nil, err
	}

	port := cfg.Port
	if port == 0 {
		port = DefaultPort
	}
	addr := "amqps://" + net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	client, err := amqpLib.Dial(ctx, addr, &amqpLib.ConnOptions{
		ContainerID: cfg.ContainerID,
		HostName:    cfg.Host,
		IdleTimeout: cfg.IdleTimeout,
		SASLType:    amqpLib.SASLTypeAnonymous(),
		TLSConfig:   tlsConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	return &connection{conn: client}, nil
}

func (s *AmqpService) tlsConfig(cfg Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		ServerName:         cfg.Host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	if cfg.CACertificate == "" {
		return tlsConfig, nil
	}

	caCert, err := s.fileClient.ReadFileRaw(cfg.CACertificate)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append CA certificate")
	}
	tlsConfig.RootCAs = caCertPool
	return tlsConfig, nil
}

type connection struct {
	conn *amqpLib.Conn
}

func (c *connection) NewSession(ctx context.Context) (Session, error) {
	s, err := c.conn.NewSession(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &session{session: s}, nil
}

func (c *connection) Close() error {
	return c.conn.Close()
}

type session struct {
	session *amqpLib.Session
}

func (s *session) NewSender(ctx context.Context, name, entityPath string) (Sender, error) {
	link, err := s.session.NewSender(ctx, entityPath, &amqpLib.SenderOptions{Name: name})
	if err != nil {
		return nil, err
	}
	return &sender{link: link}, nil
}

func (s *session) NewReceiver(ctx context.Context, name, entityPath string) (Receiver, error) {
	link, err := s.session.NewReceiver(ctx, entityPath, &amqpLib.ReceiverOptions{Name: name})
	if err != nil {
		return nil, err
	}
	return &receiver{link: link}, nil
}

func (s *session) Close(ctx context.Context) error {
	return s.session.Close(ctx)
}

type sender struct {
	link *amqpLib.Sender
}

func (s *sender) Send(ctx context.Context, msg *Message) error {
	return s.link.Send(ctx, msg, nil)
}

func (s *sender) Close(ctx context.Context) error {
	return s.link.Close(ctx)
}

type receiver struct {
	link *amqpLib.Receiver
}

func (r *receiver) Receive(ctx context.Context) (*Message, error) {
	return r.link.Receive(ctx, nil)
}

func (r *receiver) Accept(ctx context.Context, msg *Message) error {
	return r.link.AcceptMessage(ctx, msg)
}

func (r *receiver) Reject(ctx context.Context, msg *Message, description string) error {
	var rejectErr *amqpLib.Error
	if description != "" {
		rejectErr = &amqpLib.Error{Condition: amqpLib.ErrCondNotAllowed, Description: description}
	}
	return r.link.RejectMessage(ctx, msg, rejectErr)
}

func (r *receiver) Close(ctx context.Context) error {
	return r.link.Close(ctx)
}
