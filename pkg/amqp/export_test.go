package amqp

import "crypto/tls"

// TLSConfig exposes tlsConfig to the external test package.
func (s *AmqpService) TLSConfig(cfg Config) (*tls.Config, error) {
	return s.tlsConfig(cfg)
}
