// Package messaging opens data-plane links on a CBS-authorized connection
// and moves application messages over them.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/iothub-amqp/internal/cbs"
	"github.com/benmeehan/iothub-amqp/internal/constants"
	"github.com/benmeehan/iothub-amqp/internal/errs"
	"github.com/benmeehan/iothub-amqp/internal/instrumentation"
	"github.com/benmeehan/iothub-amqp/pkg/amqp"
	"github.com/benmeehan/iothub-amqp/pkg/sas"
)

// Grant is an audience the broker accepted a token for.
type Grant struct {
	Audience  string
	Path      string    // audience without the host, lower-cased
	ExpiresAt time.Time // zero when the token expiry could not be read
}

// Session authorizes audiences on a shared connection and opens links
// scoped to them. Each link gets its own AMQP session.
type Session struct {
	conn       amqp.Connection
	negotiator cbs.NegotiatorInterface
	logger     zerolog.Logger
	metrics    *instrumentation.Metrics

	sendTimeout  time.Duration
	closeTimeout time.Duration
	now          func() time.Time

	mu     sync.RWMutex
	grants map[string]Grant
}

// Option configures a Session.
type Option func(*Session)

// WithSendTimeout bounds how long Send waits for the broker to settle a delivery.
func WithSendTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.sendTimeout = d
	}
}

// WithCloseTimeout bounds link and session detach.
func WithCloseTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.closeTimeout = d
	}
}

// WithClock replaces the clock used to expire grants.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// NewSession creates a Session over conn. metrics may be nil.
func NewSession(conn amqp.Connection, negotiator cbs.NegotiatorInterface, logger zerolog.Logger,
	metrics *instrumentation.Metrics, opts ...Option) *Session {

	s := &Session{
		conn:         conn,
		negotiator:   negotiator,
		logger:       logger,
		metrics:      metrics,
		closeTimeout: constants.DefaultCloseTimeout,
		now:          time.Now,
		grants:       make(map[string]Grant),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Authorize presents token for audience and, when the broker grants it,
// allows links to entities under the audience until the token expires.
func (s *Session) Authorize(ctx context.Context, audience, token string) error {
	host, path := splitAudience(audience)

	start := time.Now()
	err := s.negotiator.Authorize(ctx, s.conn, host, token, audience)
	s.metrics.ObserveAuthorization(authorizationResult(err), time.Since(start))
	if err != nil {
		return fmt.Errorf("authorize %s: %w", audience, err)
	}

	grant := Grant{Audience: audience, Path: path}
	if parsed, parseErr := sas.Parse(token); parseErr == nil {
		grant.ExpiresAt = parsed.ExpiresAt()
	} else {
		s.logger.Warn().Err(parseErr).Str("audience", audience).Msg("Granted token has no readable expiry")
	}

	s.mu.Lock()
	s.grants[path] = grant
	count := len(s.grants)
	s.mu.Unlock()
	s.metrics.SetActiveGrants(count)

	s.logger.Info().Str("audience", audience).Time("expires_at", grant.ExpiresAt).Msg("Grant recorded")
	return nil
}

// Grants returns the live grants ordered by audience.
func (s *Session) Grants() []Grant {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	grants := make([]Grant, 0, len(s.grants))
	for _, g := range s.grants {
		if g.live(now) {
			grants = append(grants, g)
		}
	}
	sort.Slice(grants, func(i, j int) bool { return grants[i].Audience < grants[j].Audience })
	return grants
}

// Revoke forgets the grant for audience. Links already open are unaffected.
func (s *Session) Revoke(audience string) bool {
	_, path := splitAudience(audience)

	s.mu.Lock()
	_, ok := s.grants[path]
	delete(s.grants, path)
	count := len(s.grants)
	s.mu.Unlock()

	s.metrics.SetActiveGrants(count)
	return ok
}

// OpenSender opens a sender link named name on entityPath.
func (s *Session) OpenSender(ctx context.Context, name, entityPath string) (*Sender, error) {
	if err := s.authorized(entityPath); err != nil {
		return nil, err
	}

	session, err := s.conn.NewSession(ctx)
	if err != nil {
		return nil, errs.NewTransportError("open session", err)
	}

	link, err := session.NewSender(ctx, name, entityPath)
	if err != nil {
		s.closeSession(ctx, session)
		return nil, errs.NewTransportError("open sender "+name, err)
	}

	s.logger.Debug().Str("link", name).Str("entity", entityPath).Msg("Sender opened")
	return &Sender{
		linkBase: linkBase{owner: s, name: name, entityPath: entityPath, session: session},
		sender:   link,
	}, nil
}

// OpenReceiver opens a receiver link named name on entityPath.
func (s *Session) OpenReceiver(ctx context.Context, name, entityPath string) (*Receiver, error) {
	if err := s.authorized(entityPath); err != nil {
		return nil, err
	}

	session, err := s.conn.NewSession(ctx)
	if err != nil {
		return nil, errs.NewTransportError("open session", err)
	}

	link, err := session.NewReceiver(ctx, name, entityPath)
	if err != nil {
		s.closeSession(ctx, session)
		return nil, errs.NewTransportError("open receiver "+name, err)
	}

	s.logger.Debug().Str("link", name).Str("entity", entityPath).Msg("Receiver opened")
	return &Receiver{
		linkBase: linkBase{owner: s, name: name, entityPath: entityPath, session: session},
		receiver: link,
		pending:  make(map[*Delivery]struct{}),
	}, nil
}

// authorized returns errs.ErrNotAuthorized unless a live grant covers entityPath.
func (s *Session) authorized(entityPath string) error {
	entity := normalizePath(entityPath)
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, g := range s.grants {
		if g.live(now) && covers(g.Path, entity) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", errs.ErrNotAuthorized, entityPath)
}

func (s *Session) closeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.closeTimeout)
}

func (s *Session) closeSession(ctx context.Context, session amqp.Session) {
	closeCtx, cancel := s.closeContext(ctx)
	defer cancel()
	if err := session.Close(closeCtx); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to close session")
	}
}

func (g Grant) live(now time.Time) bool {
	return g.ExpiresAt.IsZero() || now.Before(g.ExpiresAt)
}

// splitAudience separates host and path of an audience URI such as
// myhub.azure-devices.net/devices/dev1.
func splitAudience(audience string) (host, path string) {
	audience = strings.TrimPrefix(strings.TrimPrefix(audience, "amqps://"), "sb://")
	if i := strings.IndexByte(audience, '/'); i >= 0 {
		return audience[:i], normalizePath(audience[i:])
	}
	return audience, ""
}

func normalizePath(p string) string {
	p = strings.ToLower(strings.TrimRight(p, "/"))
	if p != "" && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}

// covers reports whether entity equals scope or lies beneath it on a
// segment boundary. The empty scope covers every entity on the host.
func covers(scope, entity string) bool {
	return scope == "" || entity == scope || strings.HasPrefix(entity, scope+"/")
}

func authorizationResult(err error) string {
	switch {
	case err == nil:
		return instrumentation.ResultGranted
	case isRejected(err):
		return instrumentation.ResultRejected
	case errors.Is(err, errs.ErrCBSNoResponse):
		return instrumentation.ResultNoResponse
	default:
		return instrumentation.ResultError
	}
}

func isRejected(err error) bool {
	_, ok := errs.StatusCode(err)
	return ok
}
