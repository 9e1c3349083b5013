package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/benmeehan/iothub-amqp/internal/errs"
	"github.com/benmeehan/iothub-amqp/internal/models"
	"github.com/benmeehan/iothub-amqp/pkg/sas"
)

// Authorizer presents tokens for audiences. messaging.Session implements it.
type Authorizer interface {
	Authorize(ctx context.Context, audience, token string) error
}

// AuthorizationService obtains CBS grants for a set of resources and renews
// them before their tokens expire.
type AuthorizationService struct {
	Session       Authorizer
	Key           models.SigningKey
	TokenTTL      time.Duration
	RefreshMargin time.Duration
	MaxRetries    uint
	RetryInterval time.Duration
	Logger        zerolog.Logger

	now       func() time.Time
	exchange  sync.Mutex
	mu        sync.Mutex
	resources []models.ResourceIdentity

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAuthorizationService initializes a new AuthorizationService.
func NewAuthorizationService(session Authorizer, key models.SigningKey, tokenTTL, refreshMargin time.Duration,
	maxRetries uint, retryInterval time.Duration, logger zerolog.Logger) *AuthorizationService {

	return &AuthorizationService{
		Session:       session,
		Key:           key,
		TokenTTL:      tokenTTL,
		RefreshMargin: refreshMargin,
		MaxRetries:    maxRetries,
		RetryInterval: retryInterval,
		Logger:        logger,
		now:           time.Now,
	}
}

// AddResource includes resource in the grants obtained by Start and renewed
// by the refresh loop.
func (a *AuthorizationService) AddResource(resource models.ResourceIdentity) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resources = append(a.resources, resource)
}

// Resources returns the resources under management.
func (a *AuthorizationService) Resources() []models.ResourceIdentity {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]models.ResourceIdentity(nil), a.resources...)
}

// Authorize generates a fresh token for resource and presents it, retrying
// transport failures and missing responses with exponential backoff. Broker
// rejections and malformed keys are not retried.
func (a *AuthorizationService) Authorize(ctx context.Context, resource models.ResourceIdentity) error {
	audience := resource.URI()

	a.exchange.Lock()
	defer a.exchange.Unlock()

	b := backoff.NewExponentialBackOff()
	if a.RetryInterval > 0 {
		b.InitialInterval = a.RetryInterval
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		token, err := sas.GenerateAt(a.now(), a.Key.KeyName, a.Key.Key, audience, a.TokenTTL)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}

		err = a.Session.Authorize(ctx, audience, token)
		if _, rejected := errs.StatusCode(err); rejected {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(a.MaxRetries),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.Logger.Warn().Err(err).Str("audience", audience).Dur("retry_in", next).Msg("Authorization attempt failed")
		}),
	)
	if err != nil {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			err = permanent.Unwrap()
		}
		return fmt.Errorf("failed to authorize %s: %w", audience, err)
	}

	a.Logger.Info().Str("audience", audience).Dur("ttl", a.TokenTTL).Msg("Resource authorized")
	return nil
}

// AuthorizeAll authorizes every managed resource, stopping at the first failure.
func (a *AuthorizationService) AuthorizeAll(ctx context.Context) error {
	for _, resource := range a.Resources() {
		if err := a.Authorize(ctx, resource); err != nil {
			return err
		}
	}
	return nil
}

// RefreshInterval is how often grants are renewed.
func (a *AuthorizationService) RefreshInterval() time.Duration {
	interval := a.TokenTTL - a.RefreshMargin
	if interval <= 0 {
		interval = a.TokenTTL / 2
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return interval
}

// Start authorizes every managed resource and launches the refresh loop.
func (a *AuthorizationService) Start() error {
	if a.ctx != nil {
		a.Logger.Warn().Msg("AuthorizationService is already running")
		return errors.New("authorization service is already running")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := a.AuthorizeAll(ctx); err != nil {
		cancel()
		a.Logger.Error().Err(err).Msg("Initial authorization failed")
		return err
	}
	a.ctx, a.cancel = ctx, cancel

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runRefreshLoop()
	}()

	a.Logger.Info().Dur("refresh_interval", a.RefreshInterval()).Msg("AuthorizationService started successfully")
	return nil
}

// Stop ends the refresh loop. Grants already obtained stay valid until expiry.
func (a *AuthorizationService) Stop() error {
	if a.ctx == nil {
		a.Logger.Warn().Msg("AuthorizationService is not running")
		return errors.New("authorization service is not running")
	}

	a.cancel()
	a.wg.Wait()

	a.ctx = nil
	a.cancel = nil

	a.Logger.Info().Msg("AuthorizationService stopped successfully")
	return nil
}

func (a *AuthorizationService) runRefreshLoop() {
	ticker := time.NewTicker(a.RefreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.refresh()
		}
	}
}

func (a *AuthorizationService) refresh() {
	for _, resource := range a.Resources() {
		if err := a.Authorize(a.ctx, resource); err != nil {
			if a.ctx.Err() != nil {
				return
			}
			a.Logger.Error().Err(err).Str("audience", resource.URI()).Msg("Failed to refresh grant")
		}
	}
}
