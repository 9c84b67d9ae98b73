// Package token owns the OAuth access/refresh token lifecycle for connected
// mailboxes.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/MStee09/BoltFreightCSP-sub003/internal/domain"
)

// expirySlack treats a token expiring within this window as already expired,
// so a refresh happens before a provider call can fail mid-flight.
const expirySlack = time.Minute

// Store is the credential persistence surface the manager needs.
type Store interface {
	GetToken(ctx context.Context, ownerID string) (*domain.OAuthTokenRecord, error)
	SaveToken(ctx context.Context, t *domain.OAuthTokenRecord) error
	MarkTokenDead(ctx context.Context, ownerID string) error
}

// Manager refreshes access tokens on demand. Refreshes are serialized per
// owner: concurrent refresh attempts against the provider can invalidate a
// token mid-use.
type Manager struct {
	store Store
	conf  *oauth2.Config
	log   *logrus.Entry
	locks sync.Map // ownerID -> *sync.Mutex
	now   func() time.Time
}

// NewManager builds the manager. tokenURL overrides the provider token
// endpoint when non-empty (tests point it at a local server).
func NewManager(store Store, clientID, clientSecret, tokenURL string, log *logrus.Entry) (*Manager, error) {
	if clientID == "" {
		return nil, &domain.ConfigError{Field: "google.client_id"}
	}
	if clientSecret == "" {
		return nil, &domain.ConfigError{Field: "google.client_secret"}
	}

	endpoint := google.Endpoint
	if tokenURL != "" {
		endpoint = oauth2.Endpoint{TokenURL: tokenURL}
	}

	return &Manager{
		store: store,
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     endpoint,
		},
		log: log,
		now: time.Now,
	}, nil
}

func (m *Manager) ownerLock(ownerID string) *sync.Mutex {
	mu, _ := m.locks.LoadOrStore(ownerID, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// AccessToken returns a live access token for the owner, refreshing it first
// when expired. A permanently invalidated refresh token marks the credential
// dead and returns domain.ErrReauthRequired; that state persists until the
// user reconnects the mailbox.
func (m *Manager) AccessToken(ctx context.Context, ownerID string) (string, error) {
	mu := m.ownerLock(ownerID)
	mu.Lock()
	defer mu.Unlock()

	rec, err := m.store.GetToken(ctx, ownerID)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", &domain.ConfigError{Field: fmt.Sprintf("oauth credential for owner %s", ownerID)}
	}
	if rec.Dead {
		return "", domain.ErrReauthRequired
	}

	if rec.Expiry.Sub(m.now()) > expirySlack {
		return rec.AccessToken, nil
	}

	return m.refresh(ctx, rec)
}

func (m *Manager) refresh(ctx context.Context, rec *domain.OAuthTokenRecord) (string, error) {
	tokenAge := m.now().Sub(rec.UpdatedAt)
	log := m.log.WithFields(logrus.Fields{
		"owner_id":  rec.OwnerID,
		"mailbox":   rec.Mailbox,
		"token_age": tokenAge.String(),
	})

	src := m.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: rec.RefreshToken})
	fresh, err := src.Token()
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			log = log.WithField("error_code", retrieveErr.ErrorCode)
			if retrieveErr.ErrorCode == "invalid_grant" {
				log.Warn("refresh token permanently invalidated, reconnect required")
				if markErr := m.store.MarkTokenDead(ctx, rec.OwnerID); markErr != nil {
					log.WithError(markErr).Error("failed to mark credential dead")
				}
				return "", domain.ErrReauthRequired
			}
			log.WithError(err).Error("token refresh rejected")
			return "", fmt.Errorf("token refresh rejected: %w", err)
		}
		log.WithError(err).Error("token refresh failed")
		return "", &domain.TransientError{Op: "token refresh", Err: err}
	}

	rec.AccessToken = fresh.AccessToken
	if fresh.RefreshToken != "" {
		rec.RefreshToken = fresh.RefreshToken
	}
	rec.Expiry = fresh.Expiry
	if err := m.store.SaveToken(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to persist refreshed token: %w", err)
	}

	log.WithField("expires_at", fresh.Expiry.UTC().Format(time.RFC3339)).Info("access token refreshed")
	return rec.AccessToken, nil
}
