package token

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MStee09/BoltFreightCSP-sub003/internal/domain"
)

type memStore struct {
	records map[string]*domain.OAuthTokenRecord
	saves   int
}

func newMemStore() *memStore {
	return &memStore{records: map[string]*domain.OAuthTokenRecord{}}
}

func (m *memStore) GetToken(_ context.Context, ownerID string) (*domain.OAuthTokenRecord, error) {
	rec, ok := m.records[ownerID]
	if !ok {
		return nil, nil
	}
	cp := *rec
	return &cp, nil
}

func (m *memStore) SaveToken(_ context.Context, t *domain.OAuthTokenRecord) error {
	cp := *t
	m.records[t.OwnerID] = &cp
	m.saves++
	return nil
}

func (m *memStore) MarkTokenDead(_ context.Context, ownerID string) error {
	if rec, ok := m.records[ownerID]; ok {
		rec.Dead = true
	}
	return nil
}

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func newTestManager(t *testing.T, st Store, handler http.HandlerFunc) *Manager {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	m, err := NewManager(st, "client-id", "client-secret", srv.URL+"/token", testLogger())
	require.NoError(t, err)
	return m
}

func TestAccessTokenStillValid(t *testing.T) {
	st := newMemStore()
	st.records["owner-1"] = &domain.OAuthTokenRecord{
		OwnerID:     "owner-1",
		AccessToken: "live-token",
		Expiry:      time.Now().Add(time.Hour),
	}

	m := newTestManager(t, st, func(w http.ResponseWriter, _ *http.Request) {
		t.Fatal("no refresh call expected for a live token")
	})

	tok, err := m.AccessToken(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "live-token", tok)
	assert.Zero(t, st.saves)
}

func TestAccessTokenRefreshesExpired(t *testing.T) {
	st := newMemStore()
	st.records["owner-1"] = &domain.OAuthTokenRecord{
		OwnerID:      "owner-1",
		AccessToken:  "stale-token",
		RefreshToken: "refresh-1",
		Expiry:       time.Now().Add(-time.Hour),
	}

	m := newTestManager(t, st, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "refresh-1", r.Form.Get("refresh_token"))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"fresh-token","token_type":"Bearer","expires_in":3600}`))
	})

	tok, err := m.AccessToken(context.Background(), "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "fresh-token", tok)

	// The refreshed token is persisted and the refresh token survives when
	// the provider omits a rotation.
	saved := st.records["owner-1"]
	assert.Equal(t, "fresh-token", saved.AccessToken)
	assert.Equal(t, "refresh-1", saved.RefreshToken)
	assert.Equal(t, 1, st.saves)
}

func TestInvalidGrantMarksCredentialDead(t *testing.T) {
	st := newMemStore()
	st.records["owner-1"] = &domain.OAuthTokenRecord{
		OwnerID:      "owner-1",
		RefreshToken: "revoked",
		Expiry:       time.Now().Add(-time.Hour),
	}

	calls := 0
	m := newTestManager(t, st, func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been revoked."}`))
	})

	_, err := m.AccessToken(context.Background(), "owner-1")
	require.ErrorIs(t, err, domain.ErrReauthRequired)
	assert.True(t, st.records["owner-1"].Dead)
	assert.Equal(t, 1, calls)

	// Subsequent calls short-circuit on the dead flag without hitting the
	// provider again.
	_, err = m.AccessToken(context.Background(), "owner-1")
	require.ErrorIs(t, err, domain.ErrReauthRequired)
	assert.Equal(t, 1, calls)
}

func TestMissingCredentialIsConfigError(t *testing.T) {
	m := newTestManager(t, newMemStore(), func(w http.ResponseWriter, _ *http.Request) {})

	_, err := m.AccessToken(context.Background(), "nobody")
	var confErr *domain.ConfigError
	require.ErrorAs(t, err, &confErr)
}

func TestNewManagerRequiresClient(t *testing.T) {
	_, err := NewManager(newMemStore(), "", "secret", "", testLogger())
	var confErr *domain.ConfigError
	require.ErrorAs(t, err, &confErr)

	_, err = NewManager(newMemStore(), "id", "", "", testLogger())
	require.ErrorAs(t, err, &confErr)
}
