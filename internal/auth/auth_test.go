package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coreos/go-oidc"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"signoff/backend/internal/config"
	"signoff/backend/internal/repository"
	"signoff/backend/pkg/models"
)

// NoOpLogger for testing
type NoOpLogger struct{}

func (l *NoOpLogger) Debug(msg string, args ...any) {}
func (l *NoOpLogger) Info(msg string, args ...any)  {}
func (l *NoOpLogger) Error(msg string, args ...any) {}

// MockKeySet satisfies oidc.KeySet to bypass signature verification
type MockKeySet struct {
	payload []byte
}

func (m *MockKeySet) VerifySignature(ctx context.Context, jwtToken string) ([]byte, error) {
	parts := strings.Split(jwtToken, ".")
	if len(parts) != 3 {
		return nil, fmt.Errorf("malformed jwt")
	}
	return base64.RawURLEncoding.DecodeString(parts[1])
}

// makeToken builds an unsigned JWT whose payload MockKeySet will hand back
// to the verifier untouched.
func makeToken(t *testing.T, issuer, email, name string) (string, []byte) {
	t.Helper()
	claims := map[string]interface{}{
		"iss":   issuer,
		"aud":   "test-client",
		"sub":   "test-user",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Add(-1 * time.Minute).Unix(),
		"email": email,
		"name":  name,
	}
	headerBytes, _ := json.Marshal(map[string]interface{}{
		"alg": "RS256",
		"typ": "JWT",
		"kid": "test-key",
	})
	payload, _ := json.Marshal(claims)
	token := base64.RawURLEncoding.EncodeToString(headerBytes) +
		"." + base64.RawURLEncoding.EncodeToString(payload) +
		"." + base64.RawURLEncoding.EncodeToString([]byte("fakesignature"))
	return token, payload
}

func TestRequireAuth_BearerTokenResolvesUser(t *testing.T) {
	issuer := "https://test-issuer.example.com"

	store := repository.NewMemory()
	existing := &models.User{ID: uuid.New().String(), Email: "carol@acme.com", Name: "Carol"}
	assert.NoError(t, store.CreateUser(context.Background(), existing))

	fakeToken, payload := makeToken(t, issuer, "carol@acme.com", "Carol")
	verifier := oidc.NewVerifier(issuer, &MockKeySet{payload: payload}, &oidc.Config{
		SkipClientIDCheck: true,
	})

	a := &Auth{
		apiVerifier: verifier,
		store:       store,
		logger:      &NoOpLogger{},
	}

	req := httptest.NewRequest("GET", "/api/v1/workflows", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken)
	rec := httptest.NewRecorder()

	nextHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := r.Context().Value(UserIDKey).(string)
		assert.True(t, ok, "user id should be in context")
		assert.Equal(t, existing.ID, userID)
		w.WriteHeader(http.StatusOK)
	})

	a.RequireAuth(nextHandler).ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Logf("Response Body: %s", rec.Body.String())
	}
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAuth_AutoProvisionsUnknownUser(t *testing.T) {
	issuer := "https://test-issuer.example.com"

	store := repository.NewMemory()

	fakeToken, payload := makeToken(t, issuer, "founder@startup.io", "Founder")
	verifier := oidc.NewVerifier(issuer, &MockKeySet{payload: payload}, &oidc.Config{
		SkipClientIDCheck: true,
	})

	a := &Auth{
		apiVerifier: verifier,
		store:       store,
		logger:      &NoOpLogger{},
	}

	req := httptest.NewRequest("GET", "/api/v1/workflows", nil)
	req.Header.Set("Authorization", "Bearer "+fakeToken)
	rec := httptest.NewRecorder()

	var seenUserID string
	a.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenUserID, _ = r.Context().Value(UserIDKey).(string)
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, seenUserID)

	user, err := store.GetUserByEmail(context.Background(), "founder@startup.io")
	assert.NoError(t, err)
	assert.Equal(t, "Founder", user.Name)
	assert.Equal(t, seenUserID, user.ID)
}

func TestRequireAuth_DevBypass(t *testing.T) {
	store := repository.NewMemory()

	cfg := &config.Config{
		Environment:   "DEV",
		DevModeBypass: true,
	}
	a, err := New(context.Background(), cfg, store, &NoOpLogger{})
	assert.NoError(t, err)

	req := httptest.NewRequest("GET", "/api/v1/workflows", nil)
	req.Header.Set("X-Dev-User", "bob@example.com")
	rec := httptest.NewRecorder()

	a.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := r.Context().Value(UserIDKey).(string)
		assert.True(t, ok)

		user, lookupErr := store.GetUserByEmail(r.Context(), "bob@example.com")
		assert.NoError(t, lookupErr)
		assert.Equal(t, user.ID, userID)
		w.WriteHeader(http.StatusOK)
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireAuth_InvalidTokenRejected(t *testing.T) {
	issuer := "https://test-issuer.example.com"

	verifier := oidc.NewVerifier(issuer, &MockKeySet{}, &oidc.Config{SkipClientIDCheck: true})
	a := &Auth{
		apiVerifier: verifier,
		store:       repository.NewMemory(),
		logger:      &NoOpLogger{},
	}

	req := httptest.NewRequest("GET", "/api/v1/workflows", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()

	called := false
	a.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, called)
}
