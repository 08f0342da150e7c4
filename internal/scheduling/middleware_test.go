package scheduling

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/medrex/appointments/pkg/config"
	"github.com/medrex/appointments/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func signToken(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func validClaims() jwt.RegisteredClaims {
	now := time.Now()
	return jwt.RegisteredClaims{
		Subject:   "user-123",
		Issuer:    "medrex-identity",
		Audience:  jwt.ClaimStrings{"appointments"},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}
}

func TestTokenValidator_ValidateJWT(t *testing.T) {
	validator := NewTokenValidator(config.JWTConfig{
		SecretKey: testSecret,
		Issuer:    "medrex-identity",
		Audience:  "appointments",
	})

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	noSubject := validClaims()
	noSubject.Subject = ""

	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "someone-else"

	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{"valid", signToken(t, testSecret, validClaims()), false},
		{"wrong secret", signToken(t, "other-secret", validClaims()), true},
		{"expired", signToken(t, testSecret, expired), true},
		{"no subject", signToken(t, testSecret, noSubject), true},
		{"wrong issuer", signToken(t, testSecret, wrongIssuer), true},
		{"no expiry", signToken(t, testSecret, noExpiry), true},
		{"garbage", "not-a-token", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			userID, err := validator.ValidateJWT(tt.token)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "user-123", userID)
		})
	}
}

func TestTokenValidator_RejectsNoneAlgorithm(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, validClaims())
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = NewTokenValidator(config.JWTConfig{SecretKey: testSecret}).ValidateJWT(signed)
	assert.Error(t, err)
}

func userIDEcho() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(logger.UserIDFromContext(r.Context())))
	})
}

func TestAuthMiddleware_BearerToken(t *testing.T) {
	svc, _ := setupTestService(t)
	handler := svc.authMiddleware(NewTokenValidator(config.JWTConfig{SecretKey: testSecret}))(userIDEcho())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, "other-secret", validClaims()))
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, validClaims()))
	req.Header.Set(UserIDHeader, "spoofed")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "user-123", rec.Body.String())
}

func TestAuthMiddleware_HeaderFallback(t *testing.T) {
	svc, _ := setupTestService(t)
	handler := svc.authMiddleware(nil)(userIDEcho())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(UserIDHeader, "doctor-7")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "doctor-7", rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestRouter_RequiresTokenWhenSecretConfigured(t *testing.T) {
	cfg := testConfig()
	cfg.JWT.SecretKey = testSecret
	svc := NewService(cfg, setupTestRepository(t), logger.New("error"), WithPublisher(&recordingPublisher{}))
	h := svc.Handler()

	rec := doRequest(t, h, http.MethodGet, "/api/v1/appointments", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// health stays open without a token
	rec = doRequest(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, testSecret, validClaims()))
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitMiddleware(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerSecond = 0.001
	cfg.RateLimit.BurstSize = 2
	cfg.RateLimit.TrustedProxies = []string{"192.0.2.0/24"}
	svc := NewService(cfg, setupTestRepository(t), logger.New("error"), WithPublisher(&recordingPublisher{}))
	h := svc.Handler()
	defer func() { require.NoError(t, svc.Stop(context.Background())) }()

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments", nil)
		req.Header.Set("X-Forwarded-For", ip)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("10.0.0.1"))
	assert.Equal(t, http.StatusOK, send("10.0.0.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("10.0.0.1"))

	// buckets are per client
	assert.Equal(t, http.StatusOK, send("10.0.0.2"))
}

func TestRateLimitMiddleware_IgnoresForwardedHeadersFromUntrustedPeers(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Enabled = true
	cfg.RateLimit.RequestsPerSecond = 0.001
	cfg.RateLimit.BurstSize = 2
	svc := NewService(cfg, setupTestRepository(t), logger.New("error"), WithPublisher(&recordingPublisher{}))
	h := svc.Handler()
	defer func() { require.NoError(t, svc.Stop(context.Background())) }()

	codes := make([]int, 0, 3)
	for _, spoofed := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/appointments", nil)
		req.RemoteAddr = "198.51.100.20:5555"
		req.Header.Set("X-Forwarded-For", spoofed)
		req.Header.Set("X-Real-IP", spoofed)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestIPRateLimiter_StopIsIdempotent(t *testing.T) {
	limiter := NewIPRateLimiter(1, 1, time.Hour)
	assert.True(t, limiter.Allow("a"))
	assert.False(t, limiter.Allow("a"))
	assert.Same(t, limiter.GetLimiter("a"), limiter.GetLimiter("a"))

	require.NoError(t, limiter.Stop())
	require.NoError(t, limiter.Stop())
}

func TestClientIP(t *testing.T) {
	proxies, err := parseTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1"})
	require.NoError(t, err)

	tests := []struct {
		name       string
		remoteAddr string
		proxies    trustedProxies
		headers    map[string]string
		want       string
	}{
		{"peer address", "192.0.2.1:1234", proxies, nil, "192.0.2.1"},
		{"headers ignored without trusted proxies", "192.0.2.1:1234", nil, map[string]string{"X-Forwarded-For": "203.0.113.5"}, "192.0.2.1"},
		{"headers ignored from untrusted peer", "198.51.100.9:1234", proxies, map[string]string{"X-Forwarded-For": "203.0.113.5", "X-Real-IP": "203.0.113.6"}, "198.51.100.9"},
		{"nearest untrusted hop", "192.0.2.1:1234", proxies, map[string]string{"X-Forwarded-For": "203.0.113.5, 198.51.100.7, 10.0.0.1"}, "198.51.100.7"},
		{"all hops trusted", "192.0.2.1:1234", proxies, map[string]string{"X-Forwarded-For": "10.1.1.1, 10.0.0.1"}, "10.1.1.1"},
		{"real ip from trusted peer", "192.0.2.1:1234", proxies, map[string]string{"X-Real-IP": "198.51.100.7"}, "198.51.100.7"},
		{"no port", "192.0.2.9", proxies, nil, "192.0.2.9"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remoteAddr
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, clientIP(req, tt.proxies))
		})
	}
}

func TestParseTrustedProxies(t *testing.T) {
	proxies, err := parseTrustedProxies([]string{" 10.0.0.0/8 ", "2001:db8::1"})
	require.NoError(t, err)
	assert.True(t, proxies.contains("10.20.30.40"))
	assert.True(t, proxies.contains("2001:db8::1"))
	assert.False(t, proxies.contains("2001:db8::2"))
	assert.False(t, proxies.contains("not-an-ip"))

	_, err = parseTrustedProxies([]string{"proxy.internal"})
	assert.Error(t, err)
}
