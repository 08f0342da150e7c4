package scheduling

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/medrex/appointments/pkg/config"
	"github.com/medrex/appointments/pkg/logger"
	"golang.org/x/time/rate"
)

// UserIDHeader identifies the caller when bearer token validation is disabled
const UserIDHeader = "X-User-ID"

// IPRateLimiter keeps one token bucket per client
type IPRateLimiter struct {
	visitors map[string]*visitor
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	idleTTL  time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter creates a limiter and starts evicting clients idle for
// longer than three cleanup intervals
func NewIPRateLimiter(limit rate.Limit, burst int, cleanupInterval time.Duration) *IPRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	i := &IPRateLimiter{
		visitors: make(map[string]*visitor),
		limit:    limit,
		burst:    burst,
		idleTTL:  3 * cleanupInterval,
		stop:     make(chan struct{}),
	}

	go i.cleanupVisitors(cleanupInterval)

	return i
}

// GetLimiter returns the bucket of a client, creating it on first use
func (i *IPRateLimiter) GetLimiter(key string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	v, exists := i.visitors[key]
	if !exists {
		limiter := rate.NewLimiter(i.limit, i.burst)
		i.visitors[key] = &visitor{limiter: limiter, lastSeen: time.Now()}
		return limiter
	}

	v.lastSeen = time.Now()
	return v.limiter
}

// Allow reports whether the client may make another request now
func (i *IPRateLimiter) Allow(key string) bool {
	return i.GetLimiter(key).Allow()
}

// Stop ends the cleanup loop
func (i *IPRateLimiter) Stop() error {
	i.stopOnce.Do(func() { close(i.stop) })
	return nil
}

func (i *IPRateLimiter) cleanupVisitors(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-i.stop:
			return
		case <-ticker.C:
			i.mu.Lock()
			for key, v := range i.visitors {
				if time.Since(v.lastSeen) > i.idleTTL {
					delete(i.visitors, key)
				}
			}
			i.mu.Unlock()
		}
	}
}

// rateLimitMiddleware rejects clients that exceed their bucket with 429
func (s *Service) rateLimitMiddleware(limiter *IPRateLimiter, proxies trustedProxies) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, proxies)
			if !limiter.Allow(ip) {
				s.logger.WithContext(r.Context()).WithField("client_ip", ip).Warn("Rate limit exceeded")
				s.writeJSON(w, http.StatusTooManyRequests, apiResponse{
					Success: false,
					Error: &apiError{
						Type:    "rate_limited",
						Code:    "RATE_LIMITED",
						Message: "too many requests",
					},
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// TokenValidator validates HMAC-signed bearer tokens issued by the identity provider
type TokenValidator struct {
	secret   []byte
	issuer   string
	audience string
}

// NewTokenValidator creates a validator from the JWT settings
func NewTokenValidator(cfg config.JWTConfig) *TokenValidator {
	return &TokenValidator{
		secret:   []byte(cfg.SecretKey),
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
	}
}

// ValidateJWT parses the token and returns its subject
func (tv *TokenValidator) ValidateJWT(tokenString string) (string, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if tv.issuer != "" {
		opts = append(opts, jwt.WithIssuer(tv.issuer))
	}
	if tv.audience != "" {
		opts = append(opts, jwt.WithAudience(tv.audience))
	}

	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return tv.secret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if !token.Valid {
		return "", errors.New("invalid token")
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}

	return claims.Subject, nil
}

// authMiddleware puts the caller's user ID in the request context. With a
// configured secret every request needs a valid bearer token.
func (s *Service) authMiddleware(validator *TokenValidator) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if validator == nil {
				if userID := strings.TrimSpace(r.Header.Get(UserIDHeader)); userID != "" {
					r = r.WithContext(logger.ContextWithUserID(r.Context(), userID))
				}
				next.ServeHTTP(w, r)
				return
			}

			header := r.Header.Get("Authorization")
			tokenString, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || strings.TrimSpace(tokenString) == "" {
				s.writeUnauthorized(w, "missing bearer token")
				return
			}

			userID, err := validator.ValidateJWT(strings.TrimSpace(tokenString))
			if err != nil {
				s.logger.WithContext(r.Context()).WithError(err).Warn("Rejected bearer token")
				s.writeUnauthorized(w, "invalid bearer token")
				return
			}

			r = r.WithContext(logger.ContextWithUserID(r.Context(), userID))
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Service) writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	s.writeJSON(w, http.StatusUnauthorized, apiResponse{
		Success: false,
		Error: &apiError{
			Type:    "unauthorized",
			Code:    "UNAUTHORIZED",
			Message: message,
		},
	})
}

// trustedProxies holds the networks allowed to report the client address
type trustedProxies []*net.IPNet

// parseTrustedProxies accepts plain IPs and CIDRs
func parseTrustedProxies(entries []string) (trustedProxies, error) {
	proxies := make(trustedProxies, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if _, network, err := net.ParseCIDR(entry); err == nil {
			proxies = append(proxies, network)
			continue
		}
		ip := net.ParseIP(entry)
		if ip == nil {
			return nil, fmt.Errorf("invalid trusted proxy %q", entry)
		}
		bits := 8 * net.IPv4len
		if ip.To4() == nil {
			bits = 8 * net.IPv6len
		}
		proxies = append(proxies, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
	}
	return proxies, nil
}

func (tp trustedProxies) contains(addr string) bool {
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return false
	}
	for _, network := range tp {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// clientIP returns the peer address unless the peer is a trusted proxy.
// Behind a trusted proxy it walks X-Forwarded-For from the nearest hop and
// returns the first address that is not itself a trusted proxy, falling back
// to X-Real-IP.
func clientIP(r *http.Request, proxies trustedProxies) string {
	peer, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		peer = r.RemoteAddr
	}
	if !proxies.contains(peer) {
		return peer
	}

	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		hops := strings.Split(forwarded, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop != "" && !proxies.contains(hop) {
				return hop
			}
		}
		if first := strings.TrimSpace(hops[0]); first != "" {
			return first
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return peer
}
