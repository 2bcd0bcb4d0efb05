package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"r3chat/pkg/config"
	"r3chat/pkg/logger"
	"r3chat/pkg/quota"
	"r3chat/pkg/utils"
)

// Role represents the resolved API-key role for a request.
type Role int

const (
	RoleUnauth Role = iota
	RoleFrontend
	RoleBackend
	RoleAdmin
)

// SecConfig drives authentication, CORS and transport rate limiting.
// Backend keys double as HMAC signing secrets for identity headers.
type SecConfig struct {
	AllowedOrigins []string
	RPS            float64
	Burst          int
	BackendKeys    map[string]struct{}
	FrontendKeys   map[string]struct{}
	AdminKeys      map[string]struct{}
}

// SecFromConfig builds the SecConfig view from the loaded configuration.
func SecFromConfig(cfg *config.Config) SecConfig {
	toSet := func(keys []string) map[string]struct{} {
		m := map[string]struct{}{}
		for _, k := range keys {
			if k = strings.TrimSpace(k); k != "" {
				m[k] = struct{}{}
			}
		}
		return m
	}
	return SecConfig{
		AllowedOrigins: cfg.Security.CORS.AllowedOrigins,
		RPS:            cfg.Security.RateLimit.RPS,
		Burst:          cfg.Security.RateLimit.Burst,
		BackendKeys:    toSet(cfg.Security.APIKeys.Backend),
		FrontendKeys:   toSet(cfg.Security.APIKeys.Frontend),
		AdminKeys:      toSet(cfg.Security.APIKeys.Admin),
	}
}

// Identity is the resolved caller for quota and access decisions.
// Anonymous callers carry a client-generated persistent pseudo-identity
// passed explicitly on every request, never ambient server state.
type Identity struct {
	ID        string
	Class     string
	Anonymous bool
}

type ctxIdentityKey struct{}

// IdentityFromContext returns the verified identity, if any.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if v := ctx.Value(ctxIdentityKey{}); v != nil {
		if id, ok := v.(Identity); ok {
			return id, true
		}
	}
	return Identity{}, false
}

// Sign computes the identity signature a trusted backend attaches to
// X-User-Signature: HMAC-SHA256 over "<userID>:<tier>" so the tier
// claim cannot be forged independently of the id.
func Sign(key, userID, tier string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(userID + ":" + tier))
	return hex.EncodeToString(mac.Sum(nil))
}

// ResolveIdentity verifies identity headers and injects the caller
// identity into the request context.
//
// Authenticated callers send X-User-ID, X-User-Tier (free|paid) and
// X-User-Signature. Anonymous callers send only X-Anon-Id. Requests
// carrying neither pass through without an identity; handlers that need
// one reject those.
func ResolveIdentity(cfg SecConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
			tier := strings.TrimSpace(r.Header.Get("X-User-Tier"))
			sig := strings.TrimSpace(r.Header.Get("X-User-Signature"))
			anonID := strings.TrimSpace(r.Header.Get("X-Anon-Id"))

			if userID != "" {
				if sig == "" {
					logger.Warn("missing_signature_headers", "path", r.URL.Path, "remote", r.RemoteAddr)
					utils.JSONError(w, http.StatusUnauthorized, "missing signature headers")
					return
				}
				if tier == "" {
					tier = quota.ClassFree
				}
				if tier != quota.ClassFree && tier != quota.ClassPaid {
					utils.JSONError(w, http.StatusBadRequest, "invalid tier")
					return
				}
				if len(cfg.BackendKeys) == 0 {
					logger.Error("no_signing_keys_configured")
					utils.JSONError(w, http.StatusInternalServerError, "server misconfigured: no signing secrets available")
					return
				}
				ok := false
				for k := range cfg.BackendKeys {
					if hmac.Equal([]byte(Sign(k, userID, tier)), []byte(sig)) {
						ok = true
						break
					}
				}
				if !ok {
					logger.Warn("invalid_signature", "user", userID)
					utils.JSONError(w, http.StatusUnauthorized, "invalid signature")
					return
				}
				logger.Debug("signature_verified", "user", userID, "tier", tier)
				ctx := context.WithValue(r.Context(), ctxIdentityKey{}, Identity{ID: userID, Class: tier})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			if anonID != "" {
				if ok, msg := validateAnonID(anonID); !ok {
					utils.JSONError(w, http.StatusBadRequest, msg)
					return
				}
				id := Identity{ID: "anon-" + anonID, Class: quota.ClassAnonymous, Anonymous: true}
				ctx := context.WithValue(r.Context(), ctxIdentityKey{}, id)
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func validateAnonID(a string) (bool, string) {
	if a == "" {
		return false, "anonymous id required"
	}
	if len(a) > 128 {
		return false, "anonymous id too long"
	}
	for _, c := range a {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_' {
			continue
		}
		return false, "anonymous id has invalid characters"
	}
	return true, ""
}

// RequireIdentity wraps handlers that cannot proceed without a caller
// identity (anonymous or authenticated).
func RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := IdentityFromContext(r.Context()); !ok {
			logger.Warn("missing_identity", "path", r.URL.Path, "remote", r.RemoteAddr)
			utils.JSONError(w, http.StatusUnauthorized, "identity headers required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
