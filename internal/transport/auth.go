package transport

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tripsy/dashboard/internal/config"
	"github.com/Tripsy/dashboard/model"
)

// clockSkew is the leeway applied to time-based claims.
const clockSkew = 30 * time.Second

// NewKeyfunc returns the key lookup for the configured algorithms. HMAC
// algorithms use the secret in the SecretEnv environment variable; RSA and
// ECDSA algorithms use the PEM public key in PublicKeyFile. Mixing
// algorithm families is rejected.
func NewKeyfunc(cfg config.IdentityConfig) (jwt.Keyfunc, error) {
	family, err := algorithmFamily(cfg.Algorithms)
	if err != nil {
		return nil, err
	}

	var key any
	switch family {
	case "HS":
		secret := os.Getenv(cfg.SecretEnv)
		if secret == "" {
			return nil, fmt.Errorf("identity: environment variable %s is empty", cfg.SecretEnv)
		}
		key = []byte(secret)
	case "RS", "PS":
		pem, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("identity: reading public key: %w", err)
		}
		if key, err = jwt.ParseRSAPublicKeyFromPEM(pem); err != nil {
			return nil, fmt.Errorf("identity: parsing RSA public key: %w", err)
		}
	case "ES":
		pem, err := os.ReadFile(cfg.PublicKeyFile)
		if err != nil {
			return nil, fmt.Errorf("identity: reading public key: %w", err)
		}
		if key, err = jwt.ParseECPublicKeyFromPEM(pem); err != nil {
			return nil, fmt.Errorf("identity: parsing ECDSA public key: %w", err)
		}
	}

	return func(*jwt.Token) (any, error) { return key, nil }, nil
}

func algorithmFamily(algs []string) (string, error) {
	if len(algs) == 0 {
		return "", errors.New("identity: no algorithms configured")
	}
	family := ""
	for _, alg := range algs {
		if len(alg) < 2 {
			return "", fmt.Errorf("identity: unsupported algorithm %q", alg)
		}
		f := alg[:2]
		switch f {
		case "HS", "RS", "PS", "ES":
		default:
			return "", fmt.Errorf("identity: unsupported algorithm %q", alg)
		}
		if family != "" && family != f {
			return "", fmt.Errorf("identity: algorithms %v mix key types", algs)
		}
		family = f
	}
	return family, nil
}

// JWTAuthenticator returns middleware that verifies JWT tokens from the
// Authorization header and stores verified claims in the request context.
func JWTAuthenticator(cfg config.IdentityConfig, keyfunc jwt.Keyfunc) func(http.Handler) http.Handler {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods(cfg.Algorithms),
		jwt.WithLeeway(clockSkew),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	parser := jwt.NewParser(opts...)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				WriteError(w, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			tokenStr, ok := strings.CutPrefix(auth, "Bearer ")
			if !ok {
				WriteError(w, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}

			claims := jwt.MapClaims{}
			token, err := parser.ParseWithClaims(tokenStr, claims, keyfunc)
			if err != nil {
				WriteError(w, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}
			if !token.Valid {
				WriteError(w, model.NewUnauthorizedError("Invalid token"))
				return
			}

			ctx := WithClaims(r.Context(), map[string]any(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func classifyJWTError(err error) string {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "Token expired"
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "Invalid token issuer"
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "Invalid token audience"
	case errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return "Token is missing a required claim"
	case strings.Contains(err.Error(), "signing method"):
		return "Disallowed signing algorithm"
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return "Invalid token signature"
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "Malformed token"
	default:
		return "Invalid token"
	}
}
