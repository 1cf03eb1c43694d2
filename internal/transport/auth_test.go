package transport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Tripsy/dashboard/internal/config"
	"github.com/Tripsy/dashboard/model"
)

// --- test helpers ---

const testSecret = "test-secret-with-enough-entropy"

func hmacConfig(t *testing.T) config.IdentityConfig {
	t.Helper()
	t.Setenv("TEST_JWT_SECRET", testSecret)
	return config.IdentityConfig{
		Issuer:     "https://auth.example.com",
		Audience:   "dashboard",
		Algorithms: []string{"HS256"},
		SecretEnv:  "TEST_JWT_SECRET",
	}
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub":   "user-1",
		"iss":   "https://auth.example.com",
		"aud":   "dashboard",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"roles": []any{"admin"},
	}
}

func signHMAC(t *testing.T, method jwt.SigningMethod, claims jwt.MapClaims, secret string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("SignedString: %v", err)
	}
	return s
}

func writePublicKeyPEM(t *testing.T, pub any) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey: %v", err)
	}
	path := filepath.Join(t.TempDir(), "key.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

// authenticate runs a request with the given Authorization header through
// the authenticator and returns the recorder and the claims seen by the
// next handler.
func authenticate(t *testing.T, cfg config.IdentityConfig, header string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	keyfunc, err := NewKeyfunc(cfg)
	if err != nil {
		t.Fatalf("NewKeyfunc: %v", err)
	}

	var seen map[string]any
	handler := JWTAuthenticator(cfg, keyfunc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w, seen
}

func errorMessage(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp errorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil || resp.Error == nil {
		t.Fatalf("decode error body: %v", err)
	}
	return resp.Error.Message
}

// --- NewKeyfunc ---

func TestNewKeyfunc_HMAC(t *testing.T) {
	keyfunc, err := NewKeyfunc(hmacConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	key, err := keyfunc(nil)
	if err != nil {
		t.Fatal(err)
	}
	if string(key.([]byte)) != testSecret {
		t.Errorf("key = %v", key)
	}
}

func TestNewKeyfunc_errors(t *testing.T) {
	t.Setenv("EMPTY_SECRET", "")
	tests := []struct {
		name string
		cfg  config.IdentityConfig
	}{
		{"no algorithms", config.IdentityConfig{}},
		{"empty secret", config.IdentityConfig{Algorithms: []string{"HS256"}, SecretEnv: "EMPTY_SECRET"}},
		{"mixed families", config.IdentityConfig{Algorithms: []string{"HS256", "RS256"}, SecretEnv: "EMPTY_SECRET"}},
		{"unsupported", config.IdentityConfig{Algorithms: []string{"none"}}},
		{"missing key file", config.IdentityConfig{Algorithms: []string{"RS256"}, PublicKeyFile: "/does/not/exist.pem"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewKeyfunc(tc.cfg); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestNewKeyfunc_wrongKeyType(t *testing.T) {
	ecKey, _ := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	cfg := config.IdentityConfig{Algorithms: []string{"RS256"}, PublicKeyFile: writePublicKeyPEM(t, &ecKey.PublicKey)}
	if _, err := NewKeyfunc(cfg); err == nil {
		t.Error("an ECDSA key should not parse as RSA")
	}
}

// --- JWTAuthenticator ---

func TestJWTAuthenticator_validToken(t *testing.T) {
	cfg := hmacConfig(t)
	w, claims := authenticate(t, cfg, "Bearer "+signHMAC(t, jwt.SigningMethodHS256, validClaims(), testSecret))

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if claims["sub"] != "user-1" {
		t.Errorf("sub = %v, want user-1", claims["sub"])
	}
}

func TestJWTAuthenticator_validToken_RSA(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.IdentityConfig{Algorithms: []string{"RS256"}, PublicKeyFile: writePublicKeyPEM(t, &key.PublicKey)}

	claims := validClaims()
	delete(claims, "iss")
	delete(claims, "aud")
	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}

	w, seen := authenticate(t, cfg, "Bearer "+tokenStr)
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if seen["sub"] != "user-1" {
		t.Errorf("sub = %v", seen["sub"])
	}
}

func TestJWTAuthenticator_validToken_EC(t *testing.T) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.IdentityConfig{Algorithms: []string{"ES256"}, PublicKeyFile: writePublicKeyPEM(t, &key.PublicKey)}

	tokenStr, err := jwt.NewWithClaims(jwt.SigningMethodES256, validClaims()).SignedString(key)
	if err != nil {
		t.Fatal(err)
	}

	w, _ := authenticate(t, cfg, "Bearer "+tokenStr)
	if w.Code != 200 {
		t.Errorf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
}

func TestJWTAuthenticator_rejections(t *testing.T) {
	cfg := hmacConfig(t)

	with := func(mutate func(jwt.MapClaims)) jwt.MapClaims {
		c := validClaims()
		mutate(c)
		return c
	}

	tests := []struct {
		name    string
		header  string
		wantMsg string
	}{
		{"missing header", "", "Missing authorization header"},
		{"invalid format", "Basic dXNlcjpwYXNz", "Invalid authorization header format"},
		{"malformed token", "Bearer not-a-jwt", "Malformed token"},
		{
			"expired",
			"Bearer " + signHMAC(t, jwt.SigningMethodHS256, with(func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() }), testSecret),
			"Token expired",
		},
		{
			"wrong issuer",
			"Bearer " + signHMAC(t, jwt.SigningMethodHS256, with(func(c jwt.MapClaims) { c["iss"] = "https://evil.example.com" }), testSecret),
			"Invalid token issuer",
		},
		{
			"wrong audience",
			"Bearer " + signHMAC(t, jwt.SigningMethodHS256, with(func(c jwt.MapClaims) { c["aud"] = "other" }), testSecret),
			"Invalid token audience",
		},
		{
			"missing exp",
			"Bearer " + signHMAC(t, jwt.SigningMethodHS256, with(func(c jwt.MapClaims) { delete(c, "exp") }), testSecret),
			"Token is missing a required claim",
		},
		{
			"disallowed algorithm",
			"Bearer " + signHMAC(t, jwt.SigningMethodHS384, validClaims(), testSecret),
			"Disallowed signing algorithm",
		},
		{
			"bad signature",
			"Bearer " + signHMAC(t, jwt.SigningMethodHS256, validClaims(), "another-secret"),
			"Invalid token signature",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			w, claims := authenticate(t, cfg, tc.header)
			if w.Code != 401 {
				t.Fatalf("status = %d, want 401", w.Code)
			}
			if claims != nil {
				t.Error("next handler should not run")
			}
			if got := errorMessage(t, w); got != tc.wantMsg {
				t.Errorf("message = %q, want %q", got, tc.wantMsg)
			}
		})
	}
}

func TestJWTAuthenticator_clockSkewTolerance(t *testing.T) {
	cfg := hmacConfig(t)
	claims := validClaims()
	claims["exp"] = time.Now().Add(-10 * time.Second).Unix()

	w, _ := authenticate(t, cfg, "Bearer "+signHMAC(t, jwt.SigningMethodHS256, claims, testSecret))
	if w.Code != 200 {
		t.Errorf("status = %d, want 200 (token within clock skew tolerance)", w.Code)
	}
}

func TestJWTAuthenticator_feedsRequestContext(t *testing.T) {
	cfg := hmacConfig(t)
	keyfunc, err := NewKeyfunc(cfg)
	if err != nil {
		t.Fatal(err)
	}

	var rctx *model.RequestContext
	handler := JWTAuthenticator(cfg, keyfunc)(BuildRequestContextMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rctx = model.RequestContextFrom(r.Context())
	})))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Authorization", "Bearer "+signHMAC(t, jwt.SigningMethodHS256, validClaims(), testSecret))
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if rctx == nil || rctx.SubjectID != "user-1" || !rctx.HasRole("admin") {
		t.Errorf("RequestContext = %+v", rctx)
	}
}

// --- extractClaim tests ---

func TestExtractClaim_dotNotation(t *testing.T) {
	claims := map[string]any{
		"realm_access": map[string]any{
			"roles": []any{"admin", "viewer"},
		},
		"sub":   "user-1",
		"scope": "read write",
	}

	// Simple path
	if v := extractClaimString(claims, "sub"); v != "user-1" {
		t.Errorf("sub = %q, want user-1", v)
	}

	// Nested path
	roles := extractClaimStringSlice(claims, "realm_access.roles")
	if len(roles) != 2 || roles[0] != "admin" {
		t.Errorf("realm_access.roles = %v, want [admin viewer]", roles)
	}

	// Space separated string
	if scopes := extractClaimStringSlice(claims, "scope"); len(scopes) != 2 || scopes[1] != "write" {
		t.Errorf("scope = %v, want [read write]", scopes)
	}

	// Missing path
	if v := extractClaimString(claims, "nonexistent.path"); v != "" {
		t.Errorf("nonexistent.path = %q, want empty", v)
	}

	// Nil claims
	if v := extractClaimString(nil, "sub"); v != "" {
		t.Errorf("nil claims = %q, want empty", v)
	}
}
