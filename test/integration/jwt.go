package integration

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"maps"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TestClaims holds the configurable claims for generating test JWT tokens.
type TestClaims struct {
	SubjectID string
	Email     string
	Roles     []string
	Extra     map[string]any
}

// tokenIssuer holds an RSA key pair for signing JWTs. The public half is
// written to a PEM file the server verifies tokens with.
type tokenIssuer struct {
	privateKey    *rsa.PrivateKey
	publicKeyFile string
	issuer        string
	audience      string
}

// newTokenIssuer creates a token issuer with a fresh RSA key pair.
func newTokenIssuer(t *testing.T) *tokenIssuer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "jwt.pub.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), 0o600); err != nil {
		t.Fatalf("write public key: %v", err)
	}

	return &tokenIssuer{
		privateKey:    key,
		publicKeyFile: path,
		issuer:        "https://auth.test.dashboard.dev",
		audience:      "dashboard-test",
	}
}

// GenerateToken creates a valid, signed JWT token with the given claims.
func (ti *tokenIssuer) GenerateToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(jwt.SigningMethodRS256, ti.mapClaims(claims, now, now.Add(time.Hour)))
}

// GenerateExpiredToken creates a JWT token that expired in the past.
func (ti *tokenIssuer) GenerateExpiredToken(claims TestClaims) string {
	now := time.Now()
	return ti.sign(jwt.SigningMethodRS256, ti.mapClaims(claims, now.Add(-2*time.Hour), now.Add(-time.Hour)))
}

// GenerateForeignToken creates a token signed with a key the server does
// not trust.
func (ti *tokenIssuer) GenerateForeignToken(claims TestClaims) string {
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic("generate RSA key: " + err.Error())
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, ti.mapClaims(claims, now, now.Add(time.Hour)))
	signed, err := token.SignedString(other)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

func (ti *tokenIssuer) mapClaims(claims TestClaims, issuedAt, expiresAt time.Time) jwt.MapClaims {
	mapClaims := jwt.MapClaims{
		"iss":   ti.issuer,
		"aud":   ti.audience,
		"iat":   jwt.NewNumericDate(issuedAt),
		"exp":   jwt.NewNumericDate(expiresAt),
		"sub":   claims.SubjectID,
		"email": claims.Email,
	}
	if len(claims.Roles) > 0 {
		// Stored as []any to match JWT decode behaviour.
		roles := make([]any, len(claims.Roles))
		for i, r := range claims.Roles {
			roles[i] = r
		}
		mapClaims["roles"] = roles
	}
	maps.Copy(mapClaims, claims.Extra)
	return mapClaims
}

func (ti *tokenIssuer) sign(method jwt.SigningMethod, claims jwt.MapClaims) string {
	signed, err := jwt.NewWithClaims(method, claims).SignedString(ti.privateKey)
	if err != nil {
		panic("sign JWT: " + err.Error())
	}
	return signed
}

// PublicKeyFile returns the path of the PEM-encoded public key.
func (ti *tokenIssuer) PublicKeyFile() string {
	return ti.publicKeyFile
}

// Issuer returns the expected token issuer claim.
func (ti *tokenIssuer) Issuer() string {
	return ti.issuer
}

// Audience returns the expected token audience claim.
func (ti *tokenIssuer) Audience() string {
	return ti.audience
}
