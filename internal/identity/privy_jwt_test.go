package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signer struct {
	key    *ecdsa.PrivateKey
	pubPEM string
}

func newSigner(t *testing.T) *signer {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	return &signer{key: key, pubPEM: string(pubPEM)}
}

func (s *signer) token(t *testing.T, claims privyClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(s.key)
	require.NoError(t, err)
	return signed
}

func validClaims() privyClaims {
	now := time.Now()
	return privyClaims{
		SessionID: "sess-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    privyIssuer,
			Subject:   "did:privy:jane",
			Audience:  jwt.ClaimStrings{"app-123"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestJWTVerifierAcceptsValidToken(t *testing.T) {
	s := newSigner(t)
	v, err := NewJWTVerifier("app-123", s.pubPEM)
	require.NoError(t, err)

	ident, err := v.Verify(context.Background(), s.token(t, validClaims()))
	require.NoError(t, err)
	assert.Equal(t, "did:privy:jane", ident.ExternalID)
}

func TestJWTVerifierAcceptsEscapedNewlines(t *testing.T) {
	s := newSigner(t)
	_, err := NewJWTVerifier("app-123", strings.ReplaceAll(s.pubPEM, "\n", `\n`))
	require.NoError(t, err)
}

func TestJWTVerifierRejects(t *testing.T) {
	s := newSigner(t)
	other := newSigner(t)
	v, err := NewJWTVerifier("app-123", s.pubPEM)
	require.NoError(t, err)

	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
	wrongAudience := validClaims()
	wrongAudience.Audience = jwt.ClaimStrings{"another-app"}
	wrongIssuer := validClaims()
	wrongIssuer.Issuer = "evil.example"
	noExpiry := validClaims()
	noExpiry.ExpiresAt = nil

	hmacToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims()).SignedString([]byte("shared"))
	require.NoError(t, err)

	cases := map[string]string{
		"expired":        s.token(t, expired),
		"wrong audience": s.token(t, wrongAudience),
		"wrong issuer":   s.token(t, wrongIssuer),
		"no expiry":      s.token(t, noExpiry),
		"foreign key":    other.token(t, validClaims()),
		"hmac algorithm": hmacToken,
		"garbage":        "not.a.jwt",
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := v.Verify(context.Background(), token)
			assert.ErrorIs(t, err, ErrNotVerified)
		})
	}

	noSubject := validClaims()
	noSubject.Subject = ""
	_, err = v.Verify(context.Background(), s.token(t, noSubject))
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestNewJWTVerifierRejectsBadKey(t *testing.T) {
	_, err := NewJWTVerifier("app", "-----BEGIN PUBLIC KEY-----\nnope\n-----END PUBLIC KEY-----")
	assert.Error(t, err)
	_, err = NewJWTVerifier("", newSigner(t).pubPEM)
	assert.Error(t, err)
}
