package identity

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	usermodels "pich/internal/users/models"
)

const privyIssuer = "privy.io"

// privyClaims are the claims of a Privy access token. SessionID is "sid".
type privyClaims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// JWTVerifier checks Privy access tokens locally against the app's ES256
// verification key, without a round trip to the provider.
type JWTVerifier struct {
	key    *ecdsa.PublicKey
	appID  string
	leeway time.Duration
}

// NewJWTVerifier parses the PEM verification key shown in the Privy dashboard.
func NewJWTVerifier(appID, pemKey string) (*JWTVerifier, error) {
	if appID == "" {
		return nil, errors.New("privy app id is required")
	}
	// Keys pasted into env vars often carry literal "\n".
	pemKey = strings.ReplaceAll(pemKey, `\n`, "\n")
	key, err := jwt.ParseECPublicKeyFromPEM([]byte(pemKey))
	if err != nil {
		return nil, fmt.Errorf("parse privy verification key: %w", err)
	}
	return &JWTVerifier{key: key, appID: appID, leeway: 30 * time.Second}, nil
}

func (v *JWTVerifier) Verify(_ context.Context, token string) (*usermodels.ExternalIdentity, error) {
	parsed, err := jwt.ParseWithClaims(token, &privyClaims{}, func(t *jwt.Token) (any, error) {
		return v.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(privyIssuer),
		jwt.WithAudience(v.appID),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNotVerified, err)
	}
	claims, ok := parsed.Claims.(*privyClaims)
	if !ok || !parsed.Valid {
		return nil, ErrNotVerified
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return nil, fmt.Errorf("%w: subject missing", ErrMalformedResponse)
	}
	return &usermodels.ExternalIdentity{
		ExternalID: claims.Subject,
		ExpiresAt:  claims.ExpiresAt.Time,
	}, nil
}
