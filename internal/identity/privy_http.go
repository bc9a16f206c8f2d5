package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	usermodels "pich/internal/users/models"
	"pich/pkg/platform/circuit"
)

const (
	DefaultVerifyURL = "https://auth.privy.io/api/v1/verify"

	maxVerifyResponseBytes = 64 << 10
)

type verifyRequest struct {
	Token string `json:"token"`
}

type privyWallet struct {
	Address          string `json:"address"`
	ChainID          string `json:"chainId"`
	WalletClientType string `json:"walletClientType"`
}

// verifyResponse keeps Verified and UserID loosely typed so a response with a
// wrong type is rejected rather than read as a zero value.
type verifyResponse struct {
	UserID   any           `json:"userId"`
	Verified any           `json:"verified"`
	Email    string        `json:"email"`
	Wallets  []privyWallet `json:"wallets"`
}

// HTTPVerifier asks the provider's verify endpoint about each token.
type HTTPVerifier struct {
	url     string
	appID   string
	apiKey  string
	client  *http.Client
	breaker *circuit.Breaker
}

type HTTPOption func(*HTTPVerifier)

func WithVerifyURL(url string) HTTPOption {
	return func(v *HTTPVerifier) {
		if url != "" {
			v.url = url
		}
	}
}

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(v *HTTPVerifier) {
		if client != nil {
			v.client = client
		}
	}
}

func WithBreaker(b *circuit.Breaker) HTTPOption {
	return func(v *HTTPVerifier) {
		v.breaker = b
	}
}

func NewHTTPVerifier(appID, apiKey string, timeout time.Duration, opts ...HTTPOption) (*HTTPVerifier, error) {
	if appID == "" || apiKey == "" {
		return nil, errors.New("privy app id and api key are required")
	}
	v := &HTTPVerifier{
		url:     DefaultVerifyURL,
		appID:   appID,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		breaker: circuit.New("privy"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

func (v *HTTPVerifier) Verify(ctx context.Context, token string) (*usermodels.ExternalIdentity, error) {
	if v.breaker != nil && !v.breaker.Allow() {
		return nil, ErrProviderUnavailable
	}

	ident, err := v.verify(ctx, token)
	if v.breaker != nil {
		// Only transport failures count against the provider.
		if errors.Is(err, ErrProviderUnavailable) {
			v.breaker.RecordFailure()
		} else {
			v.breaker.RecordSuccess()
		}
	}
	return ident, err
}

func (v *HTTPVerifier) verify(ctx context.Context, token string) (*usermodels.ExternalIdentity, error) {
	body, err := json.Marshal(verifyRequest{Token: token})
	if err != nil {
		return nil, fmt.Errorf("encode verify request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+v.apiKey)
	req.Header.Set("X-Privy-App-Id", v.appID)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxVerifyResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %w", ErrProviderUnavailable, err)
	}
	ident, err := parseVerifyResponse(resp.StatusCode, raw)
	if err != nil {
		return nil, err
	}
	ident.ExpiresAt = unverifiedExpiry(token)
	return ident, nil
}

// unverifiedExpiry reads the exp claim of a JWT-shaped token without checking
// its signature. The provider has already accepted the token; the value only
// bounds how long the resolution may be cached.
func unverifiedExpiry(token string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

func parseVerifyResponse(status int, raw []byte) (*usermodels.ExternalIdentity, error) {
	switch {
	case status >= http.StatusInternalServerError:
		return nil, fmt.Errorf("%w: status %d", ErrProviderUnavailable, status)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", ErrNotVerified, status)
	case status != http.StatusOK:
		return nil, fmt.Errorf("%w: status %d", ErrMalformedResponse, status)
	}

	var parsed verifyResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	userID, ok := parsed.UserID.(string)
	if !ok || strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: user id missing", ErrMalformedResponse)
	}
	verified, ok := parsed.Verified.(bool)
	if !ok {
		return nil, fmt.Errorf("%w: verification status missing", ErrMalformedResponse)
	}
	if !verified {
		return nil, ErrNotVerified
	}

	ident := &usermodels.ExternalIdentity{ExternalID: userID, Email: strings.TrimSpace(parsed.Email)}
	if len(parsed.Wallets) > 0 {
		ident.Wallet = parsed.Wallets[0].Address
	}
	return ident, nil
}
