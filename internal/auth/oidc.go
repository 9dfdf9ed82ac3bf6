package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/zerg-ai/zerg/internal/apierr"
)

const (
	googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"
	jwksCacheTTL  = time.Hour
)

var googleIssuers = []string{"https://accounts.google.com", "accounts.google.com"}

// OIDCVerifier validates Google-signed ID tokens, as attached to
// Pub/Sub push requests.
type OIDCVerifier struct {
	audience string
	jwksURL  string
	client   *http.Client

	mu      sync.Mutex
	keys    map[string]*rsa.PublicKey
	fetched time.Time
}

// NewOIDCVerifier builds a verifier pinned to one expected audience.
func NewOIDCVerifier(audience string) *OIDCVerifier {
	return &OIDCVerifier{
		audience: audience,
		jwksURL:  googleJWKSURL,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// PushClaims is the slice of the Google ID token the ingress cares
// about.
type PushClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verify checks signature, issuer, audience and expiry of a bearer
// token. Any failure maps to an auth error.
func (v *OIDCVerifier) Verify(ctx context.Context, tokenStr string) (*PushClaims, error) {
	if v.audience == "" {
		return nil, apierr.New(apierr.KindAuth, "pubsub audience is not configured")
	}

	claims := &PushClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(tok *jwt.Token) (any, error) {
		kid, _ := tok.Header["kid"].(string)
		if kid == "" {
			return nil, fmt.Errorf("token has no kid header")
		}
		return v.keyFor(ctx, kid)
	},
		jwt.WithValidMethods([]string{"RS256"}),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindAuth, "invalid oidc token", err)
	}

	issuerOK := false
	for _, iss := range googleIssuers {
		if claims.Issuer == iss {
			issuerOK = true
			break
		}
	}
	if !issuerOK {
		return nil, apierr.Newf(apierr.KindAuth, "unexpected issuer %q", claims.Issuer)
	}
	return claims, nil
}

func (v *OIDCVerifier) keyFor(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if key, ok := v.keys[kid]; ok && time.Since(v.fetched) < jwksCacheTTL {
		return key, nil
	}
	if err := v.refreshLocked(ctx); err != nil {
		return nil, err
	}
	key, ok := v.keys[kid]
	if !ok {
		return nil, fmt.Errorf("unknown signing key %q", kid)
	}
	return key, nil
}

func (v *OIDCVerifier) refreshLocked(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch jwks: %s", resp.Status)
	}

	var doc struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(doc.Keys))
	for _, k := range doc.Keys {
		if k.Kty != "RSA" {
			continue
		}
		pub, err := jwkToRSA(k.N, k.E)
		if err != nil {
			return fmt.Errorf("parse jwk %s: %w", k.Kid, err)
		}
		keys[k.Kid] = pub
	}
	v.keys = keys
	v.fetched = time.Now()
	return nil
}

func jwkToRSA(nB64, eB64 string) (*rsa.PublicKey, error) {
	nBytes, err := base64.RawURLEncoding.DecodeString(nB64)
	if err != nil {
		return nil, err
	}
	eBytes, err := base64.RawURLEncoding.DecodeString(eB64)
	if err != nil {
		return nil, err
	}
	e := 0
	for _, b := range eBytes {
		e = e<<8 | int(b)
	}
	return &rsa.PublicKey{N: new(big.Int).SetBytes(nBytes), E: e}, nil
}
