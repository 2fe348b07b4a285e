// Package servicetoken authenticates contentctl against the worker's
// internal API with short-lived RS256 JWTs. The subject carries the actor
// name recorded in item history.
package servicetoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	DefaultTokenTTL = 60 * time.Second
	DefaultLeeway   = 15 * time.Second
	DefaultKeyID    = "contentengine-active"
)

type SignerConfig struct {
	PrivateKeyPath string
	KeyID          string
	Issuer         string
	TTL            time.Duration
}

type Signer struct {
	key    *rsa.PrivateKey
	kid    string
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

func NewSigner(cfg SignerConfig) (*Signer, error) {
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errors.New("service token issuer is required")
	}
	path := strings.TrimSpace(cfg.PrivateKeyPath)
	if path == "" {
		return nil, errors.New("service token private key path is required")
	}
	key, err := loadPrivateKey(path)
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	s := &Signer{key: key, kid: strings.TrimSpace(cfg.KeyID), issuer: issuer, ttl: cfg.TTL, now: time.Now}
	if s.kid == "" {
		s.kid = DefaultKeyID
	}
	if s.ttl <= 0 {
		s.ttl = DefaultTokenTTL
	}
	return s, nil
}

// Sign issues a token for audience on behalf of subject. An empty subject
// defaults to the issuer.
func (s *Signer) Sign(audience, subject string) (string, error) {
	audience = strings.TrimSpace(audience)
	if audience == "" {
		return "", errors.New("service token audience is required")
	}
	if subject = strings.TrimSpace(subject); subject == "" {
		subject = s.issuer
	}
	now := s.now().UTC()
	t := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Subject:   subject,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		ID:        randomID(),
	})
	t.Header["kid"] = s.kid
	return t.SignedString(s.key)
}

type VerifierConfig struct {
	// PublicKeys maps key id to PEM path. Several entries allow rotation.
	PublicKeys     map[string]string
	Audience       string
	AllowedIssuers []string
	Leeway         time.Duration
}

type Verifier struct {
	keys     map[string]*rsa.PublicKey
	audience string
	issuers  map[string]bool
	leeway   time.Duration
}

func NewVerifier(cfg VerifierConfig) (*Verifier, error) {
	v := &Verifier{
		keys:     map[string]*rsa.PublicKey{},
		audience: strings.TrimSpace(cfg.Audience),
		issuers:  map[string]bool{},
		leeway:   cfg.Leeway,
	}
	if v.audience == "" {
		return nil, errors.New("service token audience is required")
	}
	for _, iss := range cfg.AllowedIssuers {
		if iss = strings.TrimSpace(iss); iss != "" {
			v.issuers[iss] = true
		}
	}
	if len(v.issuers) == 0 {
		return nil, errors.New("at least one allowed issuer is required")
	}
	if v.leeway <= 0 {
		v.leeway = DefaultLeeway
	}
	for kid, path := range cfg.PublicKeys {
		pub, err := loadPublicKey(path)
		if err != nil {
			return nil, fmt.Errorf("load verify key %q: %w", kid, err)
		}
		v.keys[strings.TrimSpace(kid)] = pub
	}
	if len(v.keys) == 0 {
		return nil, errors.New("service token verifier requires a public key")
	}
	return v, nil
}

// Verify checks signature, expiry, audience and issuer.
func (v *Verifier) Verify(token string) (jwt.RegisteredClaims, error) {
	var claims jwt.RegisteredClaims
	if token = strings.TrimSpace(token); token == "" {
		return claims, errors.New("token required")
	}
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("token key id required")
		}
		pub, ok := v.keys[kid]
		if !ok {
			return nil, fmt.Errorf("unknown token key %q", kid)
		}
		return pub, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithAudience(v.audience),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	)
	if err != nil {
		return claims, err
	}
	if !v.issuers[claims.Issuer] {
		return claims, fmt.Errorf("issuer %q not allowed", claims.Issuer)
	}
	if claims.ID == "" || strings.TrimSpace(claims.Subject) == "" {
		return claims, errors.New("jti and subject required")
	}
	return claims, nil
}

type claimsContextKey struct{}

// Middleware rejects requests without a valid bearer token and stores the
// verified claims in the request context.
func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok {
			unauthorized(w, "missing bearer token")
			return
		}
		claims, err := v.Verify(token)
		if err != nil {
			unauthorized(w, "invalid service token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsContextKey{}, claims)))
	})
}

func ClaimsFromContext(ctx context.Context) (jwt.RegisteredClaims, bool) {
	c, ok := ctx.Value(claimsContextKey{}).(jwt.RegisteredClaims)
	return c, ok
}

// Subject returns the verified caller of r, or "".
func Subject(r *http.Request) string {
	c, ok := ClaimsFromContext(r.Context())
	if !ok {
		return ""
	}
	return c.Subject
}

func BearerToken(r *http.Request) (string, bool) {
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(h, "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

// Transport signs a fresh token for every outgoing request.
type Transport struct {
	Signer   *Signer
	Audience string
	Subject  string
	Base     http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.Signer.Sign(t.Audience, t.Subject)
	if err != nil {
		return nil, fmt.Errorf("sign service token: %w", err)
	}
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+token)
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="contentengine"`)
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, "{\"error\":%q}\n", msg)
}

func randomID() string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
