// Package service is the signing key service: it generates, wraps, rotates and publishes
// ES256 keys and mints and verifies JWTs with them.
package service

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"opaque-idp/internal/kek"
	"opaque-idp/internal/logging"
	"opaque-idp/internal/platform/errs"
	"opaque-idp/internal/security"
	"opaque-idp/internal/signing/domain"
)

var (
	// ErrInvalidSignature is returned when no stored key validates a token.
	ErrInvalidSignature = errs.Unauthorized("invalid token signature")
	// ErrNoSigningKey is returned when signing is attempted before any key exists.
	ErrNoSigningKey = errors.New("signing: no signing key")
	// ErrKeyUnwrap is returned when the latest private key cannot be unwrapped.
	ErrKeyUnwrap = errors.New("signing: cannot unwrap private key")
	// ErrInsecureKeysDisallowed is returned by RotateKeys when the KEK is unavailable and
	// plaintext private keys are not allowed.
	ErrInsecureKeysDisallowed = errors.New("signing: KEK unavailable and insecure keys not allowed")
)

// KeyStore is the persistence the service needs.
type KeyStore interface {
	Insert(ctx context.Context, k *domain.Key) error
	Latest(ctx context.Context) (*domain.Key, error)
	List(ctx context.Context) ([]*domain.Key, error)
	DeleteRotatedBefore(ctx context.Context, t time.Time) (int64, error)
}

// Config holds token and key policy.
type Config struct {
	Issuer   string
	Audience string
	// AllowInsecureKeys stores private keys unwrapped when the KEK is unavailable.
	AllowInsecureKeys bool
	// Retention is how long a rotated key remains valid for verification. Zero keeps keys forever.
	Retention time.Duration
	// CacheTTL bounds staleness of the public-key cache. Zero uses 60s.
	CacheTTL time.Duration
}

type cachedKey struct {
	kid       string
	public    crypto.PublicKey
	rotatedAt *time.Time
}

// Service signs and verifies tokens with the stored keys.
type Service struct {
	store  KeyStore
	kek    kek.Service
	cfg    Config
	logger *zap.Logger
	nowF   func() time.Time

	mu       sync.Mutex
	keys     []cachedKey
	loadedAt time.Time
}

// NewService returns a signing key service. logger may be nil.
func NewService(store KeyStore, k kek.Service, cfg Config, logger *zap.Logger) *Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, kek: k, cfg: cfg, logger: logger, nowF: time.Now}
}

// RotateKeys generates a new ES256 keypair, wraps its private half and makes it the latest key.
// Previous keys are marked rotated but remain available for verification.
func (s *Service) RotateKeys(ctx context.Context) (string, error) {
	priv, err := security.GenerateES256Key()
	if err != nil {
		return "", fmt.Errorf("signing: generate key: %w", err)
	}
	privPEM, err := security.EncodePrivateKeyPEM(priv)
	if err != nil {
		return "", err
	}
	pubPEM, err := security.EncodePublicKeyPEM(priv.Public())
	if err != nil {
		return "", err
	}

	k := &domain.Key{
		Kid:       ulid.Make().String(),
		Algorithm: "ES256",
		PublicPEM: string(pubPEM),
		CreatedAt: s.nowF().UTC(),
	}
	switch {
	case s.kek.IsAvailable():
		ct, err := s.kek.Encrypt(privPEM)
		if err != nil {
			return "", fmt.Errorf("signing: wrap key: %w", err)
		}
		k.PrivateCiphertext = ct
	case s.cfg.AllowInsecureKeys:
		s.logger.Warn("signing key stored without KEK wrapping", zap.String("kid", k.Kid))
		k.PrivatePlain = string(privPEM)
	default:
		return "", ErrInsecureKeysDisallowed
	}

	if err := s.store.Insert(ctx, k); err != nil {
		return "", fmt.Errorf("signing: store key: %w", err)
	}
	s.invalidate()
	s.logger.Info("signing key rotated", zap.String("kid", k.Kid))
	return k.Kid, nil
}

// EnsureKey creates the first key if none exists and returns the latest kid.
func (s *Service) EnsureKey(ctx context.Context) (string, error) {
	latest, err := s.store.Latest(ctx)
	if err != nil {
		return "", err
	}
	if latest != nil {
		return latest.Kid, nil
	}
	return s.RotateKeys(ctx)
}

// RotateIfOlder rotates when the latest key is older than maxAge (or missing).
func (s *Service) RotateIfOlder(ctx context.Context, maxAge time.Duration) (string, bool, error) {
	latest, err := s.store.Latest(ctx)
	if err != nil {
		return "", false, err
	}
	if latest != nil && s.nowF().Sub(latest.CreatedAt) < maxAge {
		return latest.Kid, false, nil
	}
	kid, err := s.RotateKeys(ctx)
	return kid, err == nil, err
}

// PruneRotated deletes keys rotated longer ago than the retention period.
func (s *Service) PruneRotated(ctx context.Context) (int64, error) {
	if s.cfg.Retention <= 0 {
		return 0, nil
	}
	n, err := s.store.DeleteRotatedBefore(ctx, s.nowF().Add(-s.cfg.Retention))
	if err == nil && n > 0 {
		s.invalidate()
	}
	return n, err
}

// ListKeys returns public descriptions of all stored keys, newest first.
func (s *Service) ListKeys(ctx context.Context) ([]domain.KeyInfo, error) {
	keys, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.KeyInfo, len(keys))
	for i, k := range keys {
		out[i] = k.Info()
	}
	return out, nil
}

// SignJWT signs payload with the latest key. iss, iat, exp and jti are set by the service;
// aud defaults to the configured audience when payload carries none.
func (s *Service) SignJWT(ctx context.Context, payload map[string]any, ttl time.Duration) (string, error) {
	latest, err := s.store.Latest(ctx)
	if err != nil {
		return "", err
	}
	if latest == nil {
		return "", ErrNoSigningKey
	}
	signer, err := s.unwrap(latest)
	if err != nil {
		s.logger.Error("signing key unavailable", zap.String("kid", latest.Kid), logging.Err(err))
		return "", err
	}

	now := s.nowF()
	claims := jwt.MapClaims{}
	for k, v := range payload {
		claims[k] = v
	}
	claims["iss"] = s.cfg.Issuer
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(ttl).Unix()
	claims["jti"] = uuid.NewString()
	if _, ok := claims["aud"]; !ok && s.cfg.Audience != "" {
		claims["aud"] = s.cfg.Audience
	}

	t := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	t.Header["kid"] = latest.Kid
	return t.SignedString(signer)
}

func (s *Service) unwrap(k *domain.Key) (crypto.Signer, error) {
	var pemBytes []byte
	switch {
	case len(k.PrivateCiphertext) > 0:
		b, err := s.kek.Decrypt(k.PrivateCiphertext)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrKeyUnwrap, err)
		}
		pemBytes = b
	case k.PrivatePlain != "" && s.cfg.AllowInsecureKeys:
		pemBytes = []byte(k.PrivatePlain)
	default:
		return nil, ErrKeyUnwrap
	}
	signer, err := security.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnwrap, err)
	}
	return signer, nil
}

// VerifyJWT validates token against every stored, non-expired public key. The signature,
// issuer, expiry and audience (the configured one when audience is empty) must all hold.
// A cache miss on the token's kid forces one reload before failing.
func (s *Service) VerifyJWT(ctx context.Context, token, audience string) (jwt.MapClaims, error) {
	if audience == "" {
		audience = s.cfg.Audience
	}
	keys, fresh, err := s.publicKeys(ctx, false)
	if err != nil {
		return nil, err
	}
	claims, kidSeen := s.tryKeys(token, audience, keys)
	if claims != nil {
		return claims, nil
	}
	if !fresh && !kidSeen {
		if keys, _, err = s.publicKeys(ctx, true); err != nil {
			return nil, err
		}
		if claims, _ = s.tryKeys(token, audience, keys); claims != nil {
			return claims, nil
		}
	}
	return nil, ErrInvalidSignature
}

// tryKeys returns the claims from the first key that validates token, and whether the
// token's kid was among keys.
func (s *Service) tryKeys(token, audience string, keys []cachedKey) (jwt.MapClaims, bool) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.nowF),
	}
	if audience != "" {
		opts = append(opts, jwt.WithAudience(audience))
	}
	kidSeen := false
	for _, k := range keys {
		claims := jwt.MapClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if kid, _ := t.Header["kid"].(string); kid == k.kid {
				kidSeen = true
			}
			return k.public, nil
		}, opts...)
		if err == nil && parsed.Valid {
			return claims, true
		}
	}
	return nil, kidSeen
}

func (s *Service) publicKeys(ctx context.Context, force bool) ([]cachedKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowF()
	if !force && s.keys != nil && now.Sub(s.loadedAt) < s.cfg.CacheTTL {
		return s.keys, false, nil
	}
	stored, err := s.store.List(ctx)
	if err != nil {
		return nil, false, err
	}
	keys := make([]cachedKey, 0, len(stored))
	for _, k := range stored {
		if s.expired(k, now) {
			continue
		}
		pub, err := security.ParsePublicKey([]byte(k.PublicPEM))
		if err != nil {
			s.logger.Warn("skipping unparsable signing key", zap.String("kid", k.Kid), logging.Err(err))
			continue
		}
		keys = append(keys, cachedKey{kid: k.Kid, public: pub, rotatedAt: k.RotatedAt})
	}
	s.keys = keys
	s.loadedAt = now
	return keys, true, nil
}

func (s *Service) expired(k *domain.Key, now time.Time) bool {
	return s.cfg.Retention > 0 && k.RotatedAt != nil && now.Sub(*k.RotatedAt) > s.cfg.Retention
}

func (s *Service) invalidate() {
	s.mu.Lock()
	s.keys = nil
	s.mu.Unlock()
}

// JWK is one RFC 7517 public key.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	Kid string `json:"kid"`
	Alg string `json:"alg"`
	Use string `json:"use"`
}

// JWKSet is the document served at /.well-known/jwks.json.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// JWKS returns the public halves of all verification keys.
func (s *Service) JWKS(ctx context.Context) (JWKSet, error) {
	keys, _, err := s.publicKeys(ctx, false)
	if err != nil {
		return JWKSet{}, err
	}
	set := JWKSet{Keys: make([]JWK, 0, len(keys))}
	for _, k := range keys {
		ec, ok := k.public.(*ecdsa.PublicKey)
		if !ok {
			continue
		}
		set.Keys = append(set.Keys, ecJWK(k.kid, ec))
	}
	return set, nil
}
