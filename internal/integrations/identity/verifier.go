package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Sentinel failures of the verifier boundary. Callers map these onto the
// client-facing auth error reasons.
var (
	ErrTokenMissing = errors.New("identity: token missing")
	ErrTokenInvalid = errors.New("identity: token invalid")
)

// Identity is the verified subject extracted from a session token.
type Identity struct {
	UserID        string
	Email         string
	Name          string
	EmailVerified bool
}

// Getter is the parameter retrieval interface the verifier pulls its
// signing secret from. *paramstore.Client satisfies it.
type Getter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// secretPayload is the expected JSON shape stored in SSM for the secret.
type secretPayload struct {
	Secret string `json:"secret"`
}

// sessionClaims is the token claim set. The subject claim carries the user
// id, matching the identity provider's sub attribute.
type sessionClaims struct {
	Email         string `json:"email"`
	Name          string `json:"name,omitempty"`
	EmailVerified bool   `json:"email_verified"`
	jwt.RegisteredClaims
}

// Verifier validates bearer session tokens signed with HMAC-SHA256. The
// signing secret comes either from the parameter store, fetched once on
// first use and cached for the process lifetime, or from a static secret
// for local development.
type Verifier struct {
	getter    Getter
	paramName string

	secretOnce sync.Once
	secret     []byte
	secretErr  error
}

type Option func(*Verifier)

// WithStaticSecret bypasses the parameter store entirely.
func WithStaticSecret(secret []byte) Option {
	return func(v *Verifier) {
		if len(secret) == 0 {
			return
		}
		v.secretOnce.Do(func() {
			v.secret = secret
		})
	}
}

// New creates a Verifier. Either a parameter store getter with a parameter
// name or a static secret must be provided.
func New(ps Getter, paramName string, opts ...Option) (*Verifier, error) {
	v := &Verifier{
		getter:    ps,
		paramName: strings.TrimSpace(paramName),
	}
	for _, opt := range opts {
		opt(v)
	}
	if len(v.secret) == 0 {
		if ps == nil {
			return nil, errors.New("identity: paramstore getter must not be nil")
		}
		if v.paramName == "" {
			return nil, errors.New("identity: secret parameter name must not be empty")
		}
	}
	return v, nil
}

// Verify checks credential, which may carry a "Bearer " prefix, and returns
// the identity it asserts. Failures are ErrTokenMissing or ErrTokenInvalid;
// any other error means the secret could not be resolved.
func (v *Verifier) Verify(ctx context.Context, credential string) (Identity, error) {
	raw := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(credential), "Bearer "))
	if raw == "" {
		return Identity{}, ErrTokenMissing
	}

	secret, err := v.resolveSecret(ctx)
	if err != nil {
		return Identity{}, err
	}

	token, err := jwt.ParseWithClaims(raw, &sessionClaims{}, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*sessionClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return Identity{}, ErrTokenInvalid
	}
	return Identity{
		UserID:        claims.Subject,
		Email:         claims.Email,
		Name:          claims.Name,
		EmailVerified: claims.EmailVerified,
	}, nil
}

// Mint signs a token asserting id. Intended for local development and
// tests; production tokens come from the identity provider.
func (v *Verifier) Mint(ctx context.Context, id Identity, ttl time.Duration) (string, error) {
	if id.UserID == "" {
		return "", errors.New("identity: userID must not be empty")
	}
	secret, err := v.resolveSecret(ctx)
	if err != nil {
		return "", err
	}

	now := time.Now()
	claims := &sessionClaims{
		Email:         id.Email,
		Name:          id.Name,
		EmailVerified: id.EmailVerified,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("identity: sign token: %w", err)
	}
	return signed, nil
}

// resolveSecret fetches the signing secret on the first call and returns
// the cached result on every subsequent call within the same process.
func (v *Verifier) resolveSecret(ctx context.Context) ([]byte, error) {
	v.secretOnce.Do(func() {
		v.secret, v.secretErr = fetchSecretFromParamStore(ctx, v.getter, v.paramName)
	})
	if v.secretErr != nil {
		return nil, v.secretErr
	}
	return v.secret, nil
}

func fetchSecretFromParamStore(ctx context.Context, getter Getter, name string) ([]byte, error) {
	if getter == nil {
		return nil, errors.New("identity: paramstore getter is nil")
	}
	raw, err := getter.GetParameter(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("identity: fetch secret from paramstore: %w", err)
	}
	var sp secretPayload
	if err := json.Unmarshal([]byte(raw), &sp); err != nil {
		return nil, fmt.Errorf("identity: unmarshal paramstore secret value as JSON: %w", err)
	}
	if sp.Secret == "" {
		return nil, errors.New("identity: secret is empty")
	}
	return []byte(sp.Secret), nil
}
