package auth

import (
	"errors"
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
)

// VerifyErrorKind classifies verification failures. Callers branch on the
// kind, never on message text.
type VerifyErrorKind int

const (
	Malformed VerifyErrorKind = iota
	UnknownKey
	BadSignature
	Expired
	WrongIssuer
	ClockSkew
)

func (k VerifyErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case UnknownKey:
		return "unknown_key"
	case BadSignature:
		return "bad_signature"
	case Expired:
		return "expired"
	case WrongIssuer:
		return "wrong_issuer"
	case ClockSkew:
		return "clock_skew"
	default:
		return "unknown"
	}
}

// VerifyError is a typed verification failure. Messages never include token
// bodies or key material.
type VerifyError struct {
	Kind VerifyErrorKind
}

func (e *VerifyError) Error() string {
	return fmt.Sprintf("token verification failed: %s", e.Kind)
}

// Claims is the decoded, validated payload of a portal token.
type Claims struct {
	Subject  string
	Roles    []string
	Issuer   string
	IssuedAt time.Time
	NotAfter time.Time
}

// jwtClaims is the wire shape of the portal JWT payload.
type jwtClaims struct {
	Roles []string `json:"roles,omitempty"`
	jwtlib.RegisteredClaims
}

// Verifier validates portal JWTs against a keyset. It performs no I/O and is
// deterministic given its clock.
type Verifier struct {
	keys    *Keyset
	issuers map[string]struct{}
	skew    time.Duration
	now     func() time.Time
}

// DefaultClockSkew is the tolerance applied to issued-at checks.
const DefaultClockSkew = 60 * time.Second

// NewVerifier creates a verifier accepting tokens signed by keys and issued
// by one of issuers. An empty issuer list accepts any issuer.
func NewVerifier(keys *Keyset, issuers []string) *Verifier {
	set := make(map[string]struct{}, len(issuers))
	for _, iss := range issuers {
		set[iss] = struct{}{}
	}
	return &Verifier{
		keys:    keys,
		issuers: set,
		skew:    DefaultClockSkew,
		now:     time.Now,
	}
}

// WithClock overrides the verifier's clock, for tests.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// Verify decodes and validates tokenStr. On failure the returned error is a
// *VerifyError carrying one of the six kinds.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	claims := &jwtClaims{}

	parsed, err := jwtlib.ParseWithClaims(tokenStr, claims, v.keyFunc,
		jwtlib.WithValidMethods([]string{"HS256", "RS256"}),
		// Time and issuer checks happen below so failures map to kinds.
		jwtlib.WithoutClaimsValidation(),
	)
	if err != nil {
		return nil, classifyParseError(err)
	}
	if !parsed.Valid {
		return nil, &VerifyError{Kind: BadSignature}
	}

	if claims.Subject == "" || claims.ExpiresAt == nil || claims.IssuedAt == nil {
		return nil, &VerifyError{Kind: Malformed}
	}

	now := v.now()
	// A token exactly at notAfter is already expired.
	if !now.Before(claims.ExpiresAt.Time) {
		return nil, &VerifyError{Kind: Expired}
	}
	if claims.IssuedAt.Time.After(now.Add(v.skew)) {
		return nil, &VerifyError{Kind: ClockSkew}
	}

	if len(v.issuers) > 0 {
		if _, ok := v.issuers[claims.Issuer]; !ok {
			return nil, &VerifyError{Kind: WrongIssuer}
		}
	}

	return &Claims{
		Subject:  claims.Subject,
		Roles:    claims.Roles,
		Issuer:   claims.Issuer,
		IssuedAt: claims.IssuedAt.Time,
		NotAfter: claims.ExpiresAt.Time,
	}, nil
}

// keyFunc selects the verifying key by the token's kid header.
func (v *Verifier) keyFunc(t *jwtlib.Token) (interface{}, error) {
	kid, _ := t.Header["kid"].(string)
	key, ok := v.keys.Lookup(kid)
	if !ok {
		return nil, &VerifyError{Kind: UnknownKey}
	}

	switch t.Method.Alg() {
	case "HS256":
		if key.Secret == nil {
			return nil, &VerifyError{Kind: UnknownKey}
		}
		return key.Secret, nil
	case "RS256":
		if key.Public == nil {
			return nil, &VerifyError{Kind: UnknownKey}
		}
		return key.Public, nil
	default:
		return nil, &VerifyError{Kind: BadSignature}
	}
}

func classifyParseError(err error) error {
	var ve *VerifyError
	if errors.As(err, &ve) {
		return ve
	}
	switch {
	case errors.Is(err, jwtlib.ErrTokenMalformed):
		return &VerifyError{Kind: Malformed}
	case errors.Is(err, jwtlib.ErrTokenSignatureInvalid):
		return &VerifyError{Kind: BadSignature}
	case errors.Is(err, jwtlib.ErrTokenUnverifiable):
		return &VerifyError{Kind: UnknownKey}
	default:
		return &VerifyError{Kind: Malformed}
	}
}

// HasRole reports whether the claims include the given role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}
