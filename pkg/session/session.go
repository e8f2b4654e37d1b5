package session

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Status tags a Validation.
type Status int

const (
	NoSession Status = iota
	Invalid
	Valid
)

func (s Status) String() string {
	switch s {
	case NoSession:
		return "no-session"
	case Invalid:
		return "invalid-session"
	case Valid:
		return "valid"
	}
	return "unknown"
}

// Validation is the result of checking a session key. Only Valid carries
// identity fields.
type Validation struct {
	Status           Status
	UserID           string
	Role             string
	SubscriptionTier string
	// Reason explains an Invalid status, for logs only.
	Reason string
}

func (v Validation) IsValid() bool { return v.Status == Valid }

// Validator resolves a raw session key.
type Validator interface {
	Validate(ctx context.Context, sessionKey string) Validation
}

// Revocations is the subset of the cache used to look up revoked sessions.
type Revocations interface {
	Get(ctx context.Context, key string) (string, error)
}

// Claims is the payload of an HS256 session key.
type Claims struct {
	Sub       string `json:"sub"`
	Role      string `json:"role,omitempty"`
	Tier      string `json:"tier,omitempty"`
	SessionID string `json:"sid,omitempty"`
	Iss       string `json:"iss,omitempty"`
	Exp       int64  `json:"exp"`
	Nbf       int64  `json:"nbf,omitempty"`
	Iat       int64  `json:"iat,omitempty"`
}

// HS256Validator verifies HMAC-signed session keys.
type HS256Validator struct {
	Secret  string
	Issuer  string
	Revoked Revocations
	Now     func() time.Time
}

func NewHS256Validator(secret, issuer string, revoked Revocations) *HS256Validator {
	return &HS256Validator{Secret: secret, Issuer: issuer, Revoked: revoked, Now: func() time.Time { return time.Now().UTC() }}
}

func (v *HS256Validator) Validate(ctx context.Context, sessionKey string) Validation {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return Validation{Status: NoSession}
	}
	now := time.Now().UTC()
	if v.Now != nil {
		now = v.Now()
	}
	claims, err := VerifyHS256(sessionKey, v.Secret, now, v.Issuer)
	if err != nil {
		return Validation{Status: Invalid, Reason: err.Error()}
	}
	if v.Revoked != nil && claims.SessionID != "" {
		_, err := v.Revoked.Get(ctx, RevocationKey(claims.SessionID))
		switch {
		case err == nil:
			return Validation{Status: Invalid, Reason: "session revoked"}
		case !errors.Is(err, redis.Nil):
			return Validation{Status: Invalid, Reason: "revocation lookup failed"}
		}
	}
	role := claims.Role
	if role == "" {
		role = "none"
	}
	return Validation{Status: Valid, UserID: claims.Sub, Role: role, SubscriptionTier: claims.Tier}
}

// RevocationKey is the cache key marking a session id as revoked.
func RevocationKey(sessionID string) string {
	return "session:revoked:" + sessionID
}

// FromAuthorization extracts a bearer session key. Anything else yields "".
func FromAuthorization(header string) string {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return ""
	}
	return strings.TrimSpace(header[len("Bearer "):])
}

// SignHS256 mints a session key for claims.
func SignHS256(claims Claims, secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	headerRaw, _ := json.Marshal(map[string]string{"alg": "HS256", "typ": "JWT"})
	payloadRaw, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	h := base64.RawURLEncoding.EncodeToString(headerRaw)
	p := base64.RawURLEncoding.EncodeToString(payloadRaw)
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(h + "." + p))
	return h + "." + p + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil)), nil
}

func VerifyHS256(token, secret string, now time.Time, issuer string) (Claims, error) {
	if secret == "" {
		return Claims{}, errors.New("secret is required")
	}
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return Claims{}, errors.New("invalid token format")
	}
	headerRaw, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return Claims{}, err
	}
	payloadRaw, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return Claims{}, err
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil {
		return Claims{}, err
	}
	var header struct {
		Alg string `json:"alg"`
	}
	if err := json.Unmarshal(headerRaw, &header); err != nil {
		return Claims{}, err
	}
	if strings.ToUpper(header.Alg) != "HS256" {
		return Claims{}, errors.New("unsupported alg")
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(parts[0] + "." + parts[1]))
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return Claims{}, errors.New("signature mismatch")
	}
	var claims Claims
	if err := json.Unmarshal(payloadRaw, &claims); err != nil {
		return Claims{}, err
	}
	if claims.Exp == 0 || now.Unix() >= claims.Exp {
		return Claims{}, errors.New("token expired")
	}
	if claims.Nbf != 0 && now.Unix() < claims.Nbf {
		return Claims{}, errors.New("token not active")
	}
	if claims.Sub == "" {
		return Claims{}, errors.New("subject required")
	}
	if issuer != "" && claims.Iss != issuer {
		return Claims{}, errors.New("issuer mismatch")
	}
	return claims, nil
}
