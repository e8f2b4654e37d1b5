package billing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"
)

const DefaultTolerance = 300 * time.Second

var (
	ErrMissingSignature = errors.New("billing: missing stripe signature")
	ErrInvalidSignature = errors.New("billing: stripe signature mismatch")
	ErrStaleSignature   = errors.New("billing: stripe signature outside tolerance")
)

// Verifier checks Stripe-Signature headers (scheme v1: HMAC-SHA256 over
// "<t>.<body>").
type Verifier struct {
	Secret    string
	Tolerance time.Duration
	Now       func() time.Time
}

func (v *Verifier) Verify(body []byte, header string) error {
	ts, sigs := parseSignatureHeader(header)
	unix, err := strconv.ParseInt(ts, 10, 64)
	if err != nil || unix <= 0 || len(sigs) == 0 {
		return ErrMissingSignature
	}
	expected := Sign(v.Secret, unix, body)
	valid := false
	for _, s := range sigs {
		decoded, err := hex.DecodeString(s)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, decoded) {
			valid = true
			break
		}
	}
	if !valid {
		return ErrInvalidSignature
	}
	tolerance := v.Tolerance
	if tolerance == 0 {
		tolerance = DefaultTolerance
	}
	now := time.Now
	if v.Now != nil {
		now = v.Now
	}
	skew := now().Sub(time.Unix(unix, 0))
	if skew < 0 {
		skew = -skew
	}
	if tolerance > 0 && skew > tolerance {
		return ErrStaleSignature
	}
	return nil
}

// Sign computes the raw v1 signature of body at timestamp t.
func Sign(secret string, t int64, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(t, 10)))
	mac.Write([]byte{'.'})
	mac.Write(body)
	return mac.Sum(nil)
}

// SignatureHeader formats a Stripe-Signature header value.
func SignatureHeader(secret string, t int64, body []byte) string {
	return "t=" + strconv.FormatInt(t, 10) + ",v1=" + hex.EncodeToString(Sign(secret, t, body))
}

func parseSignatureHeader(header string) (string, []string) {
	var t string
	var v1 []string
	for _, part := range strings.Split(header, ",") {
		k, val, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		k, val = strings.TrimSpace(k), strings.TrimSpace(val)
		switch {
		case k == "t" && t == "":
			t = val
		case k == "v1" && val != "":
			v1 = append(v1, val)
		}
	}
	return t, v1
}
