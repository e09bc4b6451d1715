package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"ticket-service/internal/models"
)

// DefaultTolerance bounds how old a callback timestamp may be
const DefaultTolerance = 5 * time.Minute

// SignatureVerifier authenticates provider callbacks. The provider signs
// "id:<data.id>;request-id:<x-request-id>;ts:<ts>;" with HMAC-SHA256 and sends
// "ts=<ts>,v1=<hex>" in the x-signature header.
type SignatureVerifier struct {
	secret    []byte
	tolerance time.Duration
	now       func() time.Time
}

// NewSignatureVerifier creates a verifier. The secret must not be empty.
func NewSignatureVerifier(secret string, tolerance time.Duration) (*SignatureVerifier, error) {
	if secret == "" {
		return nil, errors.New("payment: webhook secret is empty")
	}
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	return &SignatureVerifier{secret: []byte(secret), tolerance: tolerance, now: time.Now}, nil
}

// WithClock replaces the verifier's time source
func (v *SignatureVerifier) WithClock(now func() time.Time) *SignatureVerifier {
	v.now = now
	return v
}

func manifest(dataID, requestID, ts string) string {
	var b strings.Builder
	if dataID != "" {
		b.WriteString("id:" + strings.ToLower(dataID) + ";")
	}
	if requestID != "" {
		b.WriteString("request-id:" + requestID + ";")
	}
	b.WriteString("ts:" + ts + ";")
	return b.String()
}

func (v *SignatureVerifier) mac(m string) []byte {
	h := hmac.New(sha256.New, v.secret)
	h.Write([]byte(m))
	return h.Sum(nil)
}

// Sign builds an x-signature header value for the given callback
func (v *SignatureVerifier) Sign(dataID, requestID string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	return "ts=" + ts + ",v1=" + hex.EncodeToString(v.mac(manifest(dataID, requestID, ts)))
}

// Verify checks the x-signature header against the callback's data id and
// request id. A bad MAC yields ErrInvalidSignature; a timestamp outside the
// tolerance window yields ErrStaleSignature.
func (v *SignatureVerifier) Verify(header, requestID, dataID string) error {
	var ts, sig string
	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "ts":
			ts = strings.TrimSpace(value)
		case "v1":
			sig = strings.TrimSpace(value)
		}
	}
	if ts == "" || sig == "" {
		return fmt.Errorf("%w: malformed header", models.ErrInvalidSignature)
	}

	got, err := hex.DecodeString(sig)
	if err != nil {
		return fmt.Errorf("%w: malformed digest", models.ErrInvalidSignature)
	}
	if !hmac.Equal(got, v.mac(manifest(dataID, requestID, ts))) {
		return models.ErrInvalidSignature
	}

	raw, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: malformed timestamp", models.ErrInvalidSignature)
	}
	var signedAt time.Time
	if raw > 1e12 {
		signedAt = time.UnixMilli(raw)
	} else {
		signedAt = time.Unix(raw, 0)
	}

	age := v.now().Sub(signedAt)
	if age < 0 {
		age = -age
	}
	if age > v.tolerance {
		return fmt.Errorf("%w: age %s", models.ErrStaleSignature, age.Round(time.Second))
	}
	return nil
}
