// Package tokens signs and verifies the two bearer credentials the service
// hands out: ticket redemption tokens and order access tokens.
package tokens

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"ticket-service/internal/models"

	"github.com/fxamacker/cbor/v2"
)

// macSize is the fixed size of an HMAC-SHA256 tag
const macSize = sha256.Size

const separator = '.'

// TicketClaims is the CBOR payload of a ticket token
type TicketClaims struct {
	// Code is the unique redemption code stored on the ticket row.
	Code string `cbor:"1,keyasint"`

	CategoryID   int64 `cbor:"2,keyasint"`
	OccurrenceID int64 `cbor:"3,keyasint"`
}

// TicketSigner mints and verifies ticket tokens with a server-only secret
type TicketSigner struct {
	secret []byte
}

// NewTicketSigner creates a signer. The secret must not be empty.
func NewTicketSigner(secret string) (*TicketSigner, error) {
	if secret == "" {
		return nil, errors.New("tokens: ticket signing secret is empty")
	}
	return &TicketSigner{secret: []byte(secret)}, nil
}

func (s *TicketSigner) mac(payload []byte) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write(payload)
	return h.Sum(nil)
}

// Sign returns base64url(payload || "." || HMAC-SHA256(secret, payload))
func (s *TicketSigner) Sign(claims TicketClaims) (string, error) {
	payload, err := cbor.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("tokens: encoding ticket payload: %w", err)
	}

	raw := make([]byte, 0, len(payload)+1+macSize)
	raw = append(raw, payload...)
	raw = append(raw, separator)
	raw = append(raw, s.mac(payload)...)

	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Verify decodes token, recomputes the HMAC over its payload and returns the
// claims. Any mismatch is reported as models.ErrInvalidToken.
func (s *TicketSigner) Verify(token string) (*TicketClaims, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, models.ErrInvalidToken
	}
	// The tag has a fixed size, so split from the end; the payload itself may
	// contain the separator byte.
	if len(raw) <= macSize+1 {
		return nil, models.ErrInvalidToken
	}
	splitPoint := len(raw) - macSize - 1
	if raw[splitPoint] != separator {
		return nil, models.ErrInvalidToken
	}
	payload := raw[:splitPoint]
	tag := raw[splitPoint+1:]

	if !hmac.Equal(tag, s.mac(payload)) {
		return nil, models.ErrInvalidToken
	}

	var claims TicketClaims
	if err := cbor.Unmarshal(payload, &claims); err != nil {
		return nil, models.ErrInvalidToken
	}
	if claims.Code == "" {
		return nil, models.ErrInvalidToken
	}
	return &claims, nil
}
