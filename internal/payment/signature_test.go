package payment

import (
	"encoding/hex"
	"strconv"
	"testing"
	"time"

	"ticket-service/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedVerifier(t *testing.T, now time.Time) *SignatureVerifier {
	t.Helper()
	v, err := NewSignatureVerifier("secret", DefaultTolerance)
	require.NoError(t, err)
	return v.WithClock(func() time.Time { return now })
}

func hexMAC(v *SignatureVerifier, m string) string {
	return hex.EncodeToString(v.mac(m))
}

func TestSignatureVerifier_Valid(t *testing.T) {
	now := time.Unix(1_770_000_000, 0)
	v := fixedVerifier(t, now)

	header := v.Sign("12345", "req-1", now.Add(-time.Minute))
	assert.NoError(t, v.Verify(header, "req-1", "12345"))
}

func TestSignatureVerifier_DataIDIsCaseInsensitive(t *testing.T) {
	now := time.Unix(1_770_000_000, 0)
	v := fixedVerifier(t, now)

	header := v.Sign("ABC", "req-1", now)
	assert.NoError(t, v.Verify(header, "req-1", "abc"))
}

func TestSignatureVerifier_Tampered(t *testing.T) {
	now := time.Unix(1_770_000_000, 0)
	v := fixedVerifier(t, now)
	header := v.Sign("12345", "req-1", now)

	assert.ErrorIs(t, v.Verify(header, "req-1", "12346"), models.ErrInvalidSignature)
	assert.ErrorIs(t, v.Verify(header, "req-2", "12345"), models.ErrInvalidSignature)

	other, err := NewSignatureVerifier("other", DefaultTolerance)
	require.NoError(t, err)
	assert.ErrorIs(t, v.Verify(other.Sign("12345", "req-1", now), "req-1", "12345"), models.ErrInvalidSignature)
}

func TestSignatureVerifier_Malformed(t *testing.T) {
	v := fixedVerifier(t, time.Now())

	for _, header := range []string{"", "garbage", "ts=1", "v1=abcd", "ts=1,v1=zz"} {
		assert.ErrorIs(t, v.Verify(header, "req", "1"), models.ErrInvalidSignature, header)
	}
}

func TestSignatureVerifier_Stale(t *testing.T) {
	now := time.Unix(1_770_000_000, 0)
	v := fixedVerifier(t, now)

	header := v.Sign("12345", "req-1", now.Add(-10*time.Minute))
	assert.ErrorIs(t, v.Verify(header, "req-1", "12345"), models.ErrStaleSignature)

	future := v.Sign("12345", "req-1", now.Add(10*time.Minute))
	assert.ErrorIs(t, v.Verify(future, "req-1", "12345"), models.ErrStaleSignature)
}

func TestSignatureVerifier_MillisecondTimestamp(t *testing.T) {
	now := time.UnixMilli(1_770_000_000_000)
	v := fixedVerifier(t, now)

	ts := strconv.FormatInt(now.UnixMilli(), 10)
	header := "ts=" + ts + ",v1=" + hexMAC(v, manifest("777", "req-ms", ts))
	assert.NoError(t, v.Verify(header, "req-ms", "777"))
}

func TestSignatureVerifier_OptionalParts(t *testing.T) {
	now := time.Unix(1_770_000_000, 0)
	v := fixedVerifier(t, now)

	header := v.Sign("", "", now)
	assert.NoError(t, v.Verify(header, "", ""))
	assert.Equal(t, "ts:1770000000;", manifest("", "", "1770000000"))
	assert.Equal(t, "id:ab;request-id:r;ts:1;", manifest("AB", "r", "1"))
}
