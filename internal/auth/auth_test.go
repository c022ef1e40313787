package auth

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	iss := NewIssuer(time.Hour)
	id := uuid.New()
	tok, err := iss.Issue(id, "abcd", "device-1")
	require.NoError(t, err)

	got, err := iss.Verify(tok, "ABCD", "device-1")
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestTokenBoundToDeviceAndRoom(t *testing.T) {
	iss := NewIssuer(0)
	tok, err := iss.Issue(uuid.New(), "ABCD", "device-1")
	require.NoError(t, err)

	_, err = iss.Verify(tok, "ABCD", "device-2")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = iss.Verify(tok, "WXYZ", "device-1")
	assert.ErrorIs(t, err, ErrInvalidToken)
	_, err = iss.Verify("garbage", "ABCD", "device-1")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenExpiry(t *testing.T) {
	iss := NewIssuer(time.Minute)
	tok, err := iss.Issue(uuid.New(), "ABCD", "fp")
	require.NoError(t, err)
	iss.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = iss.Verify(tok, "ABCD", "fp")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestFingerprintDigest(t *testing.T) {
	a := FingerprintDigest("device-1")
	assert.Len(t, a, 64)
	assert.Equal(t, a, FingerprintDigest("device-1"))
	assert.NotEqual(t, a, FingerprintDigest("device-2"))

	fp1, err := NewFingerprint()
	require.NoError(t, err)
	fp2, err := NewFingerprint()
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp2)
}

func TestFileKeystore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "keys.json")
	ks := NewFileKeystore(path)

	_, ok := ks.Get("abcd")
	assert.False(t, ok)
	require.NoError(t, ks.Put("abcd", "tok"))

	reopened := NewFileKeystore(path)
	tok, ok := reopened.Get("ABCD")
	require.True(t, ok)
	assert.Equal(t, "tok", tok)

	fp, err := reopened.Fingerprint()
	require.NoError(t, err)
	again, err := ks.Fingerprint()
	require.NoError(t, err)
	assert.Equal(t, fp, again, "fingerprint is stable")

	require.NoError(t, ks.Delete("abcd"))
	_, ok = reopened.Get("abcd")
	assert.False(t, ok)
}

func TestMemoryKeystore(t *testing.T) {
	var ks Keystore = NewMemoryKeystore()
	require.NoError(t, ks.Put("wxyz", "t1"))
	tok, ok := ks.Get("WXYZ")
	assert.True(t, ok)
	assert.Equal(t, "t1", tok)
	require.NoError(t, ks.Delete("WXYZ"))
	_, ok = ks.Get("wxyz")
	assert.False(t, ok)
}
