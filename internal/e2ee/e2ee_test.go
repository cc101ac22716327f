package e2ee

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T, passphrase string) *Cipher {
	t.Helper()
	c, err := New(Options{Passphrase: passphrase, Salt: []byte("0123456789abcdef"), Iterations: 1000})
	require.NoError(t, err)
	return c
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := newTestCipher(t, "correct horse")
	for _, plain := range []string{"", "hello", "# Heading\n\nnon-ascii: żółw 🐢"} {
		enc, err := c.Encrypt(plain)
		require.NoError(t, err)
		assert.True(t, IsEncrypted(enc))
		got, err := c.Decrypt(enc)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestEncryptUsesFreshSalt(t *testing.T) {
	c := newTestCipher(t, "pw")
	a, err := c.Encrypt("same")
	require.NoError(t, err)
	b, err := c.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDecryptPassesThroughPlainStrings(t *testing.T) {
	c := newTestCipher(t, "pw")
	got, err := c.Decrypt("notes/plain.md")
	require.NoError(t, err)
	assert.Equal(t, "notes/plain.md", got)
}

func TestDecryptWrongPassphrase(t *testing.T) {
	enc, err := newTestCipher(t, "right").Encrypt("secret")
	require.NoError(t, err)

	_, err = newTestCipher(t, "wrong").Decrypt(enc)
	assert.True(t, errors.Is(err, ErrDecrypt))
}

func TestDecryptMalformedPayloads(t *testing.T) {
	c := newTestCipher(t, "pw")
	cases := map[string]string{
		"bad base64": Prefix + "!!!",
		"too short":  Prefix + base64.StdEncoding.EncodeToString([]byte("short")),
		"no tag":     Prefix + base64.StdEncoding.EncodeToString(make([]byte, ivSize+hkdfSaltSize+4)),
	}
	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := c.Decrypt(input)
			assert.True(t, errors.Is(err, ErrDecrypt), "got %v", err)
		})
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	c := newTestCipher(t, "pw")
	enc, err := c.Encrypt("payload")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(enc[len(Prefix):])
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff

	_, err = c.Decrypt(Prefix + base64.StdEncoding.EncodeToString(raw))
	assert.True(t, errors.Is(err, ErrDecrypt))
}

func TestSaltChangesMasterKey(t *testing.T) {
	a, err := New(Options{Passphrase: "pw", Salt: []byte("salt-a"), Iterations: 1000})
	require.NoError(t, err)
	b, err := New(Options{Passphrase: "pw", Iterations: 1000})
	require.NoError(t, err)

	enc, err := a.Encrypt("x")
	require.NoError(t, err)
	_, err = b.Decrypt(enc)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestNewRequiresPassphrase(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestCheckAlgorithm(t *testing.T) {
	assert.NoError(t, CheckAlgorithm(AlgorithmAESGCMV2))
	assert.Error(t, CheckAlgorithm("AES-CBC"))
	assert.Error(t, CheckAlgorithm(""))
}

// Produced by the LiveSync HKDF scheme (WebCrypto PBKDF2 310000 rounds,
// HKDF-SHA256 with empty info, AES-GCM) with fixed iv and HKDF salt.
const (
	liveSyncPassphrase = "correct horse battery staple"
	liveSyncSalt       = "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="
	liveSyncBody       = "%=ZGVmZ2hpamtsbW5vyMnKy8zNzs/Q0dLT1NXW19jZ2tvc3d7f4OHi4+Tl5udnvUUQrGuuI5hMY+V0lrDpUytyLVxq4kkSkqFTC7Myo5rrPivUfowMAUej67D3fqpY250="
)

func TestDecryptLiveSyncPayload(t *testing.T) {
	salt, err := base64.StdEncoding.DecodeString(liveSyncSalt)
	require.NoError(t, err)
	c, err := New(Options{Passphrase: liveSyncPassphrase, Salt: salt})
	require.NoError(t, err)

	got, err := c.Decrypt(liveSyncBody)
	require.NoError(t, err)
	assert.Equal(t, "# Secret note\n\nhello from livesync\n", got)

	// The iv leads the payload, so our own output has the same shape.
	enc, err := c.Encrypt("again")
	require.NoError(t, err)
	raw, err := base64.StdEncoding.DecodeString(enc[len(Prefix):])
	require.NoError(t, err)
	assert.Len(t, raw, ivSize+hkdfSaltSize+len("again")+16)
}
