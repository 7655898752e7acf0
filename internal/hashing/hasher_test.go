package hashing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"identity-service/internal/config"
)

func testHasher() *Hasher {
	return NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
		Auth: config.AuthConfig{
			RecoveryPepper: "test-pepper",
		},
	})
}

func TestPasswordRoundTrip(t *testing.T) {
	h := testHasher()

	packed, err := h.HashPassword("correct-horse-battery")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(packed, "argon2id-v1$"))

	ok, err := h.VerifyPassword("correct-horse-battery", packed)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyPassword("wrong-password", packed)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashPasswordSaltsDiffer(t *testing.T) {
	h := testHasher()

	first, err := h.HashPassword("same-password")
	require.NoError(t, err)
	second, err := h.HashPassword("same-password")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestVerifyPasswordMalformedHash(t *testing.T) {
	h := testHasher()

	for _, packed := range []string{"", "garbage", "md5$abc$def", "argon2id-v1$only-two"} {
		_, err := h.VerifyPassword("whatever", packed)
		assert.ErrorIs(t, err, ErrInvalidHash, packed)
	}
}

func TestRecoveryCodeRoundTrip(t *testing.T) {
	h := testHasher()

	hv, err := h.HashRecoveryCode("3F2A9B1CD4E5F607", "acct-1")
	require.NoError(t, err)

	ok, err := h.VerifyRecoveryCode("3F2A9B1CD4E5F607", "acct-1", hv)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.VerifyRecoveryCode("0000000000000000", "acct-1", hv)
	require.NoError(t, err)
	assert.False(t, ok)
}

// The account id scopes the hash: the same code on another account
// never verifies against this entry.
func TestRecoveryCodeIsAccountScoped(t *testing.T) {
	h := testHasher()

	hv, err := h.HashRecoveryCode("3F2A9B1CD4E5F607", "acct-1")
	require.NoError(t, err)

	ok, err := h.VerifyRecoveryCode("3F2A9B1CD4E5F607", "acct-2", hv)
	require.NoError(t, err)
	assert.False(t, ok)
}

// Different peppers produce incompatible hashes even with everything
// else equal.
func TestPepperChangesInvalidateHashes(t *testing.T) {
	h := testHasher()
	packed, err := h.HashPassword("correct-horse-battery")
	require.NoError(t, err)

	other := NewHasher(&config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8 * 1024,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
		Auth: config.AuthConfig{
			RecoveryPepper: "a-different-pepper",
		},
	})
	ok, err := other.VerifyPassword("correct-horse-battery", packed)
	require.NoError(t, err)
	assert.False(t, ok)
}
