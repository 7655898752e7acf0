package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"identity-service/internal/config"
	"identity-service/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash = errors.New("invalid hash format")
)

const hashAlgorithm = "argon2id-v1"

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Hasher derives argon2id hashes for passwords and recovery codes. The
// pepper is a server-side secret from configuration; recovery-code
// hashes additionally mix in the owning account id so identical codes
// on two accounts never share a hash.
type Hasher struct {
	params Argon2Params
	pepper string
}

// HashedValue carries the pieces needed to verify later.
type HashedValue struct {
	Hash string
	Salt string
}

func NewHasher(cfg *config.Config) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}

	pepper := cfg.Auth.RecoveryPepper
	if pepper == "" {
		// Development fallback; production config refuses an empty pepper.
		pepperBytes := make([]byte, 32)
		if _, err := rand.Read(pepperBytes); err != nil {
			util.Fatal("Failed to generate fallback pepper", zap.Error(err))
		}
		pepper = base64.RawURLEncoding.EncodeToString(pepperBytes)
		util.Warn("RECOVERY_CODE_PEPPER not set, using an ephemeral pepper")
	}

	return &Hasher{
		params: params,
		pepper: pepper,
	}
}

// HashPassword returns a single packed string suitable for the account
// row: "argon2id-v1$<salt>$<hash>".
func (h *Hasher) HashPassword(password string) (string, error) {
	hv, err := h.hashWithScope(password, "password")
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s$%s$%s", hashAlgorithm, hv.Salt, hv.Hash), nil
}

// VerifyPassword checks a candidate password against a packed hash.
func (h *Hasher) VerifyPassword(password, packed string) (bool, error) {
	parts := strings.Split(packed, "$")
	if len(parts) != 3 || parts[0] != hashAlgorithm {
		return false, ErrInvalidHash
	}
	return h.verifyWithScope(password, &HashedValue{Salt: parts[1], Hash: parts[2]}, "password")
}

// HashRecoveryCode hashes a normalized recovery code scoped to its
// account.
func (h *Hasher) HashRecoveryCode(code, accountID string) (*HashedValue, error) {
	return h.hashWithScope(code, "recovery:"+accountID)
}

// VerifyRecoveryCode checks a candidate code against one stored entry.
func (h *Hasher) VerifyRecoveryCode(code, accountID string, hv *HashedValue) (bool, error) {
	return h.verifyWithScope(code, hv, "recovery:"+accountID)
}

func (h *Hasher) hashWithScope(data, scope string) (*HashedValue, error) {
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	// Scope prevents hash reuse between different purposes.
	scoped := data + h.pepper + scope

	hash := argon2.IDKey(
		[]byte(scoped),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	return &HashedValue{
		Hash: base64.RawURLEncoding.EncodeToString(hash),
		Salt: base64.RawURLEncoding.EncodeToString(salt),
	}, nil
}

func (h *Hasher) verifyWithScope(data string, hv *HashedValue, scope string) (bool, error) {
	salt, err := base64.RawURLEncoding.DecodeString(hv.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}

	expected, err := base64.RawURLEncoding.DecodeString(hv.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	scoped := data + h.pepper + scope

	computed := argon2.IDKey(
		[]byte(scoped),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		uint32(len(expected)),
	)

	return subtle.ConstantTimeCompare(computed, expected) == 1, nil
}
