package encryption

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"identity-service/internal/config"
	"identity-service/internal/util"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"go.uber.org/zap"
)

var (
	ErrEncryptionFailed = errors.New("encryption failed")
	ErrDecryptionFailed = errors.New("decryption failed")
)

const envelopeVersion = "v1"

// Manager envelope-encrypts TOTP secrets before they reach storage.
// With KMS enabled each secret gets a KMS-generated data key; otherwise
// a locally generated key is used (the encrypted DEK is then just the
// base64 of the key, acceptable only outside production).
type Manager struct {
	kmsClient *kms.Client
	config    *config.Config
	keyCache  sync.Map // encrypted DEK -> plaintext DEK
}

type dataKey struct {
	Plaintext  []byte
	Ciphertext []byte
	KeyID      string
}

func NewManager(cfg *config.Config, kmsClient *kms.Client) *Manager {
	return &Manager{
		kmsClient: kmsClient,
		config:    cfg,
	}
}

func (m *Manager) generateDataKey(ctx context.Context) (*dataKey, error) {
	if !m.config.KMS.Enabled || m.kmsClient == nil {
		return m.generateLocalKey()
	}

	result, err := m.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(m.config.KMS.KeyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	return &dataKey{
		Plaintext:  result.Plaintext,
		Ciphertext: result.CiphertextBlob,
		KeyID:      m.config.KMS.KeyID,
	}, nil
}

func (m *Manager) generateLocalKey() (*dataKey, error) {
	key := make([]byte, 32) // AES-256
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate local key: %w", err)
	}

	return &dataKey{
		Plaintext:  key,
		Ciphertext: []byte(base64.StdEncoding.EncodeToString(key)),
		KeyID:      "local",
	}, nil
}

// EncryptSecret seals a TOTP secret into a single storable string:
// "v1$<encrypted-dek>$<ciphertext>". The key id is returned separately
// for the account row.
func (m *Manager) EncryptSecret(ctx context.Context, plaintext string) (sealed string, keyID string, err error) {
	dk, err := m.generateDataKey(ctx)
	if err != nil {
		return "", "", err
	}

	block, err := aes.NewCipher(dk.Plaintext)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrEncryptionFailed, err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	encDEK := base64.StdEncoding.EncodeToString(dk.Ciphertext)
	m.keyCache.Store(encDEK, dk.Plaintext)

	sealed = strings.Join([]string{
		envelopeVersion,
		encDEK,
		base64.StdEncoding.EncodeToString(ciphertext),
	}, "$")

	return sealed, dk.KeyID, nil
}

// DecryptSecret opens a sealed TOTP secret.
func (m *Manager) DecryptSecret(ctx context.Context, sealed string) (string, error) {
	parts := strings.SplitN(sealed, "$", 3)
	if len(parts) != 3 || parts[0] != envelopeVersion {
		return "", fmt.Errorf("%w: malformed envelope", ErrDecryptionFailed)
	}
	encDEK, encValue := parts[1], parts[2]

	if cached, ok := m.keyCache.Load(encDEK); ok {
		return m.decryptWithKey(encValue, cached.([]byte))
	}

	var plaintextDEK []byte
	if m.config.KMS.Enabled && m.kmsClient != nil {
		blob, err := base64.StdEncoding.DecodeString(encDEK)
		if err != nil {
			return "", fmt.Errorf("%w: invalid DEK format", ErrDecryptionFailed)
		}

		result, err := m.kmsClient.Decrypt(ctx, &kms.DecryptInput{CiphertextBlob: blob})
		if err != nil {
			return "", fmt.Errorf("%w: failed to decrypt DEK: %v", ErrDecryptionFailed, err)
		}
		plaintextDEK = result.Plaintext
	} else {
		var err error
		plaintextDEK, err = base64.StdEncoding.DecodeString(encDEK)
		if err != nil {
			return "", fmt.Errorf("%w: invalid local DEK", ErrDecryptionFailed)
		}
	}

	m.keyCache.Store(encDEK, plaintextDEK)

	return m.decryptWithKey(encValue, plaintextDEK)
}

func (m *Manager) decryptWithKey(encValue string, key []byte) (string, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encValue)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext format", ErrDecryptionFailed)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", ErrDecryptionFailed)
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	return string(plaintext), nil
}

// ClearCache drops all cached plaintext DEKs.
func (m *Manager) ClearCache() {
	m.keyCache.Range(func(key, _ interface{}) bool {
		m.keyCache.Delete(key)
		return true
	})
	util.Debug("Encryption key cache cleared", zap.Bool("kms_enabled", m.config.KMS.Enabled))
}
