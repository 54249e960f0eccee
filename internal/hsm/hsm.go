package hsm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"

	"golang.org/x/crypto/argon2"
)

var (
	ErrCiphertextTooShort = errors.New("ciphertext too short")
	ErrInvalidPINFormat   = errors.New("PIN must be exactly 6 digits")
)

var pinPattern = regexp.MustCompile(`^[0-9]{6}$`)

// Vault defines the secret-handling operations used by the gateway
type Vault interface {
	// Secret storage
	EncryptSecret(aad string, plaintext []byte) ([]byte, error)
	DecryptSecret(aad string, ciphertext []byte) ([]byte, error)
	Fingerprint(secret string) string
	VerifyFingerprint(secret, fingerprint string) bool

	// PIN Operations
	HashPIN(pin string) (string, error)
	VerifyPIN(pin string, hashedPIN string) (bool, error)
}

// SoftHSM implements Vault with a master key derived at startup.
type SoftHSM struct {
	masterKey   []byte
	auditLogger *AuditLogger
}

// Config holds HSM configuration
type Config struct {
	MasterKey   string
	Salt        []byte // Optional: if nil, will be generated
	AuditLogger *AuditLogger
}

// InitHSM derives the master key and returns a ready vault.
func InitHSM(config Config) (*SoftHSM, error) {
	if config.MasterKey == "" {
		return nil, errors.New("Master Key Required")
	}

	salt := config.Salt
	if salt == nil {
		salt = make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return nil, fmt.Errorf("failed to generate salt: %w", err)
		}
	}

	audit := config.AuditLogger
	if audit == nil {
		audit = NewAuditLogger(nil)
	}

	h := &SoftHSM{
		masterKey:   deriveKey(config.MasterKey, salt, 32),
		auditLogger: audit,
	}

	h.auditLogger.LogOperation("system", "HSM_INIT", "vault initialized")
	return h, nil
}

// EncryptSecret seals plaintext with AES-GCM. The aad binds the ciphertext to
// its owner (e.g. the credential's public key) so rows cannot be swapped.
func (h *SoftHSM) EncryptSecret(aad string, plaintext []byte) ([]byte, error) {
	gcm, err := h.gcm()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// nonce || ciphertext
	return gcm.Seal(nonce, nonce, plaintext, []byte(aad)), nil
}

// DecryptSecret opens a value produced by EncryptSecret with the same aad.
func (h *SoftHSM) DecryptSecret(aad string, data []byte) ([]byte, error) {
	gcm, err := h.gcm()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(aad))
	if err != nil {
		h.auditLogger.LogError(aad, "DECRYPT", err)
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

// Fingerprint is the one-way SHA-256 hex of a secret.
func (h *SoftHSM) Fingerprint(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// VerifyFingerprint compares in constant time.
func (h *SoftHSM) VerifyFingerprint(secret, fingerprint string) bool {
	return subtle.ConstantTimeCompare([]byte(h.Fingerprint(secret)), []byte(fingerprint)) == 1
}

// HashPIN hashes a PIN using Argon2id with a random salt
func (h *SoftHSM) HashPIN(pin string) (string, error) {
	if !pinPattern.MatchString(pin) {
		return "", ErrInvalidPINFormat
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey([]byte(pin), salt, 1, 64*1024, 4, 32)

	// salt || hash
	result := make([]byte, len(salt)+len(hash))
	copy(result, salt)
	copy(result[len(salt):], hash)

	return base64.StdEncoding.EncodeToString(result), nil
}

// VerifyPIN verifies a PIN against its hash
func (h *SoftHSM) VerifyPIN(pin string, hashedPIN string) (bool, error) {
	decoded, err := base64.StdEncoding.DecodeString(hashedPIN)
	if err != nil {
		return false, fmt.Errorf("invalid PIN hash format: %w", err)
	}

	if len(decoded) < 16 {
		return false, errors.New("PIN hash too short")
	}

	salt := decoded[:16]
	storedHash := decoded[16:]

	inputHash := argon2.IDKey([]byte(pin), salt, 1, 64*1024, 4, 32)

	return subtle.ConstantTimeCompare(inputHash, storedHash) == 1, nil
}

// ValidPIN reports whether pin has the accepted 6-digit shape.
func ValidPIN(pin string) bool {
	return pinPattern.MatchString(pin)
}

func (h *SoftHSM) gcm() (cipher.AEAD, error) {
	block, err := aes.NewCipher(h.masterKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2 for secure key derivation
func deriveKey(password string, salt []byte, keyLen uint32) []byte {
	return argon2.IDKey([]byte(password), salt, 3, 32*1024, 4, keyLen)
}
