package services

import (
	"github.com/stretchr/testify/mock"
)

type MockVault struct {
	mock.Mock
}

func (m *MockVault) EncryptSecret(aad string, plaintext []byte) ([]byte, error) {
	args := m.Called(aad, plaintext)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockVault) DecryptSecret(aad string, ciphertext []byte) ([]byte, error) {
	args := m.Called(aad, ciphertext)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockVault) Fingerprint(secret string) string {
	args := m.Called(secret)
	return args.String(0)
}

func (m *MockVault) VerifyFingerprint(secret, fingerprint string) bool {
	args := m.Called(secret, fingerprint)
	return args.Bool(0)
}

func (m *MockVault) HashPIN(pin string) (string, error) {
	args := m.Called(pin)
	return args.String(0), args.Error(1)
}

func (m *MockVault) VerifyPIN(pin string, hashedPIN string) (bool, error) {
	args := m.Called(pin, hashedPIN)
	return args.Bool(0), args.Error(1)
}
