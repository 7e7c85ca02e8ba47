package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/hkdf"
)

var (
	ErrNoMasterSecret = errors.New("no master secret configured")
	ErrVersionMissing = errors.New("key version not configured")
)

// hkdfInfo separates credential keys from anything else derived from the same
// master secret.
const hkdfInfo = "whale-core/credential-vault/v1"

// KeyManager holds one AES key per version, derived from master secrets at
// construction. It is immutable afterwards and safe for concurrent use.
type KeyManager struct {
	currentVer int
	encryptors map[int]*Encryptor
}

// NewKeyManager derives an encryption key for every supplied secret version.
// The highest version becomes current. At least one non-empty secret is
// required.
func NewKeyManager(secrets map[int][]byte) (*KeyManager, error) {
	km := &KeyManager{encryptors: make(map[int]*Encryptor)}
	for version, secret := range secrets {
		if version <= 0 || len(secret) == 0 {
			continue
		}
		key, err := DeriveKey(secret)
		if err != nil {
			return nil, fmt.Errorf("derive key v%d: %w", version, err)
		}
		enc, err := NewEncryptor(key, version)
		Zero(key)
		if err != nil {
			return nil, fmt.Errorf("create encryptor v%d: %w", version, err)
		}
		km.encryptors[version] = enc
		if version > km.currentVer {
			km.currentVer = version
		}
	}
	if km.currentVer == 0 {
		return nil, ErrNoMasterSecret
	}
	return km, nil
}

// DeriveKey stretches a master secret into a 32 byte AES key with HKDF-SHA256.
func DeriveKey(secret []byte) ([]byte, error) {
	key := make([]byte, KeySize)
	r := hkdf.New(sha256.New, secret, nil, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// Encrypt seals plaintext with the current key version.
func (km *KeyManager) Encrypt(plaintext, aad []byte) (string, error) {
	return km.encryptors[km.currentVer].Seal(plaintext, aad)
}

// Decrypt selects the key version from the ciphertext prefix.
func (km *KeyManager) Decrypt(ciphertext string, aad []byte) ([]byte, error) {
	version := ParseVersion(ciphertext)
	if version == 0 {
		return nil, ErrInvalidCiphertext
	}
	enc, ok := km.encryptors[version]
	if !ok {
		return nil, fmt.Errorf("%w: v%d", ErrVersionMissing, version)
	}
	return enc.Open(ciphertext, aad)
}

// ReEncrypt moves a ciphertext onto the current key version.
func (km *KeyManager) ReEncrypt(ciphertext string, aad []byte) (string, error) {
	if ParseVersion(ciphertext) == km.currentVer {
		return ciphertext, nil
	}
	plaintext, err := km.Decrypt(ciphertext, aad)
	if err != nil {
		return "", err
	}
	defer Zero(plaintext)
	return km.Encrypt(plaintext, aad)
}

// CurrentVersion returns the key version new ciphertexts are sealed with.
func (km *KeyManager) CurrentVersion() int {
	return km.currentVer
}

// HasVersion checks if a specific key version is loaded.
func (km *KeyManager) HasVersion(version int) bool {
	_, ok := km.encryptors[version]
	return ok
}

// Versions lists the loaded key versions in ascending order.
func (km *KeyManager) Versions() []int {
	out := make([]int, 0, len(km.encryptors))
	for v := range km.encryptors {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}

// GenerateSecret returns a random 32 byte master secret, base64 encoded.
func GenerateSecret() (string, error) {
	b := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("generate random secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
