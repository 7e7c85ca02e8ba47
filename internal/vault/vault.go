// Package vault keeps per-chat trading keys encrypted at rest and lends the
// plaintext key to a callback only for the duration of one operation.
package vault

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"strconv"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"whale-core/pkg/crypto"
	"whale-core/pkg/db"
	"whale-core/pkg/errs"
)

// Store is the persistence the vault needs.
type Store interface {
	PutCredential(ctx context.Context, c db.Credential) error
	GetCredential(ctx context.Context, chatID int64) (*db.Credential, error)
	DeleteCredential(ctx context.Context, chatID int64) error
	ListCredentials(ctx context.Context) ([]db.Credential, error)
}

// Vault encrypts credentials with the injected key manager.
type Vault struct {
	store Store
	keys  *crypto.KeyManager
	log   *zap.Logger
}

// New creates a vault. A key manager is mandatory.
func New(store Store, keys *crypto.KeyManager, log *zap.Logger) (*Vault, error) {
	if keys == nil {
		return nil, crypto.ErrNoMasterSecret
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Vault{store: store, keys: keys, log: log.Named("vault")}, nil
}

// aad binds a ciphertext to its chat so rows cannot be swapped between chats.
func aad(chatID int64) []byte {
	return []byte(strconv.FormatInt(chatID, 10))
}

// Store validates rawKey, encrypts it and replaces any credential the chat
// had. It returns the derived public address.
func (v *Vault) Store(ctx context.Context, chatID int64, rawKey string) (string, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(rawKey), "0x"))
	if err != nil {
		return "", errs.New(errs.KindAuthFailure, "store key", "malformed private key")
	}
	defer zeroKey(key)

	plain := ethcrypto.FromECDSA(key)
	defer crypto.Zero(plain)

	address := ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	ct, err := v.keys.Encrypt(plain, aad(chatID))
	if err != nil {
		return "", errs.Wrap(errs.KindUnknown, "store key", err)
	}
	if err := v.store.PutCredential(ctx, db.Credential{
		ChatID:     chatID,
		Address:    address,
		Ciphertext: ct,
		KeyVersion: v.keys.CurrentVersion(),
	}); err != nil {
		return "", err
	}
	v.log.Info("credential stored", zap.Int64("chat_id", chatID), zap.String("address", Redact(address)))
	return address, nil
}

// Load decrypts the raw 32 byte key of a chat. The caller owns the slice and
// must zero it. Prefer WithKey.
func (v *Vault) Load(ctx context.Context, chatID int64) ([]byte, error) {
	cred, err := v.store.GetCredential(ctx, chatID)
	if err != nil {
		if errors.Is(err, errs.NotFound) {
			return nil, errs.New(errs.KindNotFound, "load key", "no key stored for this chat")
		}
		return nil, err
	}
	plain, err := v.keys.Decrypt(cred.Ciphertext, aad(chatID))
	if err != nil {
		return nil, errs.Wrap(errs.KindDecryptionError, "load key", err)
	}
	key, err := ethcrypto.ToECDSA(plain)
	if err != nil {
		crypto.Zero(plain)
		return nil, errs.New(errs.KindDecryptionError, "load key", "decrypted key is not a valid secp256k1 key")
	}
	defer zeroKey(key)
	if !strings.EqualFold(ethcrypto.PubkeyToAddress(key.PublicKey).Hex(), cred.Address) {
		crypto.Zero(plain)
		return nil, errs.New(errs.KindDecryptionError, "load key", "decrypted key does not match stored address")
	}
	return plain, nil
}

// WithKey decrypts the chat's key, runs fn with it and wipes it afterwards.
// The key must not escape fn.
func (v *Vault) WithKey(ctx context.Context, chatID int64, fn func(key *ecdsa.PrivateKey) error) error {
	plain, err := v.Load(ctx, chatID)
	if err != nil {
		return err
	}
	key, err := ethcrypto.ToECDSA(plain)
	crypto.Zero(plain)
	if err != nil {
		return errs.Wrap(errs.KindDecryptionError, "load key", err)
	}
	defer zeroKey(key)
	return fn(key)
}

// Address returns the public address of the chat's key without decrypting it.
func (v *Vault) Address(ctx context.Context, chatID int64) (string, error) {
	cred, err := v.store.GetCredential(ctx, chatID)
	if err != nil {
		if errors.Is(err, errs.NotFound) {
			return "", errs.New(errs.KindNotFound, "key address", "no key stored for this chat")
		}
		return "", err
	}
	return cred.Address, nil
}

// Forget deletes the chat's credential. It is idempotent.
func (v *Vault) Forget(ctx context.Context, chatID int64) error {
	if err := v.store.DeleteCredential(ctx, chatID); err != nil {
		return err
	}
	v.log.Info("credential removed", zap.Int64("chat_id", chatID))
	return nil
}

// Rotate re-encrypts every credential not on the current key version and
// returns how many were rewritten.
func (v *Vault) Rotate(ctx context.Context) (int, error) {
	creds, err := v.store.ListCredentials(ctx)
	if err != nil {
		return 0, err
	}
	current := v.keys.CurrentVersion()
	n := 0
	for _, c := range creds {
		if c.KeyVersion == current {
			continue
		}
		ct, err := v.keys.ReEncrypt(c.Ciphertext, aad(c.ChatID))
		if err != nil {
			v.log.Warn("credential rotation failed", zap.Int64("chat_id", c.ChatID), zap.Error(err))
			continue
		}
		c.Ciphertext = ct
		c.KeyVersion = current
		if err := v.store.PutCredential(ctx, c); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		v.log.Info("credentials rotated", zap.Int("count", n), zap.Int("version", current))
	}
	return n, nil
}

func zeroKey(key *ecdsa.PrivateKey) {
	if key == nil || key.D == nil {
		return
	}
	words := key.D.Bits()
	for i := range words {
		words[i] = 0
	}
	key.D.SetInt64(0)
}

// Redact shortens an address for logs.
func Redact(address string) string {
	if len(address) <= 10 {
		return address
	}
	return address[:6] + "..." + address[len(address)-4:]
}
