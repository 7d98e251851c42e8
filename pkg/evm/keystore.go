package evm

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/scrypt"
)

// KeyStoreEntry is the on-disk form of one owner's encrypted proxy-wallet key.
type KeyStoreEntry struct {
	Owner        string `json:"owner"`
	Address      string `json:"address"`
	EncryptedKey string `json:"encrypted_key"`
	Salt         string `json:"salt"`
	Version      int    `json:"version"`
}

const keystoreVersion = 2

const (
	scryptN = 1 << 15
	scryptR = 8
	scryptP = 1
)

var ErrKeyNotFound = errors.New("no keystore entry for owner")

// KeyStore keeps users' proxy-wallet keys encrypted with AES-256-GCM under a
// password-derived key, one JSON file per owning user address.
type KeyStore struct {
	dir      string
	password string
}

func NewKeyStore(dir, password string) *KeyStore {
	return &KeyStore{dir: dir, password: password}
}

// Generate creates a new proxy-wallet key for owner and returns its address.
func (ks *KeyStore) Generate(owner common.Address) (common.Address, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return common.Address{}, fmt.Errorf("generate key: %w", err)
	}
	return ks.Import(owner, key)
}

// Import encrypts key and writes it under owner, replacing any earlier entry.
func (ks *KeyStore) Import(owner common.Address, key *ecdsa.PrivateKey) (common.Address, error) {
	addr := crypto.PubkeyToAddress(key.PublicKey)

	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return addr, fmt.Errorf("failed to generate salt: %w", err)
	}
	encrypted, err := encrypt(crypto.FromECDSA(key), ks.password, salt)
	if err != nil {
		return addr, err
	}

	entry := KeyStoreEntry{
		Owner:        strings.ToLower(owner.Hex()),
		Address:      strings.ToLower(addr.Hex()),
		EncryptedKey: encrypted,
		Salt:         base64.StdEncoding.EncodeToString(salt),
		Version:      keystoreVersion,
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return addr, fmt.Errorf("failed to marshal keystore entry: %w", err)
	}
	if err := os.MkdirAll(ks.dir, 0o700); err != nil {
		return addr, fmt.Errorf("failed to create keystore directory: %w", err)
	}
	if err := os.WriteFile(ks.path(owner), data, 0o600); err != nil {
		return addr, fmt.Errorf("failed to write keystore entry: %w", err)
	}
	return addr, nil
}

// Load decrypts owner's proxy-wallet key and checks it still derives the
// recorded address.
func (ks *KeyStore) Load(owner common.Address) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(ks.path(owner))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, owner.Hex())
		}
		return nil, fmt.Errorf("failed to read keystore entry: %w", err)
	}

	var entry KeyStoreEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal keystore entry: %w", err)
	}
	if entry.Version != keystoreVersion {
		return nil, fmt.Errorf("unsupported keystore version %d", entry.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(entry.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}

	raw, err := decrypt(entry.EncryptedKey, ks.password, salt)
	if err != nil {
		return nil, err
	}
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid stored key: %w", err)
	}
	if got := crypto.PubkeyToAddress(key.PublicKey); !strings.EqualFold(got.Hex(), entry.Address) {
		return nil, fmt.Errorf("address mismatch: expected %s, got %s", entry.Address, got.Hex())
	}
	return key, nil
}

func (ks *KeyStore) path(owner common.Address) string {
	return filepath.Join(ks.dir, strings.ToLower(owner.Hex())+".json")
}

func deriveKey(password string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, 32)
}

func newGCM(password string, salt []byte) (cipher.AEAD, error) {
	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

func encrypt(plaintext []byte, password string, salt []byte) (string, error) {
	gcm, err := newGCM(password, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	// nonce || ciphertext
	return base64.StdEncoding.EncodeToString(gcm.Seal(nonce, nonce, plaintext, nil)), nil
}

func decrypt(encoded, password string, salt []byte) ([]byte, error) {
	ciphertext, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	gcm, err := newGCM(password, salt)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, body := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}
	return plaintext, nil
}
