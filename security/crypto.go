package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"
)

const ivSize = 12

// ErrNoKey is returned when no key is bound for the file.
var ErrNoKey = errors.New("no encryption key bound for file")

// ErrCiphertextTooShort is returned for ciphertext shorter than one IV.
var ErrCiphertextTooShort = errors.New("ciphertext shorter than IV")

// Cipher encrypts chunks with AES-GCM. One key is derived per fileID from the
// engine master key at upload start and destroyed on terminal status. Every
// Encrypt draws a fresh random IV; output is IV || ciphertext.
type Cipher struct {
	masterKey []byte
	keyBytes  int

	mu   sync.Mutex
	keys map[string][]byte
}

// NewCipher creates a Cipher with a random master key. keySize is in bits;
// zero means 256.
func NewCipher(keySize int) (*Cipher, error) {
	switch keySize {
	case 0:
		keySize = 256
	case 128, 192, 256:
	default:
		return nil, fmt.Errorf("unsupported AES key size %d", keySize)
	}

	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("generate master key: %w", err)
	}
	return &Cipher{
		masterKey: master,
		keyBytes:  keySize / 8,
		keys:      make(map[string][]byte),
	}, nil
}

// BindKey derives and stores the per-file key via HKDF-SHA256, salted with
// the fileID.
func (c *Cipher) BindKey(fileID string) error {
	key := make([]byte, c.keyBytes)
	kdf := hkdf.New(sha256.New, c.masterKey, []byte(fileID), []byte("chunk-encryption"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return fmt.Errorf("derive key for %s: %w", fileID, err)
	}

	c.mu.Lock()
	c.keys[fileID] = key
	c.mu.Unlock()
	return nil
}

// HasKey reports whether a key is bound for the file.
func (c *Cipher) HasKey(fileID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.keys[fileID]
	return ok
}

// DestroyKey zeroes and forgets the file's key.
func (c *Cipher) DestroyKey(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key, ok := c.keys[fileID]; ok {
		for i := range key {
			key[i] = 0
		}
		delete(c.keys, fileID)
	}
}

// Encrypt seals the plaintext under the file's key.
func (c *Cipher) Encrypt(fileID string, plaintext []byte) ([]byte, error) {
	gcm, err := c.gcm(fileID)
	if err != nil {
		return nil, err
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generate IV: %w", err)
	}
	return gcm.Seal(iv, iv, plaintext, nil), nil
}

// Decrypt reverses Encrypt, splitting the leading IV off the payload.
func (c *Cipher) Decrypt(fileID string, data []byte) ([]byte, error) {
	gcm, err := c.gcm(fileID)
	if err != nil {
		return nil, err
	}
	if len(data) < ivSize {
		return nil, ErrCiphertextTooShort
	}
	plaintext, err := gcm.Open(nil, data[:ivSize], data[ivSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt chunk: %w", err)
	}
	return plaintext, nil
}

func (c *Cipher) gcm(fileID string) (cipher.AEAD, error) {
	c.mu.Lock()
	key, ok := c.keys[fileID]
	c.mu.Unlock()
	if !ok {
		return nil, ErrNoKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return gcm, nil
}
