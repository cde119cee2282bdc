// Package crypto provides the encryption primitives for the vault using the
// Go standard library crypto packages plus golang.org/x/crypto. It implements
// Argon2id password-based key derivation, AES-256-GCM envelope (key-wrapping)
// encryption, and authenticated encryption of arbitrary JSON-serializable
// values with a detached IV.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

const (
	// IVSize is the byte length of the GCM nonce (96 bits).
	IVSize = 12
	// KeySize is the byte length of an AES-256 key.
	KeySize = 32
	// SaltSize is the byte length of a key-derivation salt.
	SaltSize = 16
)

// Argon2id parameters for the password-based key-wrapping key. Derivation is
// intentionally slow; the same (password, salt) always yields the same key.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024 // KiB
	argonThreads = 4
)

var (
	ErrInvalidKey        = errors.New("crypto: invalid key")
	ErrDecryptionFailed  = errors.New("crypto: decryption failed")
	ErrInvalidCiphertext = errors.New("crypto: invalid ciphertext")
)

// Sentinel is the fixed plaintext encrypted under a fresh DEK at registration.
// Decrypting the stored sentinel and comparing against this constant is the
// explicit password-correctness check on login.
const Sentinel = "tallybook-sentinel-v1"

// hkdfInfo is the context string bound into export-bundle keys.
var hkdfInfo = []byte("tallybook-export-v1")

// DeriveKey derives a 256-bit key-wrapping key from a password and salt using
// Argon2id. The salt must be SaltSize bytes of cryptographic randomness; a
// different salt yields an unrelated key.
func DeriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, KeySize)
}

// GenerateSalt returns a fresh random key-derivation salt.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// GenerateDEK returns a fresh random 256-bit data encryption key.
func GenerateDEK() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate dek: %w", err)
	}
	return key, nil
}

// EncryptBytes encrypts plaintext with AES-256-GCM under key, binding aad
// (which may be nil) into the authentication tag. The IV is freshly generated
// per call and returned alongside the ciphertext, never reused.
func EncryptBytes(key, plaintext, aad []byte) (ciphertext, iv []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}

	iv = make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}

	return gcm.Seal(nil, iv, plaintext, aad), iv, nil
}

// DecryptBytes decrypts ciphertext produced by EncryptBytes. A wrong key,
// wrong IV, mismatched aad, or tampered ciphertext yields ErrDecryptionFailed
// with no further detail.
func DecryptBytes(key, ciphertext, iv, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(iv) != IVSize || len(ciphertext) < gcm.Overhead() {
		return nil, ErrInvalidCiphertext
	}

	plaintext, err := gcm.Open(nil, iv, ciphertext, aad)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// Encrypt JSON-serializes v and encrypts it under key. Identical values
// produce different ciphertext across calls because the IV is fresh per call.
func Encrypt(key []byte, v any, aad []byte) (ciphertext, iv []byte, err error) {
	plaintext, err := json.Marshal(v)
	if err != nil {
		return nil, nil, fmt.Errorf("encode plaintext: %w", err)
	}
	return EncryptBytes(key, plaintext, aad)
}

// Decrypt reverses Encrypt, decoding the recovered JSON into out.
func Decrypt(key, ciphertext, iv, aad []byte, out any) error {
	plaintext, err := DecryptBytes(key, ciphertext, iv, aad)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("decode plaintext: %w", err)
	}
	return nil
}

// Wrap encrypts a DEK's raw bytes under a key-wrapping key.
func Wrap(dek, kwk []byte) (wrapped, iv []byte, err error) {
	if len(dek) != KeySize {
		return nil, nil, ErrInvalidKey
	}
	return EncryptBytes(kwk, dek, nil)
}

// Unwrap recovers a DEK wrapped by Wrap. It fails with ErrDecryptionFailed if
// the KWK or IV is wrong; callers use this to detect incorrect passwords.
func Unwrap(wrapped, iv, kwk []byte) ([]byte, error) {
	dek, err := DecryptBytes(kwk, wrapped, iv, nil)
	if err != nil {
		return nil, err
	}
	if len(dek) != KeySize {
		return nil, ErrDecryptionFailed
	}
	return dek, nil
}

// EncryptSentinel encrypts the sentinel constant under a DEK. The result is
// stored alongside the user record at registration.
func EncryptSentinel(dek []byte) (ciphertext, iv []byte, err error) {
	return EncryptBytes(dek, []byte(Sentinel), nil)
}

// VerifySentinel decrypts a stored sentinel ciphertext and checks it against
// the expected constant. Any failure, authentication or comparison, surfaces
// uniformly as ErrDecryptionFailed.
func VerifySentinel(ciphertext, iv, dek []byte) error {
	plaintext, err := DecryptBytes(dek, ciphertext, iv, nil)
	if err != nil {
		return ErrDecryptionFailed
	}
	if !bytes.Equal(plaintext, []byte(Sentinel)) {
		return ErrDecryptionFailed
	}
	return nil
}

// DeriveExportKey stretches a passphrase-derived key into the bundle key used
// for portable export blobs, via HKDF-SHA256.
func DeriveExportKey(passphrase string, salt []byte) ([]byte, error) {
	master := DeriveKey(passphrase, salt)
	hkdfReader := hkdf.New(sha256.New, master, salt, hkdfInfo)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, fmt.Errorf("hkdf derive: %w", err)
	}
	return key, nil
}

// Zero overwrites key material in place. Used when a session ends.
func Zero(key []byte) {
	for i := range key {
		key[i] = 0
	}
}

// EncodeKey encodes key material as standard base64 for storage columns.
func EncodeKey(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}

// DecodeKey decodes base64 key material produced by EncodeKey.
func DecodeKey(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: base64 decode: %v", ErrInvalidKey, err)
	}
	return raw, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm cipher: %w", err)
	}
	return gcm, nil
}
