// Package crypt wraps the cryptographic primitives used by the securebus
// link layer: AES-128-CBC for payload confidentiality, HMAC-SHA-256 for
// packet authentication, SHA-256 as the boot-time key derivation function,
// and the operating system CSPRNG for IVs and session keys.
//
// The package deliberately exposes a small, byte-slice oriented API so the
// protocol code never touches cipher.Block or hash.Hash directly. All
// padding and tag comparisons are constant time.
package crypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
)

const (
	// SessionKeySize is the AES-128 session key size in bytes.
	SessionKeySize = 16

	// MasterKeySize is the pre-shared master authentication key size in bytes.
	MasterKeySize = 32

	// BlockSize is the AES block size; ciphertext and IV lengths are
	// multiples of it.
	BlockSize = aes.BlockSize

	// IVSize is the per-packet initialization vector size.
	IVSize = aes.BlockSize

	// TagSize is the HMAC-SHA-256 authentication tag size. The full output
	// is transmitted, never truncated.
	TagSize = sha256.Size
)

// Sentinel errors for the crypt package.
var (
	ErrBadPadding       = errors.New("crypt: invalid PKCS#7 padding")
	ErrBadKeySize       = errors.New("crypt: invalid key size")
	ErrBadIVSize        = errors.New("crypt: invalid IV size")
	ErrCiphertextLength = errors.New("crypt: ciphertext length not a positive multiple of the block size")
)

// Pad appends PKCS#7 padding to data, extending it to the next multiple of
// BlockSize. A full block of padding is appended when data is already
// block-aligned, so the padded length is always strictly greater than the
// input length.
func Pad(data []byte) []byte {
	p := BlockSize - len(data)%BlockSize
	padded := make([]byte, len(data)+p)
	copy(padded, data)
	for i := len(data); i < len(padded); i++ {
		padded[i] = byte(p)
	}

	return padded
}

// Unpad validates and strips PKCS#7 padding in constant time with respect
// to the padding contents. It returns ErrBadPadding if the padding byte is
// outside [1, BlockSize] or any of the trailing padding bytes disagree.
func Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%BlockSize != 0 {
		return nil, ErrBadPadding
	}

	p := int(data[len(data)-1])
	valid := subtle.ConstantTimeLessOrEq(1, p) & subtle.ConstantTimeLessOrEq(p, BlockSize)

	// Scan a fixed window of the last BlockSize bytes; only positions inside
	// the claimed padding contribute to the verdict.
	pb := data[len(data)-1]
	for i := 0; i < BlockSize; i++ {
		inPad := subtle.ConstantTimeLessOrEq(i+1, p)
		match := subtle.ConstantTimeByteEq(data[len(data)-1-i], pb)
		valid &= subtle.ConstantTimeSelect(inPad, match, 1)
	}

	if valid != 1 {
		return nil, ErrBadPadding
	}

	return data[:len(data)-p], nil
}

// Encrypt pads plaintext with PKCS#7 and encrypts it with AES-128-CBC under
// the given session key and IV. The returned ciphertext length is a positive
// multiple of BlockSize.
func Encrypt(key, iv, plaintext []byte) ([]byte, error) {
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadKeySize, len(key), SessionKeySize)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadIVSize, len(iv), IVSize)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypt: new cipher: %w", err)
	}

	padded := Pad(plaintext)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return ciphertext, nil
}

// Decrypt decrypts an AES-128-CBC ciphertext under the given session key and
// IV and strips the PKCS#7 padding. It returns ErrCiphertextLength if the
// ciphertext is empty or not block-aligned, and ErrBadPadding if the padding
// is invalid after decryption.
func Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(key) != SessionKeySize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadKeySize, len(key), SessionKeySize)
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrBadIVSize, len(iv), IVSize)
	}
	if len(ciphertext) == 0 || len(ciphertext)%BlockSize != 0 {
		return nil, ErrCiphertextLength
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypt: new cipher: %w", err)
	}

	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)

	return Unpad(padded)
}

// Sum computes the HMAC-SHA-256 tag over data, keyed with the master key.
func Sum(masterKey, data []byte) []byte {
	mac := hmac.New(sha256.New, masterKey)
	mac.Write(data)

	return mac.Sum(nil)
}

// Verify recomputes the HMAC-SHA-256 tag over data and compares it to tag
// in constant time.
func Verify(masterKey, data, tag []byte) bool {
	return hmac.Equal(Sum(masterKey, data), tag)
}

// DeriveInitialKey derives the boot-time session key (key-id 0) from the
// master key: the first SessionKeySize bytes of SHA-256(masterKey). Every
// node derives the same initial key without any on-wire exchange.
func DeriveInitialKey(masterKey []byte) []byte {
	sum := sha256.Sum256(masterKey)

	return sum[:SessionKeySize]
}

// RandomIV draws a fresh per-packet IV from the operating system CSPRNG.
func RandomIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("crypt: read random IV: %w", err)
	}

	return iv, nil
}

// RandomKey draws a fresh AES-128 session key from the operating system CSPRNG.
func RandomKey() ([]byte, error) {
	key := make([]byte, SessionKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("crypt: read random key: %w", err)
	}

	return key, nil
}
