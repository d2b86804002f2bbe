package blob

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// BlockSize is the AES block size; all ciphertext lengths are multiples of it.
	BlockSize = aes.BlockSize

	// KeyLen is the AES-256 key length in bytes.
	KeyLen = 32

	// hkdfInfo is the constant info string for stream key derivation.
	hkdfInfo = "blobstream-stream-key"
)

// PaddedSize returns the ciphertext length produced by encrypting n plaintext
// bytes: PKCS#7 always pads, so a block-aligned n grows by a full block.
func PaddedSize(n int64) int64 {
	return n + BlockSize - n%BlockSize
}

// DeriveKey derives a per-stream AES-256 key from a master seed and a
// stream-specific salt using HKDF-SHA256. The derivation is deterministic:
// the same (seed, salt) pair always yields the same key.
func DeriveKey(seed, salt []byte) ([]byte, error) {
	key := make([]byte, KeyLen)
	r := hkdf.New(sha256.New, seed, salt, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("blob: derive key: %w", err)
	}
	return key, nil
}

// Encrypt encrypts plaintext with AES-256-CBC and PKCS#7 padding.
// len(plaintext) must not exceed MaxPlaintextSize, which guarantees the
// ciphertext fits in MaxBlobSize.
func Encrypt(key, iv, plaintext []byte) ([]byte, error) {
	if len(key) != KeyLen {
		return nil, ErrInvalidKey
	}
	if len(iv) != BlockSize {
		return nil, ErrInvalidIV
	}
	if len(plaintext) > MaxPlaintextSize {
		return nil, ErrPlaintextTooLarge
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("blob: init cipher: %w", err)
	}

	padded := pkcs7Pad(plaintext)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// Decrypt decrypts AES-256-CBC ciphertext and strips PKCS#7 padding,
// returning the true plaintext.
func Decrypt(key, iv, ciphertext []byte) ([]byte, error) {
	if len(key) != KeyLen {
		return nil, ErrInvalidKey
	}
	if len(iv) != BlockSize {
		return nil, ErrInvalidIV
	}
	if len(ciphertext) == 0 || len(ciphertext)%BlockSize != 0 {
		return nil, ErrInvalidPadding
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("blob: init cipher: %w", err)
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return pkcs7Unpad(out)
}

// pkcs7Pad appends PKCS#7 padding, always at least one byte.
func pkcs7Pad(data []byte) []byte {
	pad := BlockSize - len(data)%BlockSize
	out := make([]byte, len(data)+pad)
	copy(out, data)
	for i := len(data); i < len(out); i++ {
		out[i] = byte(pad)
	}
	return out
}

// pkcs7Unpad validates and strips PKCS#7 padding.
func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 || len(data)%BlockSize != 0 {
		return nil, ErrInvalidPadding
	}
	pad := int(data[len(data)-1])
	if pad == 0 || pad > BlockSize || pad > len(data) {
		return nil, ErrInvalidPadding
	}
	for _, b := range data[len(data)-pad:] {
		if int(b) != pad {
			return nil, ErrInvalidPadding
		}
	}
	return data[:len(data)-pad], nil
}
