package blob

import "errors"

var (
	// ErrNotFound indicates no blob is resident for the given hash.
	ErrNotFound = errors.New("blob: not found")

	// ErrHashMismatch indicates ciphertext does not match its claimed hash.
	ErrHashMismatch = errors.New("blob: hash mismatch")

	// ErrInvalidHash indicates the hash is not a 96-character hex string.
	ErrInvalidHash = errors.New("blob: invalid hash")

	// ErrBlobTooLarge indicates ciphertext exceeds MaxBlobSize.
	ErrBlobTooLarge = errors.New("blob: ciphertext exceeds maximum blob size")

	// ErrEmptyBlob indicates an attempt to store empty ciphertext.
	ErrEmptyBlob = errors.New("blob: ciphertext is empty")

	// ErrPlaintextTooLarge indicates plaintext exceeds the chunk capacity.
	ErrPlaintextTooLarge = errors.New("blob: plaintext exceeds chunk capacity")

	// ErrInvalidKey indicates the AES key is not 32 bytes.
	ErrInvalidKey = errors.New("blob: key must be 32 bytes")

	// ErrInvalidIV indicates the IV is not one AES block.
	ErrInvalidIV = errors.New("blob: iv must be 16 bytes")

	// ErrInvalidPadding indicates decrypted data carries malformed PKCS#7 padding.
	ErrInvalidPadding = errors.New("blob: invalid padding")

	// ErrNoSource indicates a fetch was required but no source is configured.
	ErrNoSource = errors.New("blob: no fetch source configured")
)
