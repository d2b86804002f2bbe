// Package stream implements the stream descriptor, the chunking scheme that
// maps a plaintext byte stream onto an ordered sequence of encrypted blobs,
// and the range engine that reconstructs plaintext ranges from those blobs.
package stream

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/blobstreamorg/libblobstream-go/blob"
)

// BlobInfo is one entry of a descriptor's blob manifest. Length is the
// plaintext byte count carried by the blob; the ciphertext length follows
// from PKCS#7 padding. The final manifest entry is a terminator with an
// empty BlobHash and zero Length, kept for descriptor compatibility with
// the original wire format.
type BlobInfo struct {
	BlobHash string `json:"blob_hash,omitempty"`
	IV       string `json:"iv"`
	Length   int64  `json:"length"`
	BlobNum  int    `json:"blob_num"`
}

// IsTerminator reports whether the entry is the stream terminator.
func (b BlobInfo) IsTerminator() bool { return b.BlobHash == "" }

// Descriptor is the immutable manifest of one logical stream: the ordered
// blob references, per-blob IVs and plaintext lengths, and the stream key.
// The descriptor itself is stored as a blob; its content address is the
// sd hash. Once published, total size and blob boundaries never change.
type Descriptor struct {
	Name              string     `json:"stream_name"`
	SuggestedFileName string     `json:"suggested_file_name"`
	Key               string     `json:"key"`
	Blobs             []BlobInfo `json:"blobs"`
}

// Marshal returns the canonical JSON encoding whose hash is the sd hash.
func (d *Descriptor) Marshal() ([]byte, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("stream: marshal descriptor: %w", err)
	}
	return data, nil
}

// SDHash returns the descriptor's content address.
func (d *Descriptor) SDHash() (string, error) {
	data, err := d.Marshal()
	if err != nil {
		return "", err
	}
	return blob.Hash(data), nil
}

// Parse decodes and validates a descriptor from its canonical JSON bytes.
func Parse(data []byte) (*Descriptor, error) {
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDescriptor, err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks the descriptor's structural invariants: a single trailing
// terminator, contiguous zero-based blob numbering, full chunks everywhere
// except the final data blob, and well-formed hashes, IVs, and key.
func (d *Descriptor) Validate() error {
	if len(d.Blobs) == 0 {
		return fmt.Errorf("%w: no blobs", ErrInvalidDescriptor)
	}
	if key, err := hex.DecodeString(d.Key); err != nil || len(key) != blob.KeyLen {
		return fmt.Errorf("%w: bad stream key", ErrInvalidDescriptor)
	}

	last := len(d.Blobs) - 1
	for i, b := range d.Blobs {
		if b.BlobNum != i {
			return fmt.Errorf("%w: blob_num %d at position %d", ErrInvalidDescriptor, b.BlobNum, i)
		}
		if iv, err := hex.DecodeString(b.IV); err != nil || len(iv) != blob.BlockSize {
			return fmt.Errorf("%w: bad iv for blob %d", ErrInvalidDescriptor, i)
		}
		if i == last {
			if !b.IsTerminator() || b.Length != 0 {
				return fmt.Errorf("%w: missing terminator", ErrInvalidDescriptor)
			}
			continue
		}
		if b.IsTerminator() {
			return fmt.Errorf("%w: terminator before end", ErrInvalidDescriptor)
		}
		if !blob.IsValidHash(b.BlobHash) {
			return fmt.Errorf("%w: bad hash for blob %d", ErrInvalidDescriptor, i)
		}
		if b.Length <= 0 || b.Length > blob.MaxPlaintextSize {
			return fmt.Errorf("%w: bad length %d for blob %d", ErrInvalidDescriptor, b.Length, i)
		}
		if i != last-1 && b.Length != blob.MaxPlaintextSize {
			return fmt.Errorf("%w: short non-final blob %d", ErrInvalidDescriptor, i)
		}
	}
	return nil
}

// DataBlobs returns the manifest entries excluding the terminator.
func (d *Descriptor) DataBlobs() []BlobInfo {
	if len(d.Blobs) == 0 {
		return nil
	}
	return d.Blobs[:len(d.Blobs)-1]
}

// TotalSize returns the true plaintext size of the stream.
func (d *Descriptor) TotalSize() int64 {
	var total int64
	for _, b := range d.DataBlobs() {
		total += b.Length
	}
	return total
}

// ServedSize returns the byte length the HTTP layer reports and serves.
//
// The final data blob's trailing cipher block always carries PKCS#7 padding,
// and the serving layer exposes that block minus its final byte, zero-filled
// past the true plaintext. Every non-final blob holds exactly the chunk
// capacity, which is congruent to 15 mod 16, so its padded length minus one
// equals its plaintext length and it contributes its Length unchanged:
//
//	T = (n - last) + padded(last) - 1
//
// where n is TotalSize and last is the final data blob's Length. For n not
// 16-aligned this pads up to the next boundary minus one (n=2 serves 15);
// for n of the form 16k-1 it serves n exactly; for 16-aligned n the extra
// full padding block collapses to n+15 only at the final blob, and a stream
// whose final blob is itself 16k-1-sized serves with no padding at all.
func (d *Descriptor) ServedSize() int64 {
	data := d.DataBlobs()
	var last int64
	if len(data) > 0 {
		last = data[len(data)-1].Length
	}
	return d.TotalSize() - last + blob.PaddedSize(last) - 1
}

// servedLength returns how many bytes data blob i contributes to the served
// stream: its plaintext length, except the final blob serves through its
// padded block minus one byte.
func (d *Descriptor) servedLength(i int) int64 {
	data := d.DataBlobs()
	if i == len(data)-1 {
		return blob.PaddedSize(data[i].Length) - 1
	}
	return data[i].Length
}

// Create chunks plaintext from r into encrypted blobs written to the store,
// then writes the descriptor blob itself. Each blob gets a fresh random IV;
// the stream key is supplied by the caller (see blob.DeriveKey).
func Create(store *blob.Store, key []byte, name, fileName string, r io.Reader) (*Descriptor, error) {
	if len(key) != blob.KeyLen {
		return nil, blob.ErrInvalidKey
	}

	d := &Descriptor{
		Name:              name,
		SuggestedFileName: fileName,
		Key:               hex.EncodeToString(key),
	}

	buf := make([]byte, blob.MaxPlaintextSize)
	num := 0
	for {
		n, err := io.ReadFull(r, buf)
		if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
			return nil, fmt.Errorf("stream: read source: %w", err)
		}
		if n > 0 {
			iv := make([]byte, blob.BlockSize)
			if _, err := rand.Read(iv); err != nil {
				return nil, fmt.Errorf("stream: generate iv: %w", err)
			}
			ct, encErr := blob.Encrypt(key, iv, buf[:n])
			if encErr != nil {
				return nil, encErr
			}
			hash := blob.Hash(ct)
			if err := store.Put(hash, ct); err != nil {
				return nil, err
			}
			d.Blobs = append(d.Blobs, BlobInfo{
				BlobHash: hash,
				IV:       hex.EncodeToString(iv),
				Length:   int64(n),
				BlobNum:  num,
			})
			num++
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		}
	}

	iv := make([]byte, blob.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("stream: generate iv: %w", err)
	}
	d.Blobs = append(d.Blobs, BlobInfo{IV: hex.EncodeToString(iv), BlobNum: num})

	data, err := d.Marshal()
	if err != nil {
		return nil, err
	}
	if err := store.Put(blob.Hash(data), data); err != nil {
		return nil, err
	}
	return d, nil
}
