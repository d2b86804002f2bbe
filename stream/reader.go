package stream

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sort"

	"github.com/blobstreamorg/libblobstream-go/blob"
)

// Fetcher resolves a blob by hash, blocking on the external fetch
// collaborator when the blob is not resident. *blob.Fetcher satisfies this.
type Fetcher interface {
	Blob(ctx context.Context, hash string) (*blob.Blob, error)
}

// Reader yields the served bytes [start, end) of a stream as an io.Reader.
// Offsets are in served coordinates: [0, TotalSize) is the true plaintext
// and [TotalSize, ServedSize) is the zero tail covering the final blob's
// padding block. At most one decrypted blob is held in memory at a time, so
// multi-megabyte ranges stream without unbounded growth.
type Reader struct {
	ctx   context.Context
	desc  *Descriptor
	fetch Fetcher
	key   []byte

	data   []BlobInfo
	starts []int64 // served offset of each data blob

	pos int64 // next served offset to deliver
	end int64
	idx int    // index of the blob covering pos
	buf []byte // undelivered slice of the current blob
}

// NewReader builds a Reader over the served range [start, end).
// end is clamped to the served size; start at or past the served size is
// ErrRangeNotSatisfiable. No blob is fetched until the first Read.
func NewReader(ctx context.Context, desc *Descriptor, fetch Fetcher, start, end int64) (*Reader, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	total := desc.ServedSize()
	if start < 0 || start >= total {
		return nil, fmt.Errorf("%w: start %d of %d", ErrRangeNotSatisfiable, start, total)
	}
	if end > total {
		end = total
	}
	if end < start {
		end = start
	}

	key, err := hex.DecodeString(desc.Key)
	if err != nil {
		return nil, fmt.Errorf("%w: bad stream key", ErrInvalidDescriptor)
	}

	data := desc.DataBlobs()
	starts := make([]int64, len(data))
	var off int64
	for i := range data {
		starts[i] = off
		off += desc.servedLength(i)
	}

	// Binary search for the first blob whose served range covers start.
	idx := sort.Search(len(data), func(i int) bool {
		return starts[i]+desc.servedLength(i) > start
	})

	return &Reader{
		ctx:    ctx,
		desc:   desc,
		fetch:  fetch,
		key:    key,
		data:   data,
		starts: starts,
		pos:    start,
		end:    end,
		idx:    idx,
	}, nil
}

// Read implements io.Reader over the served range.
func (r *Reader) Read(p []byte) (int, error) {
	if r.pos >= r.end {
		return 0, io.EOF
	}
	if len(r.buf) == 0 {
		if err := r.load(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	r.pos += int64(n)
	return n, nil
}

// load fetches and decrypts the blob covering pos and slices out the part
// that falls within [pos, end).
func (r *Reader) load() error {
	if err := r.ctx.Err(); err != nil {
		return err
	}

	// Terminator-only stream: the served bytes are all zero tail.
	if len(r.data) == 0 {
		r.buf = make([]byte, r.end-r.pos)
		return nil
	}

	info := r.data[r.idx]
	served := r.desc.servedLength(r.idx)

	b, err := r.fetch.Blob(r.ctx, info.BlobHash)
	if err != nil {
		return fmt.Errorf("%w: blob %d: %w", ErrMissingBlob, info.BlobNum, err)
	}
	iv, err := hex.DecodeString(info.IV)
	if err != nil {
		return fmt.Errorf("%w: bad iv for blob %d", ErrInvalidDescriptor, info.BlobNum)
	}
	plaintext, err := blob.Decrypt(r.key, iv, b.Ciphertext)
	if err != nil {
		return err
	}
	if int64(len(plaintext)) != info.Length {
		return fmt.Errorf("%w: blob %d decrypted to %d bytes, descriptor says %d",
			ErrInvalidDescriptor, info.BlobNum, len(plaintext), info.Length)
	}

	// The final blob serves past its plaintext up to the padded block
	// boundary minus one; those extra bytes are zeros.
	if served > info.Length {
		padded := make([]byte, served)
		copy(padded, plaintext)
		plaintext = padded
	}

	lo := r.pos - r.starts[r.idx]
	hi := served
	if r.starts[r.idx]+hi > r.end {
		hi = r.end - r.starts[r.idx]
	}
	r.buf = plaintext[lo:hi]
	r.idx++
	return nil
}
