package dedup

import (
	"crypto/sha256"
	"io"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/spf13/afero"
)

// ChunkSize is the read size used while hashing
const ChunkSize = 8 * 1024

// PrefixSize is how much of each file the pre-filter reads
const PrefixSize = 4 * 1024

// Hasher computes file digests over an afero filesystem
type Hasher struct {
	fs      afero.Fs
	bufPool sync.Pool
}

// NewHasher creates a hasher reading from fs
func NewHasher(fs afero.Fs) *Hasher {
	return &Hasher{
		fs: fs,
		bufPool: sync.Pool{
			New: func() any {
				b := make([]byte, ChunkSize)
				return &b
			},
		},
	}
}

// Digest returns the SHA-256 of the file's full content, streamed in
// ChunkSize reads. The same bytes always give the same digest.
func (h *Hasher) Digest(path string) (Digest, error) {
	var d Digest

	f, err := h.fs.Open(path)
	if err != nil {
		return d, skippable("open", path, err)
	}
	defer f.Close()

	bufPtr := h.bufPool.Get().(*[]byte)
	defer h.bufPool.Put(bufPtr)
	buf := *bufPtr

	sum := sha256.New()
	for {
		n, err := f.Read(buf)
		if n > 0 {
			sum.Write(buf[:n])
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return d, skippable("read", path, err)
		}
	}

	copy(d[:], sum.Sum(nil))
	return d, nil
}

// Prefix returns a fast non-cryptographic hash of the first PrefixSize
// bytes. Files with different prefixes cannot be equal; equal prefixes
// still need a full Digest.
func (h *Hasher) Prefix(path string) (uint64, error) {
	f, err := h.fs.Open(path)
	if err != nil {
		return 0, skippable("open", path, err)
	}
	defer f.Close()

	buf := make([]byte, PrefixSize)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return 0, skippable("read", path, err)
	}
	return xxhash.Sum64(buf[:n]), nil
}
