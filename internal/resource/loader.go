package resource

import (
	"context"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"go.uber.org/multierr"

	"resourcecache/internal/errkind"
	"resourcecache/internal/logging"
	"resourcecache/internal/memory"
)

// ErrFileChanged is returned when a file's length differs from its stat size while it is read
var ErrFileChanged = errors.New("file size changed during read")

// Loaded is a resource read into a freshly allocated block. The caller owns Block.
type Loaded struct {
	Path   string
	Block  memory.Block
	Size   int64
	Digest uint64 // xxhash64 of the contents
}

// Loader reads whole files into blocks. It keeps no state between calls.
type Loader struct {
	alloc  memory.BlockAllocator
	logger logging.Sink
}

// NewLoader creates a loader that allocates from alloc
func NewLoader(alloc memory.BlockAllocator, logger logging.Sink) *Loader {
	return &Loader{alloc: alloc, logger: logging.OrNop(logger)}
}

// Load reads path into a block of exactly the file's size. Either every byte is
// copied or no block is returned: on any failure the block is freed first.
func (l *Loader) Load(ctx context.Context, path string) (Loaded, error) {
	if err := ctx.Err(); err != nil {
		return Loaded{}, errors.Wrapf(err, "load %s", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return Loaded{}, errkind.Io(err, "open %s", path)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return Loaded{}, errkind.Io(err, "stat %s", path)
	}
	if info.IsDir() {
		return Loaded{}, errkind.Io(errors.Newf("%s is a directory", path), "load %s", path)
	}
	size := info.Size()
	if int64(int(size)) != size {
		return Loaded{}, errkind.Allocation(errors.Newf("%d bytes exceeds addressable memory", size), "load %s", path)
	}

	block, err := l.alloc.Alloc(int(size))
	if err != nil {
		return Loaded{}, errors.Wrapf(err, "load %s", path)
	}
	buf, err := l.alloc.Bytes(block)
	if err != nil {
		return Loaded{}, multierr.Append(errors.Wrapf(err, "load %s", path), l.alloc.Free(block))
	}

	if err := readExactly(f, buf); err != nil {
		return Loaded{}, multierr.Append(errkind.Io(err, "read %s", path), l.alloc.Free(block))
	}
	if err := ctx.Err(); err != nil {
		return Loaded{}, multierr.Append(errors.Wrapf(err, "load %s", path), l.alloc.Free(block))
	}

	loaded := Loaded{
		Path:   path,
		Block:  block,
		Size:   size,
		Digest: xxhash.Sum64(buf),
	}

	l.logger.Debug(ctx, logging.ComponentLoader, logging.ActionLoad, "Resource read", logging.Fields{
		"path":   path,
		"size":   size,
		"block":  block.String(),
		"digest": loaded.Digest,
	})

	return loaded, nil
}

// readExactly fills buf and confirms the reader is exhausted
func readExactly(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
			return errors.Wrapf(ErrFileChanged, "short read of %d bytes", len(buf))
		}
		return err
	}

	var extra [1]byte
	n, err := r.Read(extra[:])
	if n > 0 {
		return errors.Wrapf(ErrFileChanged, "more than %d bytes", len(buf))
	}
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
