// Package hashwork computes BLAKE3 digests through the persistent cache.
// Work is bounded by a worker semaphore so hashing never starves the
// transfer executor, which runs on its own goroutine.
package hashwork

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/zeebo/blake3"

	"github.com/modellake/lakesync/internal/config"
	"github.com/modellake/lakesync/internal/event"
	"github.com/modellake/lakesync/internal/fault"
	"github.com/modellake/lakesync/internal/index"
	"github.com/modellake/lakesync/internal/relpath"
	"github.com/modellake/lakesync/internal/store"
)

const (
	chunkSize     = 1 << 20 // 1 MiB
	progressEvery = 250 * time.Millisecond
)

// Pool hashes files on behalf of verify, hash_file, and dedupe work.
type Pool struct {
	cfg   config.Config
	cache *store.Store
	idx   *index.Store
	bus   *event.Bus
	slots chan struct{}
}

// NewPool creates a pool bounded by cfg.HashWorkers.
func NewPool(cfg config.Config, cache *store.Store, idx *index.Store, bus *event.Bus) *Pool {
	workers := cfg.HashWorkers
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		cfg:   cfg,
		cache: cache,
		idx:   idx,
		bus:   bus,
		slots: make(chan struct{}, workers),
	}
}

// HashFile returns the BLAKE3 digest of (side, relpath), serving from the
// cache when the live stat matches a stored row. force skips the cache
// read and always recomputes. The call blocks for a worker slot.
func (p *Pool) HashFile(ctx context.Context, side config.Side, rp relpath.RelPath, force bool) (string, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-p.slots }()

	return p.hashFile(ctx, side, rp, force)
}

func (p *Pool) hashFile(ctx context.Context, side config.Side, rp relpath.RelPath, force bool) (string, error) {
	abs, err := relpath.Join(p.cfg.Root(side), rp)
	if err != nil {
		return "", err
	}

	before, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("hash %s:%s: %w", side, rp, fault.ErrNotFound)
		}
		return "", fmt.Errorf("hash %s:%s: %w", side, rp, err)
	}

	size := before.Size()
	mtimeNS := before.ModTime().UnixNano()

	if !force {
		if hash, ok, err := p.cache.HashGet(side, rp, size, mtimeNS); err != nil {
			return "", err
		} else if ok {
			p.idx.SetHash(side, rp, hash)
			return hash, nil
		}
	}

	hash, err := p.stream(ctx, side, rp, abs, size)
	if err != nil {
		return "", err
	}

	// Detect mutation during hashing: a digest of mixed generations must
	// not enter the cache.
	after, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("hash %s:%s re-stat: %w", side, rp, fault.ErrHashRaced)
	}
	if after.Size() != size || after.ModTime().UnixNano() != mtimeNS {
		return "", fmt.Errorf("hash %s:%s: %w", side, rp, fault.ErrHashRaced)
	}

	if err := p.cache.HashPut(side, rp, size, mtimeNS, hash); err != nil {
		return "", err
	}
	p.idx.SetHash(side, rp, hash)
	return hash, nil
}

func (p *Pool) stream(ctx context.Context, side config.Side, rp relpath.RelPath, abs string, total int64) (string, error) {
	f, err := os.Open(abs)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", abs, err)
	}
	defer f.Close()

	h := blake3.New()
	buf := make([]byte, chunkSize)
	var hashed int64
	lastProgress := time.Now()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		n, readErr := f.Read(buf)
		if n > 0 {
			if _, err := h.Write(buf[:n]); err != nil {
				return "", fmt.Errorf("hash %s: %w", abs, err)
			}
			hashed += int64(n)
			if p.bus != nil && time.Since(lastProgress) >= progressEvery {
				lastProgress = time.Now()
				p.bus.Publish(event.HashProgress, map[string]any{
					"side":         string(side),
					"relpath":      string(rp),
					"bytes_hashed": hashed,
					"total_bytes":  total,
				})
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", fmt.Errorf("read %s: %w", abs, readErr)
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// HashReader digests an arbitrary stream.
func HashReader(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// EmptyDigest is the BLAKE3 digest of zero bytes.
func EmptyDigest() string {
	h := blake3.New()
	return hex.EncodeToString(h.Sum(nil))
}
