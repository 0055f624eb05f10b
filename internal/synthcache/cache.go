package synthcache

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"iter"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/logging"
	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/speech"
)

// DefaultBlockSize is the replay block size when none is configured.
const DefaultBlockSize = 4096

// Synthesizer produces audio for a text. tts.Adapter satisfies it.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) iter.Seq2[[]byte, error]
}

// Cache fronts a Synthesizer with a Store. A Cache with a nil store passes
// every request straight through.
type Cache struct {
	store     Store
	blockSize int
	log       *zap.Logger
	metrics   *observability.Metrics
}

func New(store Store, blockSize int, logger *zap.Logger, metrics *observability.Metrics) *Cache {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &Cache{
		store:     store,
		blockSize: blockSize,
		log:       logging.OrNop(logger).Named("synthcache"),
		metrics:   metrics,
	}
}

// Key returns the cache key of text: the hex xxhash64 of the exact string.
func Key(text string) string {
	return strconv.FormatUint(xxhash.Sum64String(text), 16)
}

// GetOrSynthesize yields the audio for text. On a hit the stored entry is
// replayed and syn is never called. On a miss every chunk from syn is
// written through to the store and yielded as soon as it arrives; the entry
// is only committed once syn finishes cleanly, so a failed, cancelled or
// abandoned synthesis never becomes a hit.
func (c *Cache) GetOrSynthesize(ctx context.Context, syn Synthesizer, text string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		if c.store == nil {
			c.observe("bypass")
			for chunk, err := range syn.Synthesize(ctx, text) {
				if !yield(chunk, err) || err != nil {
					return
				}
			}
			return
		}

		key := Key(text)
		rc, err := c.store.Open(ctx, key)
		if err == nil {
			c.observe("hit")
			defer rc.Close()
			c.replay(ctx, key, rc, yield)
			return
		}
		if !errors.Is(err, fs.ErrNotExist) {
			c.observe("error")
			c.log.Warn("cache read failed, synthesizing uncached",
				zap.String("key", key), zap.Error(speech.CacheIOError("open", err)))
		} else {
			c.observe("miss")
		}

		w, err := c.store.Create(ctx, key)
		if err != nil {
			c.log.Warn("cache entry not created",
				zap.String("key", key), zap.Error(speech.CacheIOError("create", err)))
			w = nil
		}
		written := 0
		defer func() {
			if w != nil {
				_ = w.Abort()
			}
		}()

		for chunk, err := range syn.Synthesize(ctx, text) {
			if err != nil {
				yield(nil, err)
				return
			}
			if w != nil && len(chunk) > 0 {
				if _, werr := w.Write(chunk); werr != nil {
					c.log.Warn("cache write failed, entry dropped",
						zap.String("key", key), zap.Error(speech.CacheIOError("write", werr)))
					_ = w.Abort()
					w = nil
				} else {
					written += len(chunk)
				}
			}
			if !yield(chunk, nil) {
				return
			}
		}

		// An empty result is not worth caching: it would replay as silence
		// forever.
		if w == nil || ctx.Err() != nil || written == 0 {
			return
		}
		cw := w
		w = nil
		if err := cw.Commit(); err != nil {
			c.log.Warn("cache commit failed",
				zap.String("key", key), zap.Error(speech.CacheIOError("commit", err)))
			return
		}
		c.log.Debug("cache entry stored", zap.String("key", key), zap.Int("bytes", written))
	}
}

func (c *Cache) replay(ctx context.Context, key string, r io.Reader, yield func([]byte, error) bool) {
	for {
		if err := ctx.Err(); err != nil {
			return
		}
		buf := make([]byte, c.blockSize)
		n, err := io.ReadFull(r, buf)
		if n > 0 {
			if !yield(buf[:n], nil) {
				return
			}
		}
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
			return
		default:
			c.log.Warn("cache replay failed", zap.String("key", key), zap.Error(err))
			yield(nil, speech.CacheIOError("read", err))
			return
		}
	}
}

func (c *Cache) observe(result string) {
	if c.metrics != nil {
		c.metrics.CacheLookups.WithLabelValues(result).Inc()
	}
}
