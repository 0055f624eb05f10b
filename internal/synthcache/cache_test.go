package synthcache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"iter"
	"os"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ent0n29/voicegate/internal/observability"
	"github.com/ent0n29/voicegate/internal/speech"
)

type fakeSynth struct {
	chunks [][]byte
	failAt int // yield an error instead of chunk failAt when > 0
	calls  atomic.Int32
}

func (f *fakeSynth) Synthesize(ctx context.Context, _ string) iter.Seq2[[]byte, error] {
	f.calls.Add(1)
	return func(yield func([]byte, error) bool) {
		for i, c := range f.chunks {
			if f.failAt > 0 && i == f.failAt {
				yield(nil, speech.ConnectionError("fake", errors.New("reset")))
				return
			}
			if !yield(c, nil) {
				return
			}
		}
	}
}

func drain(t *testing.T, seq iter.Seq2[[]byte, error]) ([]byte, [][]byte, error) {
	t.Helper()
	var all []byte
	var chunks [][]byte
	for c, err := range seq {
		if err != nil {
			return all, chunks, err
		}
		all = append(all, c...)
		chunks = append(chunks, c)
	}
	return all, chunks, nil
}

func newLocalCache(t *testing.T, block int) (*Cache, string, *observability.Metrics) {
	t.Helper()
	dir := t.TempDir()
	store, err := NewLocalStore(dir)
	require.NoError(t, err)
	m := observability.NewMetrics("test")
	return New(store, block, zaptest.NewLogger(t), m), dir, m
}

func TestGetOrSynthesizeMissThenHit(t *testing.T) {
	c, dir, m := newLocalCache(t, 3)
	syn := &fakeSynth{chunks: [][]byte{[]byte("abcd"), []byte("ef")}}

	first, firstChunks, err := drain(t, c.GetOrSynthesize(context.Background(), syn, "hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), first)
	assert.Len(t, firstChunks, 2)

	stored, err := os.ReadFile(dir + "/" + Key("hello") + Ext)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), stored)

	second, secondChunks, err := drain(t, c.GetOrSynthesize(context.Background(), syn, "hello"))
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, [][]byte{[]byte("abc"), []byte("def")}, secondChunks)
	assert.Equal(t, int32(1), syn.calls.Load())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("miss")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("hit")))
}

func TestGetOrSynthesizeKeysExactText(t *testing.T) {
	c, _, _ := newLocalCache(t, 0)
	syn := &fakeSynth{chunks: [][]byte{[]byte("x")}}

	for _, text := range []string{"Hello", "hello", "hello "} {
		_, _, err := drain(t, c.GetOrSynthesize(context.Background(), syn, text))
		require.NoError(t, err)
	}
	assert.Equal(t, int32(3), syn.calls.Load())
}

func TestGetOrSynthesizeFailureLeavesNoEntry(t *testing.T) {
	c, dir, _ := newLocalCache(t, 0)
	syn := &fakeSynth{chunks: [][]byte{[]byte("ab"), []byte("cd"), []byte("ef")}, failAt: 2}

	got, _, err := drain(t, c.GetOrSynthesize(context.Background(), syn, "partial"))
	require.Error(t, err)
	assert.ErrorIs(t, err, speech.ErrConnection)
	assert.Equal(t, []byte("abcd"), got)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	// The next request synthesizes again.
	syn.failAt = 0
	got, _, err = drain(t, c.GetOrSynthesize(context.Background(), syn, "partial"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), got)
	assert.Equal(t, int32(2), syn.calls.Load())
}

func TestGetOrSynthesizeEarlyStopAborts(t *testing.T) {
	c, dir, _ := newLocalCache(t, 0)
	syn := &fakeSynth{chunks: [][]byte{[]byte("ab"), []byte("cd")}}

	for range c.GetOrSynthesize(context.Background(), syn, "stop") {
		break
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetOrSynthesizeCancelledNotCommitted(t *testing.T) {
	c, dir, _ := newLocalCache(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	syn := &fakeSynth{chunks: [][]byte{[]byte("ab"), []byte("cd")}}

	for range c.GetOrSynthesize(ctx, syn, "cancel") {
		cancel()
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetOrSynthesizeEmptyResultNotCached(t *testing.T) {
	c, dir, _ := newLocalCache(t, 0)
	syn := &fakeSynth{}

	_, _, err := drain(t, c.GetOrSynthesize(context.Background(), syn, "silence"))
	require.NoError(t, err)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGetOrSynthesizeNilStorePassesThrough(t *testing.T) {
	c := New(nil, 0, nil, nil)
	syn := &fakeSynth{chunks: [][]byte{[]byte("ab")}}

	for i := 0; i < 2; i++ {
		got, _, err := drain(t, c.GetOrSynthesize(context.Background(), syn, "same"))
		require.NoError(t, err)
		assert.Equal(t, []byte("ab"), got)
	}
	assert.Equal(t, int32(2), syn.calls.Load())
}

type brokenStore struct {
	openErr error
	aborted atomic.Bool
}

func (s *brokenStore) Open(context.Context, string) (io.ReadCloser, error) {
	return nil, s.openErr
}

func (s *brokenStore) Create(context.Context, string) (Writer, error) {
	return &brokenWriter{store: s}, nil
}

type brokenWriter struct{ store *brokenStore }

func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }
func (w *brokenWriter) Commit() error            { return errors.New("unexpected commit") }
func (w *brokenWriter) Abort() error {
	w.store.aborted.Store(true)
	return nil
}

func TestGetOrSynthesizeWriteFailureStillStreams(t *testing.T) {
	store := &brokenStore{openErr: fs.ErrNotExist}
	c := New(store, 0, zaptest.NewLogger(t), nil)
	syn := &fakeSynth{chunks: [][]byte{[]byte("ab"), []byte("cd")}}

	got, _, err := drain(t, c.GetOrSynthesize(context.Background(), syn, "text"))
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), got)
	assert.True(t, store.aborted.Load())
}

func TestGetOrSynthesizeReadErrorFallsBackToProvider(t *testing.T) {
	store := &brokenStore{openErr: errors.New("permission denied")}
	m := observability.NewMetrics("test")
	c := New(store, 0, zaptest.NewLogger(t), m)
	syn := &fakeSynth{chunks: [][]byte{[]byte("ab")}}

	got, _, err := drain(t, c.GetOrSynthesize(context.Background(), syn, "text"))
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), got)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheLookups.WithLabelValues("error")))
}

type failingReader struct{ data []byte }

func (r *failingReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, errors.New("io failure")
	}
	n := copy(p, r.data)
	r.data = r.data[n:]
	return n, nil
}

func TestReplayReadErrorIsCacheIO(t *testing.T) {
	c := New(nil, 2, zaptest.NewLogger(t), nil)
	var got []byte
	var gotErr error
	c.replay(context.Background(), "k", &failingReader{data: []byte("abc")}, func(b []byte, err error) bool {
		if err != nil {
			gotErr = err
			return false
		}
		got = append(got, b...)
		return true
	})
	assert.Equal(t, []byte("abc"), got)
	assert.ErrorIs(t, gotErr, speech.ErrCacheIO)
}

func TestKeyStable(t *testing.T) {
	assert.Equal(t, Key("hello"), Key("hello"))
	assert.NotEqual(t, Key("hello"), Key("hello!"))
	assert.False(t, bytes.ContainsAny([]byte(Key("a/b")), `/\`))
}
