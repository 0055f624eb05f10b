// Package adapterpool decides how provider adapters are shared between
// client connections.
package adapterpool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ent0n29/voicegate/internal/config"
	"github.com/ent0n29/voicegate/internal/logging"
)

// ErrClosed is returned by Acquire after Close.
var ErrClosed = errors.New("adapter pool closed")

// Closer is satisfied by every provider adapter.
type Closer interface {
	Close() error
}

// Pool hands out adapters according to a scope:
//
//   - connection: a fresh adapter per Acquire, closed on release.
//   - shared: one lazily built instance for the whole process, closed only
//     by Pool.Close.
//   - pool: adapters are reused from a bounded idle set. Release closes the
//     adapter so it keeps no per-connection state, then parks it for the
//     next Acquire; adapters beyond the idle bound are dropped.
type Pool[T Closer] struct {
	scope   string
	factory func() (T, error)
	log     *zap.Logger

	mu     sync.Mutex
	closed bool
	shared *T
	idle   chan T
}

func New[T Closer](scope string, size int, factory func() (T, error), logger *zap.Logger) (*Pool[T], error) {
	p := &Pool[T]{scope: scope, factory: factory, log: logging.OrNop(logger).Named("adapterpool")}
	switch scope {
	case config.ScopeConnection, config.ScopeShared:
	case config.ScopePool:
		if size <= 0 {
			return nil, fmt.Errorf("adapter pool size must be > 0 (got %d)", size)
		}
		p.idle = make(chan T, size)
	default:
		return nil, fmt.Errorf("unknown adapter scope %q", scope)
	}
	return p, nil
}

func (p *Pool[T]) Scope() string {
	return p.scope
}

// Acquire returns an adapter and the function that gives it back. The
// release function is safe to call more than once.
func (p *Pool[T]) Acquire(ctx context.Context) (T, func(), error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, nil, err
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return zero, nil, ErrClosed
	}

	switch p.scope {
	case config.ScopeShared:
		defer p.mu.Unlock()
		if p.shared == nil {
			a, err := p.factory()
			if err != nil {
				return zero, nil, err
			}
			p.shared = &a
		}
		return *p.shared, func() {}, nil

	case config.ScopePool:
		p.mu.Unlock()
		var a T
		select {
		case a = <-p.idle:
		default:
			var err error
			if a, err = p.factory(); err != nil {
				return zero, nil, err
			}
		}
		return a, p.releaser(a, true), nil

	default:
		p.mu.Unlock()
		a, err := p.factory()
		if err != nil {
			return zero, nil, err
		}
		return a, p.releaser(a, false), nil
	}
}

func (p *Pool[T]) releaser(a T, park bool) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			if err := a.Close(); err != nil {
				p.log.Debug("adapter close failed", zap.Error(err))
			}
			if !park {
				return
			}
			p.mu.Lock()
			defer p.mu.Unlock()
			if p.closed {
				return
			}
			select {
			case p.idle <- a:
			default:
			}
		})
	}
}

// Close closes the shared instance and empties the idle set. Adapters
// still checked out are closed by their release functions.
func (p *Pool[T]) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	var err error
	if p.shared != nil {
		err = (*p.shared).Close()
		p.shared = nil
	}
	if p.idle != nil {
	drain:
		for {
			select {
			case <-p.idle:
			default:
				break drain
			}
		}
	}
	return err
}
