// control.go - Cooperative cancellation for long-running loops
// ============================================================================
// SHUTDOWN COORDINATION
// ============================================================================
//
// A Token replaces a process-wide stop flag. Every loop receives its Token
// explicitly and polls Stopped() once per iteration; nothing is interrupted
// mid-operation.
//
// Threading model:
//   • Any goroutine (typically the signal watcher) may call Cancel
//   • Hot loops read a single atomic word via Stopped()
//   • Blocking code selects on Done() or uses Context()
//
// Safety guarantees:
//   • Cancel is idempotent and safe for concurrent use
//   • Once Stopped() returns true it never returns false again

package control

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// ============================================================================
// TOKEN
// ============================================================================

// Token is a one-shot cancellation signal.
type Token struct {
	stop   atomic.Uint32
	once   sync.Once
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a live token.
func New() *Token {
	ctx, cancel := context.WithCancel(context.Background())
	return &Token{ctx: ctx, cancel: cancel}
}

// Cancel flips the token. Subsequent calls are no-ops.
func (t *Token) Cancel() {
	t.once.Do(func() {
		t.stop.Store(1)
		t.cancel()
	})
}

// Stopped reports whether Cancel has been called. Hot-path safe.
//
//go:nosplit
//go:inline
func (t *Token) Stopped() bool {
	return t.stop.Load() != 0
}

// Done is closed when the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.ctx.Done()
}

// Context returns a context cancelled together with the token.
func (t *Token) Context() context.Context {
	return t.ctx
}

// ============================================================================
// SIGNAL INTEGRATION
// ============================================================================

// WatchSignals cancels tok on the first of sigs (SIGINT and SIGTERM when
// none are given). The handler touches nothing but the token. The returned
// function stops the watcher.
func WatchSignals(tok *Token, sigs ...os.Signal) (stop func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	quit := make(chan struct{})
	go func() {
		select {
		case <-ch:
			tok.Cancel()
		case <-quit:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
		})
	}
}
