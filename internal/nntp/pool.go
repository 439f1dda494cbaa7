package nntp

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/mediahunt/mediahunt/internal/errors"
	"github.com/mediahunt/mediahunt/internal/metrics"
)

// ErrAcquireTimeout is returned when no connection became available within
// the caller's budget. The dispatcher treats it as "skip this pool".
var ErrAcquireTimeout = errors.New(errors.KindTransient, "connection acquire timed out")

// acquirePollInterval bounds how long a waiter sleeps before re-checking the
// free list.
const acquirePollInterval = 100 * time.Millisecond

// DialFunc opens an authenticated connection. Injectable for tests.
type DialFunc func(ctx context.Context, cfg ServerConfig) (*Conn, error)

// Pool manages up to MaxConnections authenticated connections to one server.
// Every live connection is either on the free list or handed out to exactly
// one caller.
type Pool struct {
	cfg  ServerConfig
	dial DialFunc

	mu        sync.Mutex
	live      int // free + handed out + dials in flight
	available []*Conn
	closed    bool

	bytesDownloaded atomic.Int64
}

// NewPool creates a pool for the server. A nil dial uses the real NNTP dialer.
func NewPool(cfg ServerConfig, dial DialFunc) *Pool {
	if dial == nil {
		dial = Dial
	}
	return &Pool{cfg: cfg, dial: dial}
}

// Name returns the server's display name, falling back to its address.
func (p *Pool) Name() string {
	if p.cfg.Name != "" {
		return p.cfg.Name
	}
	return p.cfg.Address()
}

// Priority returns the server priority; lower is preferred.
func (p *Pool) Priority() int { return p.cfg.Priority }

// Get returns an idle connection, dials a new one while under the cap, or
// polls until one is released or the timeout elapses.
func (p *Pool) Get(ctx context.Context, timeout time.Duration) (*Conn, error) {
	deadline := time.Now().Add(timeout)

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, errors.New(errors.KindTransient, "pool is closed")
		}
		if n := len(p.available); n > 0 {
			conn := p.available[n-1]
			p.available = p.available[:n-1]
			p.mu.Unlock()
			return conn, nil
		}
		if p.live < p.cfg.MaxConnections {
			p.live++ // reserve the slot before dialing
			p.mu.Unlock()

			conn, err := p.dialWithRetry(ctx)
			if err != nil {
				p.mu.Lock()
				p.live--
				p.mu.Unlock()
				return nil, err
			}
			return conn, nil
		}
		p.mu.Unlock()

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrAcquireTimeout
		}
		wait := acquirePollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrap(errors.KindTransient, "acquire cancelled", ctx.Err())
		case <-time.After(wait):
		}
	}
}

func (p *Pool) dialWithRetry(ctx context.Context) (*Conn, error) {
	return retry.DoWithData(
		func() (*Conn, error) {
			return p.dial(ctx, p.cfg)
		},
		retry.Attempts(2),
		retry.Delay(250*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// Auth rejections will not succeed on a redial.
			return !errors.IsKind(err, errors.KindAuth)
		}),
		retry.Context(ctx),
	)
}

// put returns a connection to the free list. A broken connection is closed
// and removed from the pool instead.
func (p *Pool) put(conn *Conn, broken bool) {
	if conn == nil {
		return
	}

	p.mu.Lock()
	if broken || p.closed {
		p.live--
		p.mu.Unlock()
		conn.Close()
		return
	}
	p.available = append(p.available, conn)
	p.mu.Unlock()
}

// AddBandwidth records n downloaded bytes. Safe under concurrent callers.
func (p *Pool) AddBandwidth(n int64) {
	p.bytesDownloaded.Add(n)
	metrics.PoolBytesDownloaded.WithLabelValues(p.Name()).Add(float64(n))
}

// BytesDownloaded returns the cumulative byte count.
func (p *Pool) BytesDownloaded() int64 {
	return p.bytesDownloaded.Load()
}

// TestConnection dials, authenticates and quits, verifying credentials and
// reachability without touching pooled connections.
func (p *Pool) TestConnection(ctx context.Context) error {
	conn, err := p.dial(ctx, p.cfg)
	if err != nil {
		return err
	}
	conn.Quit()
	return nil
}

// Idle returns the free-list length. Used by status reporting and tests.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.available)
}

// Live returns the number of live connections (idle plus handed out).
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.live
}

// Close quits all idle connections and marks the pool closed. Handed-out
// connections are closed as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.available
	p.available = nil
	p.live -= len(idle)
	p.closed = true
	p.mu.Unlock()

	for _, conn := range idle {
		conn.Quit()
	}
}
