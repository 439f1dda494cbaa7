package nntp

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/mediahunt/mediahunt/internal/errors"
	"github.com/mediahunt/mediahunt/internal/metrics"
)

// ArticleConn is the retrieval surface of one pooled connection.
type ArticleConn interface {
	SelectGroup(group string) (bool, error)
	Body(messageID string) ([]byte, error)
}

// Source is an article source the dispatcher can try, ordered by priority.
// *Pool is the production implementation; tests use fakes.
type Source interface {
	Name() string
	Priority() int
	Acquire(ctx context.Context, timeout time.Duration) (ArticleConn, error)
	Release(conn ArticleConn, broken bool)
	AddBandwidth(n int64)
}

// Acquire adapts Get to the Source interface.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (ArticleConn, error) {
	conn, err := p.Get(ctx, timeout)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Release adapts the Source interface back onto the concrete pool.
func (p *Pool) Release(conn ArticleConn, broken bool) {
	if c, ok := conn.(*Conn); ok {
		p.put(c, broken)
	}
}

// ErrAllPoolsExhausted is returned when no source produced the article.
var ErrAllPoolsExhausted = errors.New(errors.KindArticleMissing, "article not found on any server")

// poolAcquireTimeout is deliberately short so that parallel workers fall
// through quickly to the next pool when one is saturated.
const poolAcquireTimeout = 500 * time.Millisecond

// Dispatcher retrieves article bodies by trying sources in ascending
// priority order.
type Dispatcher struct {
	sources []Source
	log     *slog.Logger
}

// NewDispatcher sorts the sources by priority and builds a dispatcher.
func NewDispatcher(sources []Source) *Dispatcher {
	sorted := make([]Source, len(sources))
	copy(sorted, sources)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})

	return &Dispatcher{
		sources: sorted,
		log:     slog.Default().With("component", "nntp-dispatcher"),
	}
}

// Fetch returns the first article body found, together with the name of the
// pool that served it. Exhausting every source returns ErrAllPoolsExhausted.
func (d *Dispatcher) Fetch(ctx context.Context, messageID string, groups []string) ([]byte, string, error) {
	for _, src := range d.sources {
		if ctx.Err() != nil {
			return nil, "", errors.Wrap(errors.KindTransient, "fetch cancelled", ctx.Err())
		}

		conn, err := src.Acquire(ctx, poolAcquireTimeout)
		if err != nil {
			d.log.DebugContext(ctx, "pool acquire miss", "pool", src.Name(), "error", err)
			continue
		}

		body, err := d.fetchOn(conn, messageID, groups)
		if err != nil {
			broken := errors.KindOf(err) == errors.KindTransient
			src.Release(conn, broken)
			if broken {
				d.log.DebugContext(ctx, "connection failed, trying next pool",
					"pool", src.Name(), "message_id", messageID, "error", err)
			}
			continue
		}

		src.Release(conn, false)
		src.AddBandwidth(int64(len(body)))
		metrics.SegmentsFetched.WithLabelValues("ok").Inc()
		return body, src.Name(), nil
	}

	metrics.SegmentsFetched.WithLabelValues("missing").Inc()
	return nil, "", ErrAllPoolsExhausted
}

// fetchOn selects the first available group (best effort; BODY by Message-ID
// works without a selected group on many servers) and retrieves the body.
func (d *Dispatcher) fetchOn(conn ArticleConn, messageID string, groups []string) ([]byte, error) {
	for _, group := range groups {
		ok, err := conn.SelectGroup(group)
		if err != nil {
			return nil, err
		}
		if ok {
			break
		}
	}

	return conn.Body(messageID)
}
