package nntp

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediahunt/mediahunt/internal/errors"
)

type fakeConn struct {
	body      []byte
	bodyErr   error
	groupErr  error
	selected  []string
	bodyCalls int
}

func (f *fakeConn) SelectGroup(group string) (bool, error) {
	if f.groupErr != nil {
		return false, f.groupErr
	}
	f.selected = append(f.selected, group)
	return true, nil
}

func (f *fakeConn) Body(messageID string) ([]byte, error) {
	f.bodyCalls++
	if f.bodyErr != nil {
		return nil, f.bodyErr
	}
	return f.body, nil
}

type fakeSource struct {
	name       string
	priority   int
	conn       *fakeConn
	acquireErr error
	bandwidth  atomic.Int64
	released   []bool
}

func (f *fakeSource) Name() string   { return f.name }
func (f *fakeSource) Priority() int  { return f.priority }
func (f *fakeSource) AddBandwidth(n int64) { f.bandwidth.Add(n) }

func (f *fakeSource) Acquire(ctx context.Context, timeout time.Duration) (ArticleConn, error) {
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	return f.conn, nil
}

func (f *fakeSource) Release(conn ArticleConn, broken bool) {
	f.released = append(f.released, broken)
}

func TestDispatcherFallsThroughToNextPool(t *testing.T) {
	p1 := &fakeSource{
		name:     "P1",
		priority: 1,
		conn:     &fakeConn{bodyErr: errors.New(errors.KindArticleMissing, "430 no such article")},
	}
	p2 := &fakeSource{
		name:     "P2",
		priority: 2,
		conn:     &fakeConn{body: []byte("OK")},
	}

	d := NewDispatcher([]Source{p2, p1}) // order given does not matter

	body, pool, err := d.Fetch(context.Background(), "mid@example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("OK"), body)
	assert.Equal(t, "P2", pool)

	// Byte accounting lands on the serving pool only.
	assert.Equal(t, int64(0), p1.bandwidth.Load())
	assert.Equal(t, int64(2), p2.bandwidth.Load())

	// The missing article did not break P1's connection.
	require.Len(t, p1.released, 1)
	assert.False(t, p1.released[0])
}

func TestDispatcherPrefersLowestPriority(t *testing.T) {
	low := &fakeSource{name: "low", priority: 1, conn: &fakeConn{body: []byte("low-data")}}
	high := &fakeSource{name: "high", priority: 9, conn: &fakeConn{body: []byte("high-data")}}

	d := NewDispatcher([]Source{high, low})

	_, pool, err := d.Fetch(context.Background(), "mid@example.com", []string{"alt.binaries.test"})
	require.NoError(t, err)
	assert.Equal(t, "low", pool)
	assert.Zero(t, high.conn.bodyCalls)
	assert.Equal(t, []string{"alt.binaries.test"}, low.conn.selected)
}

func TestDispatcherMarksTransportErrorBroken(t *testing.T) {
	broken := &fakeSource{
		name:     "broken",
		priority: 1,
		conn:     &fakeConn{bodyErr: errors.New(errors.KindTransient, "connection reset")},
	}
	backup := &fakeSource{name: "backup", priority: 2, conn: &fakeConn{body: []byte("data")}}

	d := NewDispatcher([]Source{broken, backup})

	body, pool, err := d.Fetch(context.Background(), "mid@example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, "backup", pool)
	assert.Equal(t, []byte("data"), body)

	require.Len(t, broken.released, 1)
	assert.True(t, broken.released[0], "transport failure must mark the connection broken")
}

func TestDispatcherSkipsSaturatedPool(t *testing.T) {
	saturated := &fakeSource{name: "busy", priority: 1, acquireErr: ErrAcquireTimeout}
	idle := &fakeSource{name: "idle", priority: 2, conn: &fakeConn{body: []byte("data")}}

	d := NewDispatcher([]Source{saturated, idle})

	_, pool, err := d.Fetch(context.Background(), "mid@example.com", nil)
	require.NoError(t, err)
	assert.Equal(t, "idle", pool)
}

func TestDispatcherExhausted(t *testing.T) {
	s := &fakeSource{
		name:     "only",
		priority: 1,
		conn:     &fakeConn{bodyErr: errors.New(errors.KindArticleMissing, "430")},
	}

	d := NewDispatcher([]Source{s})

	body, pool, err := d.Fetch(context.Background(), "missing@example.com", nil)
	assert.Nil(t, body)
	assert.Empty(t, pool)
	assert.ErrorIs(t, err, ErrAllPoolsExhausted)
	assert.True(t, errors.IsKind(err, errors.KindArticleMissing))
}

func TestDispatcherGroupSelectFailureBreaksConnection(t *testing.T) {
	bad := &fakeSource{
		name:     "bad",
		priority: 1,
		conn:     &fakeConn{groupErr: errors.New(errors.KindTransient, "broken pipe")},
	}
	good := &fakeSource{name: "good", priority: 2, conn: &fakeConn{body: []byte("x")}}

	d := NewDispatcher([]Source{bad, good})

	_, pool, err := d.Fetch(context.Background(), "mid@example.com", []string{"alt.binaries.a"})
	require.NoError(t, err)
	assert.Equal(t, "good", pool)
	require.Len(t, bad.released, 1)
	assert.True(t, bad.released[0])
	assert.Zero(t, bad.conn.bodyCalls)
}
