package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediahunt/mediahunt/internal/errors"
)

type fakeHandler struct {
	mu       sync.Mutex
	calls    []string
	flushes  int
	shutdown bool
}

func (h *fakeHandler) Handle(_ context.Context, method string, args json.RawMessage) (any, error) {
	h.mu.Lock()
	h.calls = append(h.calls, method)
	h.mu.Unlock()

	switch method {
	case "echo":
		var s string
		_ = json.Unmarshal(args, &s)
		return s, nil
	case "boom":
		return nil, errors.New(errors.KindIPC, "handler exploded")
	default:
		return true, nil
	}
}

func (h *fakeHandler) Snapshot(_ context.Context) (any, any, any) {
	return map[string]string{"state": "running"}, []string{"item-1"}, []string{}
}

func (h *fakeHandler) FlushResume(_ context.Context) {
	h.mu.Lock()
	h.flushes++
	h.mu.Unlock()
}

func (h *fakeHandler) Shutdown(_ context.Context) {
	h.mu.Lock()
	h.shutdown = true
	h.mu.Unlock()
}

func (h *fakeHandler) callList() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.calls))
	copy(out, h.calls)
	return out
}

// startPair wires a child and its proxy over in-memory pipes.
func startPair(t *testing.T, handler Handler, snapshotPath string) (*Proxy, chan error) {
	t.Helper()

	parentToChild, childStdin := io.Pipe()
	childToParent, childStdout := io.Pipe()

	child := NewChild(handler, snapshotPath, parentToChild, childStdout)
	done := make(chan error, 1)
	go func() { done <- child.Run(context.Background()) }()

	proxy := NewProxy("test", snapshotPath, childStdin, childToParent)
	t.Cleanup(func() {
		_ = childStdin.Close()
		_ = childStdout.Close()
	})
	return proxy, done
}

func TestChildAnswersCommands(t *testing.T) {
	handler := &fakeHandler{}
	proxy, done := startPair(t, handler, "")
	ctx := context.Background()

	result, err := proxy.Send(ctx, MethodPing, nil)
	require.NoError(t, err)
	assert.Equal(t, "true", string(result))

	var echoed string
	require.NoError(t, proxy.Call(ctx, "echo", "hello child", &echoed))
	assert.Equal(t, "hello child", echoed)

	_, err = proxy.Send(ctx, "boom", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "handler exploded")
	assert.Equal(t, errors.KindIPC, errors.KindOf(err))

	// Orderly stop: child replies true then exits and shuts the engine down.
	result, err = proxy.Send(ctx, MethodStop, nil)
	require.NoError(t, err)
	assert.Equal(t, "true", string(result))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit after stop")
	}
	assert.True(t, handler.shutdown)
	assert.GreaterOrEqual(t, handler.flushes, 1)
}

func TestChildExecutesInOrder(t *testing.T) {
	handler := &fakeHandler{}
	proxy, _ := startPair(t, handler, "")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		var echoed string
		require.NoError(t, proxy.Call(ctx, "echo", fmt.Sprintf("msg-%d", i), &echoed))
		assert.Equal(t, fmt.Sprintf("msg-%d", i), echoed)
	}

	assert.Equal(t, []string{"echo", "echo", "echo", "echo", "echo"}, handler.callList())
}

func TestChildWritesSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.state")
	handler := &fakeHandler{}
	proxy, _ := startPair(t, handler, path)

	// The child writes an initial snapshot on startup.
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)

	snap := proxy.GetSnapshot()
	require.NotNil(t, snap)

	var status map[string]string
	require.NoError(t, json.Unmarshal(snap.Status, &status))
	assert.Equal(t, "running", status["state"])

	// No temp file may survive the atomic write.
	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestProxyOutOfOrderReplies(t *testing.T) {
	cmdReader, cmdWriter := io.Pipe()
	replyReader, replyWriter := io.Pipe()
	proxy := NewProxy("test", "", cmdWriter, replyReader)

	// Collect both requests, then answer them in reverse order.
	go func() {
		dec := json.NewDecoder(cmdReader)
		enc := json.NewEncoder(replyWriter)
		var reqs []Request
		for len(reqs) < 2 {
			var req Request
			if dec.Decode(&req) != nil {
				return
			}
			reqs = append(reqs, req)
		}
		_ = enc.Encode(Response{ID: reqs[1].ID, Result: json.RawMessage(`"second"`)})
		_ = enc.Encode(Response{ID: reqs[0].ID, Result: json.RawMessage(`"first"`)})
	}()

	ctx := context.Background()
	var wg sync.WaitGroup
	results := make([]string, 2)
	for i := 0; i < 2; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			// Stagger so request 0 is written before request 1.
			time.Sleep(time.Duration(i) * 50 * time.Millisecond)
			raw, err := proxy.Send(ctx, "echo", nil)
			if err == nil {
				_ = json.Unmarshal(raw, &results[i])
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, "first", results[0])
	assert.Equal(t, "second", results[1])
}

func TestProxySendCancelled(t *testing.T) {
	cmdReader, cmdWriter := io.Pipe()
	replyReader, _ := io.Pipe()
	proxy := NewProxy("test", "", cmdWriter, replyReader)

	// Drain commands without ever replying.
	go func() { _, _ = io.Copy(io.Discard, cmdReader) }()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := proxy.Send(ctx, MethodPauseAll, nil)
		done <- err
	}()

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("send never returned")
	}
}

func TestProxySendStalledChildDoesNotWedge(t *testing.T) {
	// Nothing reads the command pipe: the write parks in the writer
	// goroutine, and callers keep their context and timeout guarantees.
	_, cmdWriter := io.Pipe()
	replyReader, _ := io.Pipe()
	proxy := NewProxy("test", "", cmdWriter, replyReader)

	start := time.Now()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := proxy.Send(ctx, MethodPauseAll, nil)
	require.Error(t, err)

	// A second command must not block behind the first one's stalled write.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel2()
	_, err = proxy.Send(ctx2, MethodPing, nil)
	require.Error(t, err)

	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestProxySubmitQueueFull(t *testing.T) {
	_, cmdWriter := io.Pipe()
	replyReader, _ := io.Pipe()
	proxy := NewProxy("test", "", cmdWriter, replyReader)

	// One-slot queue that the writer goroutine never drains (it holds the
	// original channel), with a short grace so the test fails fast.
	proxy.writeCh = make(chan Request, 1)
	proxy.submitGrace = 50 * time.Millisecond

	// Occupy the only slot. The reply never comes, so this errors on its
	// context, but the queued command stays put.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := proxy.Send(ctx, MethodPauseAll, nil)
	require.Error(t, err)

	_, err = proxy.Send(context.Background(), MethodPauseAll, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindIPC, errors.KindOf(err))
	assert.Contains(t, err.Error(), "command queue full")
}

func TestSnapshotReadFallbacks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.state")

	_, cmdWriter := io.Pipe()
	replyReader, _ := io.Pipe()
	proxy := NewProxy("test", path, cmdWriter, replyReader)

	// No file yet: well-typed empty sentinel.
	snap := proxy.GetSnapshot()
	require.NotNil(t, snap)
	assert.Equal(t, "{}", string(snap.Status))
	assert.Equal(t, "[]", string(snap.Queue))

	// A real snapshot becomes the cached and last-good value.
	require.NoError(t, WriteSnapshot(path, &Snapshot{
		Status:  json.RawMessage(`{"ok":true}`),
		Queue:   json.RawMessage(`[1]`),
		History: json.RawMessage(`[]`),
		TS:      time.Now().Unix(),
	}))
	proxy.cacheMu.Lock()
	proxy.cached = nil // bypass the TTL for the test
	proxy.cacheMu.Unlock()

	snap = proxy.GetSnapshot()
	assert.Equal(t, `{"ok":true}`, string(snap.Status))

	// File vanishes: the last good value is served.
	require.NoError(t, os.Remove(path))
	proxy.cacheMu.Lock()
	proxy.cached = nil
	proxy.cacheMu.Unlock()

	snap = proxy.GetSnapshot()
	assert.Equal(t, `{"ok":true}`, string(snap.Status))
}

func TestSnapshotCacheTTL(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.state")
	require.NoError(t, WriteSnapshot(path, &Snapshot{Status: json.RawMessage(`{"v":1}`), TS: 1}))

	_, cmdWriter := io.Pipe()
	replyReader, _ := io.Pipe()
	proxy := NewProxy("test", path, cmdWriter, replyReader)

	first := proxy.GetSnapshot()
	assert.Equal(t, `{"v":1}`, string(first.Status))

	// Overwrite within the TTL: the cached value is still served.
	require.NoError(t, WriteSnapshot(path, &Snapshot{Status: json.RawMessage(`{"v":2}`), TS: 2}))
	second := proxy.GetSnapshot()
	assert.Equal(t, `{"v":1}`, string(second.Status))
}

func TestMethodTimeouts(t *testing.T) {
	assert.Equal(t, addTimeout, methodTimeout(MethodAddNZB))
	assert.Equal(t, addTimeout, methodTimeout(MethodAddTorrent))
	assert.Equal(t, testServersTimeout, methodTimeout(MethodTestServers))
	assert.Equal(t, defaultTimeout, methodTimeout(MethodPauseAll))
}
