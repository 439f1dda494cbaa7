package nzbengine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/sourcegraph/conc/pool"

	"github.com/mediahunt/mediahunt/internal/errors"
	"github.com/mediahunt/mediahunt/internal/nzb"
	"github.com/mediahunt/mediahunt/internal/yenc"
)

// persistEverySegments bounds how much progress a crash can lose.
const persistEverySegments = 50

// safeName reduces an item name to a filesystem-safe directory name: letters,
// digits, spaces, dots, underscores and hyphens, capped at 100 characters.
// An empty result falls back to the item id.
func safeName(name, id string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == ' ' || r == '.' || r == '_' || r == '-':
			b.WriteRune(r)
		}
	}

	out := strings.TrimSpace(b.String())
	if len(out) > 100 {
		out = strings.TrimSpace(out[:100])
	}
	if out == "" {
		return id
	}
	return out
}

// processItem drives one item through downloading, extracting and completion.
// Pause and removal are observed at segment boundaries; the method returns
// with the item left in whatever state the interruption produced.
func (e *Engine) processItem(ctx context.Context, item *Item) {
	e.mu.Lock()
	if item.State != StateQueued {
		e.mu.Unlock()
		return
	}
	item.State = StateDownloading
	started := time.Now().UTC()
	item.StartedAt = &started
	item.DownloadedBytes = 0
	item.CompletedSegments = 0
	item.CompletedFiles = 0
	item.SpeedBps = 0
	item.ETASeconds = 0
	item.Warnings = nil
	id := item.ID
	name := item.Name
	category := item.Category
	content := item.NZBContent
	e.saveStateLocked(ctx)
	e.mu.Unlock()

	parsed, err := nzb.Parse([]byte(content))
	if err != nil {
		e.failItem(ctx, id, "invalid NZB: "+err.Error())
		return
	}

	dirName := safeName(name, id)
	tempDir := filepath.Join(e.cfg.TempDir, dirName)
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		e.failItem(ctx, id, "create temp dir: "+err.Error())
		return
	}

	e.log.InfoContext(ctx, "download started", "id", id, "name", name, "dir", tempDir)

	interrupted, err := e.downloadFiles(ctx, id, parsed, tempDir)
	if err != nil {
		e.failItem(ctx, id, err.Error())
		_ = os.RemoveAll(tempDir)
		return
	}
	if interrupted {
		if _, ok := e.GetItem(id); !ok {
			// Removed while downloading; the partial output is discarded.
			_ = os.RemoveAll(tempDir)
		}
		return
	}

	e.mu.Lock()
	it := e.findLocked(id)
	if it == nil {
		e.mu.Unlock()
		_ = os.RemoveAll(tempDir)
		return
	}
	it.State = StateExtracting
	it.SpeedBps = 0
	it.ETASeconds = 0
	e.saveStateLocked(ctx)
	e.mu.Unlock()

	if e.post != nil {
		if err := e.post.Process(ctx, tempDir); err != nil {
			e.failItem(ctx, id, err.Error())
			return
		}
	}

	finalDir := e.finalDir(category, dirName)
	if err := moveDir(tempDir, finalDir); err != nil {
		e.failItem(ctx, id, "move to final dir: "+err.Error())
		return
	}

	e.completeItem(ctx, id, finalDir)
}

// downloadFiles retrieves every file of the document. It returns
// interrupted=true when a pause or removal was observed.
func (e *Engine) downloadFiles(ctx context.Context, id string, doc *nzb.NZB, dir string) (bool, error) {
	started := time.Now()
	workers := e.fetchWorkers()

	for _, f := range doc.Files {
		if st, ok := e.itemState(id); !ok || st != StateDownloading {
			return true, nil
		}

		if err := e.downloadFile(ctx, id, f, dir, started, workers); err != nil {
			return false, err
		}

		e.mu.Lock()
		if it := e.findLocked(id); it != nil {
			it.CompletedFiles++
			e.saveStateLocked(ctx)
		}
		e.mu.Unlock()
	}

	if st, ok := e.itemState(id); !ok || st != StateDownloading {
		return true, nil
	}
	return false, nil
}

// downloadFile fans segment retrieval out over the worker budget, then
// assembles the decoded segments in ascending order. A missing article is
// recorded as a warning and the segment is skipped; any other fetch error
// fails the file.
func (e *Engine) downloadFile(ctx context.Context, id string, f nzb.File, dir string, started time.Time, workers int) error {
	filename := f.Filename()
	segs := make([][]byte, len(f.Segments))
	var stop atomic.Bool

	p := pool.New().WithMaxGoroutines(workers).WithContext(ctx).WithCancelOnError()
	for i, seg := range f.Segments {
		i, seg := i, seg
		p.Go(func(ctx context.Context) error {
			if stop.Load() {
				return nil
			}
			if st, ok := e.itemState(id); !ok || st != StateDownloading {
				stop.Store(true)
				return nil
			}

			body, server, err := e.fetcher.Fetch(ctx, seg.MessageID, f.Groups)
			if err != nil {
				if errors.IsKind(err, errors.KindArticleMissing) {
					e.recordMissing(ctx, id, seg.MessageID, filename, started)
					return nil
				}
				stop.Store(true)
				return err
			}

			decoded, _ := yenc.Decode(body)
			segs[i] = decoded
			e.bandwidth.Record(ctx, server, int64(len(decoded)))
			e.bumpSegment(ctx, id, int64(len(decoded)), started)
			e.throttle(ctx, len(body))
			return nil
		})
	}

	if err := p.Wait(); err != nil {
		return err
	}
	if stop.Load() {
		// Pause or removal; the caller decides what to do with the partials.
		return nil
	}

	return assembleFile(dir, filename, segs)
}

// assembleFile concatenates the decoded segments, skipping missing ones, into
// a uniquely named file under dir.
func assembleFile(dir, filename string, segs [][]byte) error {
	path := uniquePath(filepath.Join(dir, filename))

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	for _, seg := range segs {
		if len(seg) == 0 {
			continue
		}
		if _, err := out.Write(seg); err != nil {
			_ = out.Close()
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	return out.Close()
}

// uniquePath appends _1, _2, ... before the extension until the path is free.
func uniquePath(path string) string {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return path
	}

	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s_%d%s", base, i, ext)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// itemState returns the live state of a queued item.
func (e *Engine) itemState(id string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if it := e.findLocked(id); it != nil {
		return it.State, true
	}
	return "", false
}

// recordMissing notes the unrecoverable article and counts its segment so
// progress still reaches 100%.
func (e *Engine) recordMissing(ctx context.Context, id, messageID, filename string, started time.Time) {
	e.mu.Lock()
	if it := e.findLocked(id); it != nil {
		it.Warnings = append(it.Warnings,
			fmt.Sprintf("missing article %s for %s", messageID, filename))
	}
	e.mu.Unlock()

	e.bumpSegment(ctx, id, 0, started)
}

// bumpSegment advances the segment counter and byte total, recomputes speed
// and ETA, and persists every persistEverySegments segments.
func (e *Engine) bumpSegment(ctx context.Context, id string, n int64, started time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	it := e.findLocked(id)
	if it == nil {
		return
	}

	it.CompletedSegments++
	it.DownloadedBytes += n

	if elapsed := time.Since(started).Seconds(); elapsed > 0 {
		it.SpeedBps = float64(it.DownloadedBytes) / elapsed
	}
	if it.SpeedBps > 0 {
		remaining := it.TotalBytes - it.DownloadedBytes
		if remaining < 0 {
			remaining = 0
		}
		it.ETASeconds = int64(float64(remaining) / it.SpeedBps)
	}

	if it.CompletedSegments%persistEverySegments == 0 {
		e.saveStateLocked(ctx)
	}
}

// throttle charges n bytes against the global speed limiter in burst-sized
// chunks.
func (e *Engine) throttle(ctx context.Context, n int) {
	e.mu.Lock()
	lim := e.limiter
	e.mu.Unlock()

	if lim == nil || n <= 0 {
		return
	}

	burst := lim.Burst()
	if burst <= 0 {
		return
	}
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := lim.WaitN(ctx, chunk); err != nil {
			return
		}
		n -= chunk
	}
}

// finalDir resolves the destination directory for a completed item.
func (e *Engine) finalDir(category, dirName string) string {
	base := e.cfg.DownloadDir
	if mapped, ok := e.cfg.CategoryDirs[category]; ok && mapped != "" {
		base = mapped
	} else if category != "" {
		base = filepath.Join(base, category)
	}
	return filepath.Join(base, dirName)
}

// failItem marks the item failed, records it in history and drops it from
// the queue.
func (e *Engine) failItem(ctx context.Context, id, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	it := e.findLocked(id)
	if it == nil {
		return
	}

	e.log.Warn("download failed", "id", id, "name", it.Name, "error", message)

	it.State = StateFailed
	it.ErrorMessage = message
	now := time.Now().UTC()
	it.CompletedAt = &now

	e.pushHistoryLocked(HistoryEntry{
		ID:          it.ID,
		Name:        it.Name,
		Category:    it.Category,
		CompletedAt: now,
		State:       StateFailed,
		Size:        it.DownloadedBytes,
		Error:       message,
	})
	e.removeFromQueueLocked(id)
	e.saveStateLocked(ctx)
}

// completeItem finishes the item and moves it to history.
func (e *Engine) completeItem(ctx context.Context, id, finalDir string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	it := e.findLocked(id)
	if it == nil {
		return
	}

	now := time.Now().UTC()
	it.State = StateCompleted
	it.CompletedAt = &now
	it.SpeedBps = 0
	it.ETASeconds = 0

	e.log.Info("download completed",
		"id", id, "name", it.Name, "bytes", it.DownloadedBytes, "warnings", len(it.Warnings))

	e.pushHistoryLocked(HistoryEntry{
		ID:          it.ID,
		Name:        it.Name,
		Category:    it.Category,
		CompletedAt: now,
		State:       StateCompleted,
		ContentPath: finalDir,
		SavePath:    filepath.Dir(finalDir),
		Size:        it.DownloadedBytes,
	})
	e.removeFromQueueLocked(id)
	e.saveStateLocked(ctx)
}

func (e *Engine) removeFromQueueLocked(id string) {
	for i, item := range e.queue {
		if item.ID == id {
			e.queue = append(e.queue[:i], e.queue[i+1:]...)
			return
		}
	}
}

// moveDir renames src to dst, falling back to a copy when the rename crosses
// filesystems.
func moveDir(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	if err := os.Rename(src, dst); err == nil {
		return nil
	}

	if err := copyTree(src, dst); err != nil {
		return err
	}
	return os.RemoveAll(src)
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if info.IsDir() {
			return os.MkdirAll(target, info.Mode())
		}

		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()

		out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			_ = out.Close()
			return err
		}
		return out.Close()
	})
}
