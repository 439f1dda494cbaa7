package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc/pool"

	"github.com/mediahunt/mediahunt/internal/downloadclient"
	"github.com/mediahunt/mediahunt/internal/metrics"
	"github.com/mediahunt/mediahunt/internal/store"
)

// Start schedules the missing cycle and the completion poller. Stop cancels
// both.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.stop != nil {
		return nil
	}

	c := cron.New()
	spec := fmt.Sprintf("@every %s", o.cfg.PollInterval)
	if _, err := c.AddFunc(spec, func() {
		if err := o.PollCompletions(ctx); err != nil {
			o.log.WarnContext(ctx, "completion poll failed", "error", err)
		}
	}); err != nil {
		return err
	}
	if _, err := c.AddFunc(spec, func() {
		if err := o.ProcessMissing(ctx); err != nil {
			o.log.WarnContext(ctx, "missing cycle failed", "error", err)
		}
	}); err != nil {
		return err
	}
	c.Start()

	stop := make(chan struct{})
	stopped := make(chan struct{})
	o.stop = stop
	o.stopped = stopped
	go func() {
		defer close(stopped)
		<-stop
		<-c.Stop().Done()
	}()

	o.log.InfoContext(ctx, "orchestrator started", "poll_interval", o.cfg.PollInterval)
	return nil
}

// Stop halts the schedules and waits for in-flight runs.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	stop, stopped := o.stop, o.stopped
	o.stop, o.stopped = nil, nil
	o.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	select {
	case <-stopped:
	case <-time.After(30 * time.Second):
		o.log.Warn("orchestrator stop timed out")
	}
}

// PollCompletions diffs each client's live queue against the requested
// index. Ids that disappeared are resolved through the client's history:
// completed entries are imported, failed ones blocklisted.
func (o *Orchestrator) PollCompletions(ctx context.Context) error {
	o.mu.Lock()
	var requested RequestedQueue
	if _, err := o.st.Get(ctx, o.cfg.InstanceID, store.KindRequestedQueue, &requested); err != nil {
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()

	if len(requested.Items) == 0 {
		return nil
	}

	byClient := make(map[string][]RequestedItem)
	for _, item := range requested.Items {
		byClient[item.Client] = append(byClient[item.Client], item)
	}

	var remaining []RequestedItem
	imports := pool.New().WithMaxGoroutines(o.cfg.ImportWorkers)

	for _, client := range o.clients {
		ours := byClient[client.Name()]
		if len(ours) == 0 {
			continue
		}

		queue, err := client.Queue(ctx)
		if err != nil {
			o.log.WarnContext(ctx, "client queue fetch failed",
				"client", client.Name(), "error", err)
			remaining = append(remaining, ours...)
			continue
		}
		live := make(map[string]bool, len(queue))
		for _, q := range queue {
			live[q.ID] = true
		}

		var history []downloadclient.HistoryItem
		historyLoaded := false

		for _, item := range ours {
			if live[item.QueueID] {
				remaining = append(remaining, item)
				continue
			}

			if !historyLoaded {
				history, err = client.History(ctx)
				if err != nil {
					o.log.WarnContext(ctx, "client history fetch failed",
						"client", client.Name(), "error", err)
					remaining = append(remaining, item)
					continue
				}
				historyLoaded = true
			}

			entry, found := findHistory(history, item.QueueID)
			switch {
			case found && entry.Completed:
				item := item
				entry := entry
				imports.Go(func() {
					o.importCompleted(ctx, item, entry)
				})

			case found && entry.Failed:
				o.blocklistFailure(ctx, item, entry.FailReason)

			default:
				// Vanished without a history record: treat as externally
				// removed and forget it.
				o.log.InfoContext(ctx, "requested item disappeared without history",
					"client", client.Name(), "queue_id", item.QueueID, "title", item.Title)
			}
		}
	}

	// Clients we could not match at all keep their index entries.
	known := make(map[string]bool, len(o.clients))
	for _, client := range o.clients {
		known[client.Name()] = true
	}
	for name, items := range byClient {
		if !known[name] {
			remaining = append(remaining, items...)
		}
	}

	imports.Wait()

	o.mu.Lock()
	defer o.mu.Unlock()
	return o.st.Save(ctx, o.cfg.InstanceID, store.KindRequestedQueue,
		RequestedQueue{Items: remaining})
}

func findHistory(history []downloadclient.HistoryItem, id string) (downloadclient.HistoryItem, bool) {
	for _, entry := range history {
		if entry.ID == id {
			return entry, true
		}
	}
	return downloadclient.HistoryItem{}, false
}

// importCompleted hands a finished download to the importer and flips the
// collection item to available.
func (o *Orchestrator) importCompleted(ctx context.Context, item RequestedItem, entry downloadclient.HistoryItem) {
	if o.importer != nil {
		if err := o.importer.Import(ctx, item, entry); err != nil {
			o.log.WarnContext(ctx, "import failed",
				"title", item.Title, "path", entry.Path, "error", err)
			return
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	var collection Collection
	if _, err := o.st.Get(ctx, o.cfg.InstanceID, store.KindCollection, &collection); err != nil {
		o.log.WarnContext(ctx, "collection load failed", "error", err)
		return
	}
	for i := range collection.Items {
		if normalizeTitle(collection.Items[i].Title) == normalizeTitle(item.Title) &&
			collection.Items[i].Year == item.Year {
			collection.Items[i].Status = StatusAvailable
		}
	}
	if err := o.st.Save(ctx, o.cfg.InstanceID, store.KindCollection, collection); err != nil {
		o.log.WarnContext(ctx, "collection save failed", "error", err)
		return
	}
	o.log.InfoContext(ctx, "download imported", "title", item.Title, "path", entry.Path)
}

// blocklistFailure records a failed release so it is never grabbed again.
func (o *Orchestrator) blocklistFailure(ctx context.Context, item RequestedItem, reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var blocklist Blocklist
	if _, err := o.st.Get(ctx, o.cfg.InstanceID, store.KindBlocklist, &blocklist); err != nil {
		o.log.WarnContext(ctx, "blocklist load failed", "error", err)
		return
	}
	if blocklist.Contains(item.ReleaseTitle) {
		return
	}

	movieTitle, year := item.Title, item.Year
	if movieTitle == "" {
		movieTitle, year = parseReleaseTitle(item.ReleaseTitle)
	}
	blocklist.Entries = append(blocklist.Entries, BlocklistEntry{
		SourceTitle:  item.ReleaseTitle,
		MovieTitle:   movieTitle,
		Year:         year,
		ReasonFailed: reason,
		DateAdded:    o.now().UTC(),
	})
	if err := o.st.Save(ctx, o.cfg.InstanceID, store.KindBlocklist, blocklist); err != nil {
		o.log.WarnContext(ctx, "blocklist save failed", "error", err)
		return
	}

	metrics.BlocklistAdds.Inc()
	o.log.InfoContext(ctx, "release blocklisted",
		"release", item.ReleaseTitle, "reason", reason)
}
