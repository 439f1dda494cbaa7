package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/mediahunt/mediahunt/internal/downloadclient"
	"github.com/mediahunt/mediahunt/internal/errors"
	"github.com/mediahunt/mediahunt/internal/indexer"
	"github.com/mediahunt/mediahunt/internal/metrics"
	"github.com/mediahunt/mediahunt/internal/scoring"
	"github.com/mediahunt/mediahunt/internal/store"
)

// Searcher is the indexer surface the orchestrator needs. Satisfied by
// *indexer.Client.
type Searcher interface {
	Search(ctx context.Context, cfg indexer.Config, query string, categories []int) []indexer.Candidate
}

// Config tunes the orchestrator.
type Config struct {
	InstanceID    string        `yaml:"instance_id" mapstructure:"instance_id"`
	PollInterval  time.Duration `yaml:"poll_interval" mapstructure:"poll_interval"`
	ImportWorkers int           `yaml:"import_workers" mapstructure:"import_workers"`
}

const (
	defaultPollInterval    = 90 * time.Second
	defaultImportWorkers   = 2
	availabilityCacheSize  = 512
	availabilityCacheTTL   = 6 * time.Hour
	searchCycleTimeout     = 10 * time.Minute
	perIndexerSearchBudget = 60 * time.Second
)

// Orchestrator runs the missing cycle and the completion poller for one
// instance.
type Orchestrator struct {
	cfg      Config
	st       store.Store
	search   Searcher
	clients  []downloadclient.Client
	importer Importer
	log      *slog.Logger

	// availability caches TMDB-backed lookups keyed by tmdb id.
	availability *expirable.LRU[int64, bool]
	// tmdbDates optionally resolves release dates for items missing them.
	tmdbDates func(ctx context.Context, tmdbID int64) (*ReleaseDates, error)

	now func() time.Time

	mu      sync.Mutex
	stop    chan struct{}
	stopped chan struct{}
}

// ReleaseDates is the external lookup result for the availability gate.
type ReleaseDates struct {
	InCinemas       *time.Time
	DigitalRelease  *time.Time
	PhysicalRelease *time.Time
}

// New builds an orchestrator. clients are tried in configuration order.
func New(cfg Config, st store.Store, search Searcher, clients []downloadclient.Client, importer Importer) *Orchestrator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.ImportWorkers <= 0 {
		cfg.ImportWorkers = defaultImportWorkers
	}
	return &Orchestrator{
		cfg:          cfg,
		st:           st,
		search:       search,
		clients:      clients,
		importer:     importer,
		log:          slog.Default().With("component", "orchestrator", "instance", cfg.InstanceID),
		availability: expirable.NewLRU[int64, bool](availabilityCacheSize, nil, availabilityCacheTTL),
		now:          time.Now,
	}
}

// SetTMDBLookup installs the optional release-date resolver used by the
// availability gate when an item carries no dates of its own.
func (o *Orchestrator) SetTMDBLookup(fn func(ctx context.Context, tmdbID int64) (*ReleaseDates, error)) {
	o.tmdbDates = fn
}

// instance documents

type profilesDoc struct {
	Profiles []scoring.Profile `json:"profiles"`
}

type formatsDoc struct {
	Formats []scoring.CustomFormat `json:"formats"`
}

type indexersDoc struct {
	Indexers []indexer.Config `json:"indexers"`
}

func (o *Orchestrator) loadProfile(ctx context.Context, name string) (scoring.Profile, error) {
	var doc profilesDoc
	if _, err := o.st.Get(ctx, o.cfg.InstanceID, store.KindProfiles, &doc); err != nil {
		return scoring.Profile{}, err
	}

	var fallback *scoring.Profile
	for i := range doc.Profiles {
		if doc.Profiles[i].Name == name {
			return doc.Profiles[i], nil
		}
		if doc.Profiles[i].IsDefault {
			fallback = &doc.Profiles[i]
		}
	}
	if fallback != nil {
		return *fallback, nil
	}
	return scoring.Profile{}, errors.New(errors.KindConfig, "no quality profile named "+name)
}

func (o *Orchestrator) loadFormats(ctx context.Context) ([]scoring.CustomFormat, error) {
	var doc formatsDoc
	if _, err := o.st.Get(ctx, o.cfg.InstanceID, store.KindCustomFormats, &doc); err != nil {
		return nil, err
	}
	return doc.Formats, nil
}

func (o *Orchestrator) loadIndexers(ctx context.Context) ([]indexer.Config, error) {
	var doc indexersDoc
	if _, err := o.st.Get(ctx, o.cfg.InstanceID, store.KindIndexers, &doc); err != nil {
		return nil, err
	}
	return doc.Indexers, nil
}

// ProcessMissing runs one missing cycle: every requested collection item
// that passes the availability gate gets a search-and-grab attempt.
func (o *Orchestrator) ProcessMissing(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, searchCycleTimeout)
	defer cancel()

	var collection Collection
	if _, err := o.st.Get(ctx, o.cfg.InstanceID, store.KindCollection, &collection); err != nil {
		return err
	}

	for i := range collection.Items {
		item := collection.Items[i]
		if item.Status != StatusRequested {
			continue
		}
		if !o.availabilityMet(ctx, item) {
			o.log.DebugContext(ctx, "availability threshold not met",
				"title", item.Title, "threshold", item.MinimumAvailability)
			continue
		}

		if err := o.searchAndGrab(ctx, item); err != nil {
			o.log.WarnContext(ctx, "grab attempt failed",
				"title", item.Title, "error", err)
		}
	}
	return nil
}

// buildQuery renders "<title> <year>", or just the title when the year is
// unknown.
func buildQuery(item CollectionItem) string {
	if item.Year <= 0 {
		return item.Title
	}
	return item.Title + " " + strconv.Itoa(item.Year)
}

// pick is one per-indexer selection.
type pick struct {
	scored   scoring.ScoredCandidate
	priority int
}

// searchAndGrab runs the selection pipeline for one item and submits the
// winning release.
func (o *Orchestrator) searchAndGrab(ctx context.Context, item CollectionItem) error {
	profile, err := o.loadProfile(ctx, item.QualityProfile)
	if err != nil {
		return err
	}
	formats, err := o.loadFormats(ctx)
	if err != nil {
		return err
	}
	indexers, err := o.loadIndexers(ctx)
	if err != nil {
		return err
	}
	var blocklist Blocklist
	if _, err := o.st.Get(ctx, o.cfg.InstanceID, store.KindBlocklist, &blocklist); err != nil {
		return err
	}

	query := buildQuery(item)
	results := o.searchAll(ctx, indexers, query)

	var picks []pick
	for _, idx := range indexers {
		if !idx.Enabled {
			continue
		}
		candidates := filterBlocklisted(results[idx.Name], blocklist)
		scored := scoring.ScoreCandidates(candidates, profile, formats)

		for _, sc := range scored {
			if sc.Score >= profile.MinCustomFormatScore {
				picks = append(picks, pick{scored: sc, priority: idx.Priority})
				break
			}
		}
	}
	if len(picks) == 0 {
		o.log.InfoContext(ctx, "no acceptable release found", "title", item.Title, "query", query)
		return nil
	}

	best := selectPick(picks)
	return o.submit(ctx, item, best)
}

// searchAll fans out over enabled indexers. Failures surface as empty
// result lists, so the group never aborts early.
func (o *Orchestrator) searchAll(ctx context.Context, indexers []indexer.Config, query string) map[string][]indexer.Candidate {
	results := make(map[string][]indexer.Candidate, len(indexers))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for _, idx := range indexers {
		if !idx.Enabled {
			continue
		}
		idx := idx
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, perIndexerSearchBudget)
			defer cancel()

			found := o.search.Search(sctx, idx, query, idx.Categories)
			mu.Lock()
			results[idx.Name] = found
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func filterBlocklisted(candidates []indexer.Candidate, blocklist Blocklist) []indexer.Candidate {
	out := candidates[:0:0]
	for _, cand := range candidates {
		if blocklist.Contains(cand.Title) {
			continue
		}
		out = append(out, cand)
	}
	return out
}

// selectPick orders cross-indexer picks by indexer priority ascending,
// then score descending.
func selectPick(picks []pick) pick {
	best := picks[0]
	for _, p := range picks[1:] {
		if p.priority < best.priority ||
			(p.priority == best.priority && p.scored.Score > best.scored.Score) {
			best = p
		}
	}
	return best
}

// submit hands the winning release to the first enabled client and records
// it in the requested index.
func (o *Orchestrator) submit(ctx context.Context, item CollectionItem, best pick) error {
	client := o.firstEnabledClient()
	if client == nil {
		return errors.New(errors.KindConfig, "no enabled download client")
	}

	queueID, err := client.Submit(ctx, downloadclient.Submission{
		Name:     best.scored.Candidate.Title,
		NZBURL:   best.scored.Candidate.NZBURL,
		Category: downloadclient.DefaultCategory,
	})
	if err != nil {
		return errors.Wrap(errors.KindTransient,
			fmt.Sprintf("submit to %s", client.Name()), err)
	}

	metrics.Grabs.WithLabelValues(client.Type()).Inc()
	o.log.InfoContext(ctx, "release grabbed",
		"title", item.Title,
		"release", best.scored.Candidate.Title,
		"indexer", best.scored.Candidate.Indexer,
		"score", best.scored.Score,
		"client", client.Name(),
		"queue_id", queueID)

	o.mu.Lock()
	defer o.mu.Unlock()

	var requested RequestedQueue
	if _, err := o.st.Get(ctx, o.cfg.InstanceID, store.KindRequestedQueue, &requested); err != nil {
		return err
	}
	requested.Items = append(requested.Items, RequestedItem{
		QueueID:        queueID,
		Client:         client.Name(),
		Title:          item.Title,
		ReleaseTitle:   best.scored.Candidate.Title,
		Year:           item.Year,
		Score:          best.scored.Score,
		ScoreBreakdown: best.scored.Breakdown,
	})
	return o.st.Save(ctx, o.cfg.InstanceID, store.KindRequestedQueue, requested)
}

func (o *Orchestrator) firstEnabledClient() downloadclient.Client {
	for _, client := range o.clients {
		if client != nil {
			return client
		}
	}
	return nil
}

// ForceUpgrade re-runs selection for an item that already has a file and
// grabs only when the best candidate strictly beats the current score.
func (o *Orchestrator) ForceUpgrade(ctx context.Context, item CollectionItem, currentScore int) (bool, error) {
	profile, err := o.loadProfile(ctx, item.QualityProfile)
	if err != nil {
		return false, err
	}
	formats, err := o.loadFormats(ctx)
	if err != nil {
		return false, err
	}
	indexers, err := o.loadIndexers(ctx)
	if err != nil {
		return false, err
	}
	var blocklist Blocklist
	if _, err := o.st.Get(ctx, o.cfg.InstanceID, store.KindBlocklist, &blocklist); err != nil {
		return false, err
	}

	results := o.searchAll(ctx, indexers, buildQuery(item))

	var all []indexer.Candidate
	for _, idx := range indexers {
		if idx.Enabled {
			all = append(all, filterBlocklisted(results[idx.Name], blocklist)...)
		}
	}

	best, score, _ := scoring.BestResultMatchingProfile(all, profile, formats)
	if best == nil || score <= currentScore || score < profile.MinCustomFormatScore {
		return false, nil
	}

	var bestPick pick
	bestPick.scored = scoring.ScoredCandidate{Candidate: *best, Score: score}
	if err := o.submit(ctx, item, bestPick); err != nil {
		return false, err
	}
	return true, nil
}

// availabilityMet applies the minimum-availability gate. Items with no
// release dates fall back to year comparison; TMDB lookups fill the gap
// when a resolver is installed.
func (o *Orchestrator) availabilityMet(ctx context.Context, item CollectionItem) bool {
	if item.MinimumAvailability == "" || item.MinimumAvailability == AvailabilityAnnounced {
		return true
	}

	if item.TMDBID > 0 {
		if met, ok := o.availability.Get(item.TMDBID); ok {
			return met
		}
	}

	dates := ReleaseDates{
		InCinemas:       item.InCinemas,
		DigitalRelease:  item.DigitalRelease,
		PhysicalRelease: item.PhysicalRelease,
	}
	if dates.InCinemas == nil && dates.DigitalRelease == nil && dates.PhysicalRelease == nil &&
		o.tmdbDates != nil && item.TMDBID > 0 {
		if fetched, err := o.tmdbDates(ctx, item.TMDBID); err == nil && fetched != nil {
			dates = *fetched
		} else if err != nil {
			o.log.DebugContext(ctx, "tmdb lookup failed", "tmdb_id", item.TMDBID, "error", err)
		}
	}

	met := availabilityFromDates(item, dates, o.now())
	if item.TMDBID > 0 {
		o.availability.Add(item.TMDBID, met)
	}
	return met
}

func availabilityFromDates(item CollectionItem, dates ReleaseDates, now time.Time) bool {
	switch item.MinimumAvailability {
	case AvailabilityInCinemas:
		if dates.InCinemas != nil {
			return !dates.InCinemas.After(now)
		}
		return item.Year > 0 && item.Year <= now.Year()

	case AvailabilityReleased:
		if dates.DigitalRelease != nil && !dates.DigitalRelease.After(now) {
			return true
		}
		if dates.PhysicalRelease != nil && !dates.PhysicalRelease.After(now) {
			return true
		}
		if dates.DigitalRelease == nil && dates.PhysicalRelease == nil {
			return item.Year > 0 && item.Year < now.Year()
		}
		return false

	default:
		return true
	}
}
