package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediahunt/mediahunt/internal/downloadclient"
	"github.com/mediahunt/mediahunt/internal/errors"
	"github.com/mediahunt/mediahunt/internal/indexer"
	"github.com/mediahunt/mediahunt/internal/scoring"
	"github.com/mediahunt/mediahunt/internal/store"
)

const testInstance = "default"

// fakeSearcher returns canned candidates per indexer name.
type fakeSearcher struct {
	mu      sync.Mutex
	results map[string][]indexer.Candidate
	queries []string
}

func (f *fakeSearcher) Search(_ context.Context, cfg indexer.Config, query string, _ []int) []indexer.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, query)
	return f.results[cfg.Name]
}

// fakeClient is an in-memory download client.
type fakeClient struct {
	mu        sync.Mutex
	name      string
	submits   []downloadclient.Submission
	queue     []downloadclient.QueueItem
	history   []downloadclient.HistoryItem
	submitErr error
	nextID    string
}

func (f *fakeClient) Name() string { return f.name }
func (f *fakeClient) Type() string { return downloadclient.TypeNZBEngine }

func (f *fakeClient) Submit(_ context.Context, sub downloadclient.Submission) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.submits = append(f.submits, sub)
	if f.nextID == "" {
		return "q1", nil
	}
	return f.nextID, nil
}

func (f *fakeClient) Queue(_ context.Context) ([]downloadclient.QueueItem, error) {
	return f.queue, nil
}

func (f *fakeClient) History(_ context.Context) ([]downloadclient.HistoryItem, error) {
	return f.history, nil
}

func (f *fakeClient) Test(_ context.Context) error { return nil }

type fakeImporter struct {
	mu       sync.Mutex
	imported []RequestedItem
	err      error
}

func (f *fakeImporter) Import(_ context.Context, item RequestedItem, _ downloadclient.HistoryItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.imported = append(f.imported, item)
	return nil
}

func seedStore(t *testing.T, st store.Store, indexers []indexer.Config, formats []scoring.CustomFormat) {
	t.Helper()
	ctx := context.Background()

	profile := scoring.Profile{
		Name:      "HD",
		IsDefault: true,
		Tiers: []Tier{
			{Name: "Unknown", Enabled: true},
		},
		MinCustomFormatScore: 50,
	}
	require.NoError(t, st.Save(ctx, testInstance, store.KindProfiles, profilesDoc{Profiles: []scoring.Profile{profile}}))
	require.NoError(t, st.Save(ctx, testInstance, store.KindCustomFormats, formatsDoc{Formats: formats}))
	require.NoError(t, st.Save(ctx, testInstance, store.KindIndexers, indexersDoc{Indexers: indexers}))
}

// Tier is re-exported through scoring; alias for fixture brevity.
type Tier = scoring.Tier

func scoreFormat(name string, score int, pattern string) scoring.CustomFormat {
	return scoring.CustomFormat{
		Name:  name,
		Score: score,
		Specifications: []scoring.Specification{
			{Implementation: "ReleaseTitleSpecification", Required: true, Fields: scoring.SpecFields{Value: pattern}},
		},
	}
}

func newTestOrchestrator(t *testing.T, search Searcher, client downloadclient.Client, importer Importer) (*Orchestrator, store.Store) {
	t.Helper()
	st := store.NewFileStore(afero.NewMemMapFs(), "/state")
	o := New(Config{InstanceID: testInstance}, st, search, []downloadclient.Client{client}, importer)
	return o, st
}

func requestedMovie(title string, year int) CollectionItem {
	return CollectionItem{
		Title:               title,
		Year:                year,
		Status:              StatusRequested,
		QualityProfile:      "HD",
		MinimumAvailability: AvailabilityAnnounced,
		RequestedAt:         time.Now().UTC(),
	}
}

func TestSearchAndGrabPrefersLowerIndexerPriority(t *testing.T) {
	// Indexer A (priority 10) offers a release scored 80, B (priority 20)
	// one scored 95. A's candidate wins despite the lower score.
	indexers := []indexer.Config{
		{Name: "A", Priority: 10, Enabled: true},
		{Name: "B", Priority: 20, Enabled: true},
	}
	formats := []scoring.CustomFormat{
		scoreFormat("eighty", 80, "alpha"),
		scoreFormat("ninetyfive", 95, "beta"),
	}
	search := &fakeSearcher{results: map[string][]indexer.Candidate{
		"A": {{Title: "Movie.alpha.1080p", NZBURL: "nzb-a", Indexer: "A", IndexerPriority: 10}},
		"B": {{Title: "Movie.beta.1080p", NZBURL: "nzb-b", Indexer: "B", IndexerPriority: 20}},
	}}
	client := &fakeClient{name: "engine"}

	o, st := newTestOrchestrator(t, search, client, nil)
	seedStore(t, st, indexers, formats)
	ctx := context.Background()
	require.NoError(t, st.Save(ctx, testInstance, store.KindCollection, Collection{
		Items: []CollectionItem{requestedMovie("Movie", 2024)},
	}))

	require.NoError(t, o.ProcessMissing(ctx))

	require.Len(t, client.submits, 1)
	assert.Equal(t, "nzb-a", client.submits[0].NZBURL)
	assert.Contains(t, search.queries, "Movie 2024")

	var requested RequestedQueue
	ok, err := st.Get(ctx, testInstance, store.KindRequestedQueue, &requested)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, requested.Items, 1)
	assert.Equal(t, "q1", requested.Items[0].QueueID)
	assert.Equal(t, 80, requested.Items[0].Score)
	assert.Equal(t, "engine", requested.Items[0].Client)
}

func TestSearchAndGrabFallsThroughBelowMinScore(t *testing.T) {
	// A's only candidate scores 40 < min 50, so B's 95 wins.
	indexers := []indexer.Config{
		{Name: "A", Priority: 10, Enabled: true},
		{Name: "B", Priority: 20, Enabled: true},
	}
	formats := []scoring.CustomFormat{
		scoreFormat("forty", 40, "alpha"),
		scoreFormat("ninetyfive", 95, "beta"),
	}
	search := &fakeSearcher{results: map[string][]indexer.Candidate{
		"A": {{Title: "Movie.alpha.1080p", NZBURL: "nzb-a"}},
		"B": {{Title: "Movie.beta.1080p", NZBURL: "nzb-b"}},
	}}
	client := &fakeClient{name: "engine"}

	o, st := newTestOrchestrator(t, search, client, nil)
	seedStore(t, st, indexers, formats)
	ctx := context.Background()
	require.NoError(t, st.Save(ctx, testInstance, store.KindCollection, Collection{
		Items: []CollectionItem{requestedMovie("Movie", 2024)},
	}))

	require.NoError(t, o.ProcessMissing(ctx))

	require.Len(t, client.submits, 1)
	assert.Equal(t, "nzb-b", client.submits[0].NZBURL)
}

func TestBlocklistedReleaseNeverSelected(t *testing.T) {
	indexers := []indexer.Config{{Name: "A", Priority: 10, Enabled: true}}
	formats := []scoring.CustomFormat{scoreFormat("hit", 80, "alpha")}
	search := &fakeSearcher{results: map[string][]indexer.Candidate{
		"A": {{Title: "Movie.alpha.1080p", NZBURL: "nzb-a"}},
	}}
	client := &fakeClient{name: "engine"}

	o, st := newTestOrchestrator(t, search, client, nil)
	seedStore(t, st, indexers, formats)
	ctx := context.Background()
	require.NoError(t, st.Save(ctx, testInstance, store.KindBlocklist, Blocklist{
		Entries: []BlocklistEntry{{SourceTitle: "  MOVIE.ALPHA.1080P "}},
	}))
	require.NoError(t, st.Save(ctx, testInstance, store.KindCollection, Collection{
		Items: []CollectionItem{requestedMovie("Movie", 2024)},
	}))

	require.NoError(t, o.ProcessMissing(ctx))
	assert.Empty(t, client.submits, "normalized blocklist match must filter the candidate")
}

func TestQueryOmitsUnknownYear(t *testing.T) {
	assert.Equal(t, "Movie 2024", buildQuery(CollectionItem{Title: "Movie", Year: 2024}))
	assert.Equal(t, "Movie", buildQuery(CollectionItem{Title: "Movie"}))
}

func TestAvailabilityGate(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	past := now.AddDate(0, -2, 0)
	future := now.AddDate(0, 2, 0)

	tests := []struct {
		name string
		item CollectionItem
		want bool
	}{
		{"announced always passes", CollectionItem{MinimumAvailability: AvailabilityAnnounced}, true},
		{"empty threshold passes", CollectionItem{}, true},
		{"in cinemas with past date", CollectionItem{MinimumAvailability: AvailabilityInCinemas, InCinemas: &past}, true},
		{"in cinemas with future date", CollectionItem{MinimumAvailability: AvailabilityInCinemas, InCinemas: &future}, false},
		{"in cinemas year fallback", CollectionItem{MinimumAvailability: AvailabilityInCinemas, Year: 2026}, true},
		{"released with past digital", CollectionItem{MinimumAvailability: AvailabilityReleased, DigitalRelease: &past}, true},
		{"released with future physical only", CollectionItem{MinimumAvailability: AvailabilityReleased, PhysicalRelease: &future}, false},
		{"released year fallback passes older year", CollectionItem{MinimumAvailability: AvailabilityReleased, Year: 2024}, true},
		{"released year fallback blocks current year", CollectionItem{MinimumAvailability: AvailabilityReleased, Year: 2026}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, availabilityFromDates(tt.item, ReleaseDates{
				InCinemas:       tt.item.InCinemas,
				DigitalRelease:  tt.item.DigitalRelease,
				PhysicalRelease: tt.item.PhysicalRelease,
			}, now))
		})
	}
}

func TestPollCompletionsImportsAndBlocklists(t *testing.T) {
	client := &fakeClient{
		name: "engine",
		// q-done finished fine, q-bad failed, q-live still downloading.
		queue: []downloadclient.QueueItem{{ID: "q-live", Name: "Still.Going"}},
		history: []downloadclient.HistoryItem{
			{ID: "q-done", Name: "Done.Release", Completed: true, Path: "/data/Done.Release"},
			{ID: "q-bad", Name: "Bad.Release", Failed: true, FailReason: "par2 repair failed"},
		},
	}
	importer := &fakeImporter{}

	o, st := newTestOrchestrator(t, &fakeSearcher{}, client, importer)
	ctx := context.Background()
	require.NoError(t, st.Save(ctx, testInstance, store.KindCollection, Collection{
		Items: []CollectionItem{{Title: "Done Movie", Year: 2024, Status: StatusRequested}},
	}))
	require.NoError(t, st.Save(ctx, testInstance, store.KindRequestedQueue, RequestedQueue{
		Items: []RequestedItem{
			{QueueID: "q-done", Client: "engine", Title: "Done Movie", Year: 2024, ReleaseTitle: "Done.Release"},
			{QueueID: "q-bad", Client: "engine", Title: "Bad Movie", Year: 2023, ReleaseTitle: "Bad.Release"},
			{QueueID: "q-live", Client: "engine", Title: "Live Movie", Year: 2022, ReleaseTitle: "Live.Release"},
		},
	}))

	require.NoError(t, o.PollCompletions(ctx))

	// Completed item imported and its collection entry flipped.
	require.Len(t, importer.imported, 1)
	assert.Equal(t, "Done Movie", importer.imported[0].Title)

	var collection Collection
	_, err := st.Get(ctx, testInstance, store.KindCollection, &collection)
	require.NoError(t, err)
	assert.Equal(t, StatusAvailable, collection.Items[0].Status)

	// Failed item blocklisted with its reason.
	var blocklist Blocklist
	_, err = st.Get(ctx, testInstance, store.KindBlocklist, &blocklist)
	require.NoError(t, err)
	require.Len(t, blocklist.Entries, 1)
	assert.Equal(t, "Bad.Release", blocklist.Entries[0].SourceTitle)
	assert.Equal(t, "par2 repair failed", blocklist.Entries[0].ReasonFailed)

	// Only the still-live item remains in the requested index.
	var requested RequestedQueue
	_, err = st.Get(ctx, testInstance, store.KindRequestedQueue, &requested)
	require.NoError(t, err)
	require.Len(t, requested.Items, 1)
	assert.Equal(t, "q-live", requested.Items[0].QueueID)
}

func TestPollCompletionsKeepsItemsForUnknownClients(t *testing.T) {
	client := &fakeClient{name: "engine"}
	o, st := newTestOrchestrator(t, &fakeSearcher{}, client, nil)
	ctx := context.Background()
	require.NoError(t, st.Save(ctx, testInstance, store.KindRequestedQueue, RequestedQueue{
		Items: []RequestedItem{{QueueID: "x", Client: "removed-client", Title: "M"}},
	}))

	require.NoError(t, o.PollCompletions(ctx))

	var requested RequestedQueue
	_, err := st.Get(ctx, testInstance, store.KindRequestedQueue, &requested)
	require.NoError(t, err)
	require.Len(t, requested.Items, 1)
}

func TestForceUpgrade(t *testing.T) {
	indexers := []indexer.Config{{Name: "A", Priority: 10, Enabled: true}}
	formats := []scoring.CustomFormat{scoreFormat("good", 80, "alpha")}
	search := &fakeSearcher{results: map[string][]indexer.Candidate{
		"A": {{Title: "Movie.alpha.1080p", NZBURL: "nzb-a"}},
	}}
	client := &fakeClient{name: "engine"}

	o, st := newTestOrchestrator(t, search, client, nil)
	seedStore(t, st, indexers, formats)
	ctx := context.Background()
	item := requestedMovie("Movie", 2024)

	// Current file already scores 90: no grab.
	grabbed, err := o.ForceUpgrade(ctx, item, 90)
	require.NoError(t, err)
	assert.False(t, grabbed)
	assert.Empty(t, client.submits)

	// Current file scores 60 < 80: upgrade grabs.
	grabbed, err = o.ForceUpgrade(ctx, item, 60)
	require.NoError(t, err)
	assert.True(t, grabbed)
	require.Len(t, client.submits, 1)
}

func TestSubmitFailureSurfaces(t *testing.T) {
	indexers := []indexer.Config{{Name: "A", Priority: 10, Enabled: true}}
	formats := []scoring.CustomFormat{scoreFormat("good", 80, "alpha")}
	search := &fakeSearcher{results: map[string][]indexer.Candidate{
		"A": {{Title: "Movie.alpha.1080p", NZBURL: "nzb-a"}},
	}}
	client := &fakeClient{
		name:      "engine",
		submitErr: errors.New(errors.KindTransient, "client unavailable"),
	}

	o, st := newTestOrchestrator(t, search, client, nil)
	seedStore(t, st, indexers, formats)
	ctx := context.Background()

	err := o.searchAndGrab(ctx, requestedMovie("Movie", 2024))
	require.Error(t, err)

	var requested RequestedQueue
	ok, err := st.Get(ctx, testInstance, store.KindRequestedQueue, &requested)
	require.NoError(t, err)
	assert.False(t, ok && len(requested.Items) > 0, "failed submits must not enter the requested index")
}

func TestParseReleaseTitle(t *testing.T) {
	title, year := parseReleaseTitle("Dune.Part.Two.2024.2160p.WEB-DL.x265")
	assert.Equal(t, 2024, year)
	assert.NotEmpty(t, title)
	assert.NotContains(t, title, "2160")
}
