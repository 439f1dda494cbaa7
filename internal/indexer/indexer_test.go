package indexer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediahunt/mediahunt/internal/errors"
)

const xmlFixture = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0" xmlns:newznab="http://www.newznab.com/DTD/2010/feeds/attributes/">
  <channel>
    <title>Test Indexer</title>
    <item>
      <title>Dune.Part.Two.2024.2160p.WEB-DL.x265</title>
      <link>https://indexer.example/getnzb/aaa</link>
      <enclosure url="https://indexer.example/dl/aaa.nzb" length="32212254720" type="application/x-nzb"/>
    </item>
    <item>
      <title>Dune.Part.Two.2024.1080p.BluRay.x264</title>
      <link>https://indexer.example/getnzb/bbb</link>
      <newznab:attr name="category" value="2040"/>
      <newznab:attr name="size" value="16106127360"/>
    </item>
    <item>
      <title></title>
      <link>https://indexer.example/getnzb/ccc</link>
    </item>
  </channel>
</rss>`

const jsonFixture = `{
  "channel": {
    "title": "Test Indexer",
    "item": [
      {
        "title": "Dune.Part.Two.2024.720p.WEBRip",
        "link": "https://indexer.example/getnzb/ddd",
        "enclosure": {"@attributes": {"url": "https://indexer.example/dl/ddd.nzb", "length": "4294967296"}}
      },
      {
        "title": "Dune.Part.Two.2024.480p.DVDRip",
        "link": "https://indexer.example/getnzb/eee",
        "size": "734003200",
        "attr": [{"@attributes": {"name": "category", "value": "2000"}}]
      }
    ]
  }
}`

func testConfig(baseURL string) Config {
	return Config{
		Name:       "test-indexer",
		BaseURL:    baseURL,
		APIKey:     "secret",
		Categories: []int{2000, 2040},
		Priority:   1,
		Enabled:    true,
	}
}

func TestSearchParsesXML(t *testing.T) {
	var gotQuery map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = map[string]string{
			"t":      r.URL.Query().Get("t"),
			"apikey": r.URL.Query().Get("apikey"),
			"q":      r.URL.Query().Get("q"),
			"cat":    r.URL.Query().Get("cat"),
			"limit":  r.URL.Query().Get("limit"),
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		_, _ = w.Write([]byte(xmlFixture))
	}))
	defer srv.Close()

	client := NewClient(nil)
	cfg := testConfig(srv.URL)
	results := client.Search(context.Background(), cfg, "Dune Part Two 2024", cfg.Categories)

	require.Len(t, results, 2, "the titleless item must be dropped")
	assert.Equal(t, "search", gotQuery["t"])
	assert.Equal(t, "secret", gotQuery["apikey"])
	assert.Equal(t, "Dune Part Two 2024", gotQuery["q"])
	assert.Equal(t, "2000,2040", gotQuery["cat"])
	assert.Equal(t, "10", gotQuery["limit"])

	// Enclosure wins over link; enclosure length supplies the size.
	assert.Equal(t, "https://indexer.example/dl/aaa.nzb", results[0].NZBURL)
	assert.Equal(t, int64(32212254720), results[0].SizeBytes)

	// No enclosure: link and the size attribute fill in.
	assert.Equal(t, "https://indexer.example/getnzb/bbb", results[1].NZBURL)
	assert.Equal(t, int64(16106127360), results[1].SizeBytes)

	for _, c := range results {
		assert.Equal(t, "test-indexer", c.Indexer)
		assert.Equal(t, 1, c.IndexerPriority)
	}
}

func TestSearchParsesJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(jsonFixture))
	}))
	defer srv.Close()

	client := NewClient(nil)
	cfg := testConfig(srv.URL)
	results := client.Search(context.Background(), cfg, "Dune", cfg.Categories)

	require.Len(t, results, 2)
	assert.Equal(t, "Dune.Part.Two.2024.720p.WEBRip", results[0].Title)
	assert.Equal(t, "https://indexer.example/dl/ddd.nzb", results[0].NZBURL)
	assert.Equal(t, int64(4294967296), results[0].SizeBytes)

	assert.Equal(t, "https://indexer.example/getnzb/eee", results[1].NZBURL)
	assert.Equal(t, int64(734003200), results[1].SizeBytes)
}

func TestSearchJSONSingleItem(t *testing.T) {
	body := `{"channel":{"title":"x","item":{"title":"Solo.Release","link":"https://x/nzb/1","size":42}}}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	client := NewClient(nil)
	cfg := testConfig(srv.URL)
	results := client.Search(context.Background(), cfg, "solo", nil)

	require.Len(t, results, 1)
	assert.Equal(t, "Solo.Release", results[0].Title)
	assert.Equal(t, int64(42), results[0].SizeBytes)
}

func TestSearchFailuresReturnEmpty(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
	}{
		{"http error", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}},
		{"empty body", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("  \n"))
		}},
		{"garbage body", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte("<<<not xml at all"))
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			var events []SearchEvent
			var mu sync.Mutex
			client := NewClient(func(ev SearchEvent) {
				mu.Lock()
				events = append(events, ev)
				mu.Unlock()
			})

			cfg := testConfig(srv.URL)
			results := client.Search(context.Background(), cfg, "anything", nil)
			assert.Empty(t, results)

			mu.Lock()
			defer mu.Unlock()
			require.Len(t, events, 1)
			assert.False(t, events[0].Success)
			assert.Equal(t, "test-indexer", events[0].Indexer)
		})
	}
}

func TestSearchEmitsSuccessEvent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(xmlFixture))
	}))
	defer srv.Close()

	var events []SearchEvent
	var mu sync.Mutex
	client := NewClient(func(ev SearchEvent) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	cfg := testConfig(srv.URL)
	client.Search(context.Background(), cfg, "dune", nil)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 1)
	assert.True(t, events[0].Success)
	assert.Equal(t, 2, events[0].Results)
	assert.Equal(t, "dune", events[0].Query)
}

func TestValidateAPIKeySuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test", r.URL.Query().Get("q"))
		assert.Equal(t, "1", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(xmlFixture))
	}))
	defer srv.Close()

	client := NewClient(nil)
	require.NoError(t, client.ValidateAPIKey(context.Background(), testConfig(srv.URL)))
}

func TestValidateAPIKeyEmptyChannelIsValid(t *testing.T) {
	// A channel with no items still proves the key works.
	body := `<rss><channel><title>Test Indexer</title></channel></rss>`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	client := NewClient(nil)
	require.NoError(t, client.ValidateAPIKey(context.Background(), testConfig(srv.URL)))
}

func TestValidateAPIKeyRejected(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"error element 100", `<error code="100" description="Incorrect user credentials"/>`},
		{"error element 101", `<error code="101" description="Account suspended"/>`},
		{"plain text", `Invalid API Key supplied`},
		{"unauthorized", `401 Unauthorized`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewClient(nil)
			err := client.ValidateAPIKey(context.Background(), testConfig(srv.URL))
			require.Error(t, err)
			assert.Equal(t, errors.KindAuth, errors.KindOf(err))
		})
	}
}

func TestValidateAPIKeyNoContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<rss><channel></channel></rss>`))
	}))
	defer srv.Close()

	client := NewClient(nil)
	err := client.ValidateAPIKey(context.Background(), testConfig(srv.URL))
	require.Error(t, err)
	assert.Equal(t, errors.KindParse, errors.KindOf(err))
}

func TestSearchURLBuildsQuery(t *testing.T) {
	cfg := Config{BaseURL: "https://indexer.example/", APIKey: "k"}
	u := searchURL(cfg, "some movie", []int{2000})
	assert.Contains(t, u, "https://indexer.example/api?")
	assert.Contains(t, u, "q=some+movie")
	assert.Contains(t, u, "cat=2000")

	u = searchURL(cfg, "q", nil)
	assert.NotContains(t, u, "cat=")
}

func TestEndpointJoinsAPIPath(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{name: "default path", cfg: Config{BaseURL: "https://idx.example"},
			want: "https://idx.example/api"},
		{name: "trailing slash trimmed", cfg: Config{BaseURL: "https://idx.example/"},
			want: "https://idx.example/api"},
		{name: "custom path", cfg: Config{BaseURL: "https://idx.example", APIPath: "/newznab/api"},
			want: "https://idx.example/newznab/api"},
		{name: "path without leading slash", cfg: Config{BaseURL: "https://idx.example", APIPath: "api"},
			want: "https://idx.example/api"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.cfg.endpoint())
		})
	}
}

func TestParseSizeAny(t *testing.T) {
	assert.Equal(t, int64(42), parseSizeAny("42"))
	assert.Equal(t, int64(42), parseSizeAny(float64(42)))
	assert.Equal(t, int64(0), parseSizeAny(nil))
	assert.Equal(t, int64(0), parseSizeAny("-5"))
}
