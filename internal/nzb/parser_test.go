package nzb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const namespacedDoc = `<?xml version="1.0" encoding="utf-8"?>
<nzb xmlns="http://www.newznab.com/DTD/2003/nzb">
  <file subject="Big.Movie.2024 [01/02] - &quot;big.movie.part1.rar&quot; yEnc (1/2)" poster="poster@example.com" date="1700000000">
    <groups>
      <group>alt.binaries.movies</group>
      <group>alt.binaries.multimedia</group>
    </groups>
    <segments>
      <segment bytes="2048" number="2">b@example.com</segment>
      <segment bytes="1024" number="1">a@example.com</segment>
    </segments>
  </file>
</nzb>`

const bareDoc = `<nzb>
  <file subject="no quotes here * ? |" poster="p" date="notanumber">
    <groups><group>alt.binaries.test</group></groups>
    <segments>
      <segment bytes="10" number="1">x@example.com</segment>
      <segment bytes="oops" number="2">y@example.com</segment>
      <segment bytes="20" number="nope">z@example.com</segment>
    </segments>
  </file>
</nzb>`

func TestParseNamespacedDocument(t *testing.T) {
	parsed, err := Parse([]byte(namespacedDoc))
	require.NoError(t, err)
	require.Len(t, parsed.Files, 1)

	f := parsed.Files[0]
	assert.Equal(t, "poster@example.com", f.Poster)
	assert.Equal(t, int64(1700000000), f.Date)
	assert.Equal(t, []string{"alt.binaries.movies", "alt.binaries.multimedia"}, f.Groups)

	// Segments come back sorted ascending by number regardless of document order.
	require.Len(t, f.Segments, 2)
	assert.Equal(t, Segment{Number: 1, Bytes: 1024, MessageID: "a@example.com"}, f.Segments[0])
	assert.Equal(t, Segment{Number: 2, Bytes: 2048, MessageID: "b@example.com"}, f.Segments[1])

	assert.Equal(t, "big.movie.part1.rar", f.Filename())
	assert.Equal(t, int64(3072), parsed.TotalBytes())
	assert.Equal(t, 2, parsed.TotalSegments())
}

func TestParseWithoutNamespaceSkipsMalformedSegments(t *testing.T) {
	parsed, err := Parse([]byte(bareDoc))
	require.NoError(t, err)
	require.Len(t, parsed.Files, 1)

	f := parsed.Files[0]
	require.Len(t, f.Segments, 1)
	assert.Equal(t, "x@example.com", f.Segments[0].MessageID)
	assert.Equal(t, int64(0), f.Date)

	// Forbidden filename characters are stripped from the subject fallback.
	assert.Equal(t, "no quotes here", f.Filename())
}

func TestParseMalformedDocument(t *testing.T) {
	_, err := Parse([]byte("<nzb><file></nzb>"))
	require.Error(t, err)

	var perr *ParseError
	assert.ErrorAs(t, err, &perr)
}

func TestParseEmptyDocumentHasNoFiles(t *testing.T) {
	parsed, err := Parse([]byte(`<nzb xmlns="http://www.newznab.com/DTD/2003/nzb"></nzb>`))
	require.NoError(t, err)
	assert.Empty(t, parsed.Files)
}

func TestFilenameFallbacks(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    string
	}{
		{"quoted", `re: "show.s01e01.mkv" yEnc`, "show.s01e01.mkv"},
		{"empty quotes fall through to sanitized subject", `"" yEnc post`, "yEnc post"},
		{"empty subject", "", "unknown"},
		{"only forbidden chars", `<>:"/\|?*`, "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := File{Subject: tt.subject}
			assert.Equal(t, tt.want, f.Filename())
		})
	}
}

func TestFilenameTruncated(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}

	f := File{Subject: string(long)}
	assert.Len(t, f.Filename(), 200)
}
