package nzb

import (
	"bytes"
	"encoding/xml"
	"sort"
	"strconv"
	"strings"
)

// xmlNZB mirrors the Newznab NZB document. Field matching is by local name,
// so documents with or without the default namespace both decode.
type xmlNZB struct {
	XMLName xml.Name  `xml:"nzb"`
	Files   []xmlFile `xml:"file"`
}

type xmlFile struct {
	Subject  string       `xml:"subject,attr"`
	Poster   string       `xml:"poster,attr"`
	Date     string       `xml:"date,attr"`
	Groups   []string     `xml:"groups>group"`
	Segments []xmlSegment `xml:"segments>segment"`
}

type xmlSegment struct {
	Number    string `xml:"number,attr"`
	Bytes     string `xml:"bytes,attr"`
	MessageID string `xml:",chardata"`
}

// Parse materializes an NZB from XML content. Malformed segment elements are
// skipped silently; a document without file elements parses to an empty NZB
// (queue-side validation rejects it there).
func Parse(content []byte) (*NZB, error) {
	var doc xmlNZB
	if err := xml.Unmarshal(bytes.TrimSpace(content), &doc); err != nil {
		return nil, &ParseError{Cause: err}
	}

	out := &NZB{Files: make([]File, 0, len(doc.Files))}
	for _, xf := range doc.Files {
		f := File{
			Subject: xf.Subject,
			Poster:  xf.Poster,
			Groups:  xf.Groups,
		}
		if ts, err := strconv.ParseInt(strings.TrimSpace(xf.Date), 10, 64); err == nil {
			f.Date = ts
		}

		for _, xs := range xf.Segments {
			number, err := strconv.Atoi(strings.TrimSpace(xs.Number))
			if err != nil || number < 1 {
				continue
			}
			size, err := strconv.ParseInt(strings.TrimSpace(xs.Bytes), 10, 64)
			if err != nil || size < 0 {
				continue
			}
			id := strings.TrimSpace(xs.MessageID)
			if id == "" {
				continue
			}
			f.Segments = append(f.Segments, Segment{
				Number:    number,
				Bytes:     size,
				MessageID: id,
			})
		}

		sort.Slice(f.Segments, func(i, j int) bool {
			return f.Segments[i].Number < f.Segments[j].Number
		})

		out.Files = append(out.Files, f)
	}

	return out, nil
}
