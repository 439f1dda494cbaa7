// Package nzb parses NZB documents into the engine's download manifest.
package nzb

import (
	"fmt"
	"strings"
)

// Segment is one Usenet article carrying a contiguous byte range of a file.
// MessageID is stored without angle brackets; they are added on retrieval.
type Segment struct {
	Number    int    `json:"number"`
	Bytes     int64  `json:"bytes"`
	MessageID string `json:"message_id"`
}

// File is one file within an NZB, with its segments sorted ascending by
// segment number after parse.
type File struct {
	Subject  string    `json:"subject"`
	Poster   string    `json:"poster"`
	Date     int64     `json:"date"`
	Groups   []string  `json:"groups"`
	Segments []Segment `json:"segments"`
}

// NZB is a parsed manifest.
type NZB struct {
	Files []File `json:"files"`
}

// TotalBytes sums all segment sizes.
func (n *NZB) TotalBytes() int64 {
	var total int64
	for _, f := range n.Files {
		total += f.TotalBytes()
	}
	return total
}

// TotalSegments counts all segments.
func (n *NZB) TotalSegments() int {
	total := 0
	for _, f := range n.Files {
		total += len(f.Segments)
	}
	return total
}

// TotalBytes sums the file's segment sizes.
func (f *File) TotalBytes() int64 {
	var total int64
	for _, s := range f.Segments {
		total += s.Bytes
	}
	return total
}

const maxFilenameLen = 200

// Filename derives the display filename from the subject: the substring inside
// the first pair of double quotes when present, otherwise the sanitized
// subject, falling back to "unknown".
func (f *File) Filename() string {
	subject := f.Subject

	if start := strings.Index(subject, `"`); start >= 0 {
		rest := subject[start+1:]
		if end := strings.Index(rest, `"`); end >= 0 {
			if name := strings.TrimSpace(rest[:end]); name != "" {
				return truncate(name, maxFilenameLen)
			}
		}
	}

	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', ':', '"', '/', '\\', '|', '?', '*':
			return -1
		}
		return r
	}, subject)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return "unknown"
	}
	return truncate(cleaned, maxFilenameLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// ParseError is returned for malformed top-level NZB XML.
type ParseError struct {
	Cause error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed NZB document: %v", e.Cause)
}

func (e *ParseError) Unwrap() error { return e.Cause }
