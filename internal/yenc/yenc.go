// Package yenc decodes yEnc-encoded NNTP article bodies.
package yenc

import (
	"bytes"
	"strconv"
	"strings"
)

// Header holds the fields of interest from =ybegin/=ypart/=yend lines.
type Header struct {
	Name   string
	Size   int64
	Part   int
	Total  int
	Line   int
	Begin  int64
	End    int64
	CRC32  string
	PCRC32 string
}

var (
	ybeginMarker = []byte("=ybegin ")
	ypartMarker  = []byte("=ypart ")
	yendMarker   = []byte("=yend ")

	// translate undoes the +42 applied to every encoded byte.
	translate [256]byte
)

func init() {
	for i := 0; i < 256; i++ {
		translate[i] = byte((i - 42) & 0xff)
	}
}

// Decode decodes one article body. Well-formed input never returns an error;
// a body without an =ybegin line is translated raw with an empty header.
func Decode(body []byte) ([]byte, Header) {
	var header Header

	start := bytes.Index(body, ybeginMarker)
	if start < 0 {
		return decodeBody(body), header
	}

	headerLine, rest := splitLine(body[start+len(ybeginMarker):])
	parseFields(string(headerLine), &header)

	// An =ypart line may immediately follow for multi-part posts.
	if bytes.HasPrefix(rest, ypartMarker) {
		partLine, after := splitLine(rest[len(ypartMarker):])
		parseFields(string(partLine), &header)
		rest = after
	}

	end := len(rest)
	if idx := indexTrailer(rest); idx >= 0 {
		end = idx
		// Parse trailer fields (size, crc32, pcrc32) when present.
		trailer, _ := splitLine(rest[idx+len(yendMarker):])
		parseTrailer(string(trailer), &header)
	}

	return decodeBody(rest[:end]), header
}

// indexTrailer finds the =yend line. The marker only counts at the start of
// a line: the escape sequence "=y" followed by encoded bytes can produce
// "=yend " mid-line, and that is body data.
func indexTrailer(rest []byte) int {
	if bytes.HasPrefix(rest, yendMarker) {
		return 0
	}
	from := 0
	for {
		idx := bytes.Index(rest[from:], yendMarker)
		if idx < 0 {
			return -1
		}
		at := from + idx
		if rest[at-1] == '\n' || rest[at-1] == '\r' {
			return at
		}
		from = at + 1
	}
}

// splitLine returns the content up to the first line terminator and the
// remainder after it.
func splitLine(data []byte) (line, rest []byte) {
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return bytes.TrimSuffix(data, []byte("\r")), nil
	}
	line = bytes.TrimSuffix(data[:idx], []byte("\r"))
	return line, data[idx+1:]
}

// parseFields parses KEY=value pairs. The name key consumes the remainder of
// the line because names commonly contain spaces.
func parseFields(line string, h *Header) {
	for line != "" {
		eq := strings.IndexByte(line, '=')
		if eq <= 0 {
			return
		}
		key := strings.TrimSpace(line[:eq])
		line = line[eq+1:]

		if key == "name" {
			h.Name = strings.TrimSpace(line)
			return
		}

		var value string
		if sp := strings.IndexByte(line, ' '); sp >= 0 {
			value = line[:sp]
			line = strings.TrimLeft(line[sp+1:], " ")
		} else {
			value = line
			line = ""
		}

		setField(key, value, h)
	}
}

func parseTrailer(line string, h *Header) {
	for _, pair := range strings.Fields(line) {
		eq := strings.IndexByte(pair, '=')
		if eq <= 0 {
			continue
		}
		setField(pair[:eq], pair[eq+1:], h)
	}
}

func setField(key, value string, h *Header) {
	switch key {
	case "size":
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			h.Size = v
		}
	case "part":
		if v, err := strconv.Atoi(value); err == nil {
			h.Part = v
		}
	case "total":
		if v, err := strconv.Atoi(value); err == nil {
			h.Total = v
		}
	case "line":
		if v, err := strconv.Atoi(value); err == nil {
			h.Line = v
		}
	case "begin":
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			h.Begin = v
		}
	case "end":
		if v, err := strconv.ParseInt(value, 10, 64); err == nil {
			h.End = v
		}
	case "crc32":
		h.CRC32 = value
	case "pcrc32":
		h.PCRC32 = value
	}
}

// decodeBody undoes the yEnc byte transform on the raw body region:
// line breaks are stripped in bulk, then the stream is split on the escape
// byte and translated through the -42 table, with the byte following each
// escape additionally shifted by -64.
func decodeBody(body []byte) []byte {
	stripped := bytes.ReplaceAll(body, []byte("\r"), nil)
	stripped = bytes.ReplaceAll(stripped, []byte("\n"), nil)

	chunks := bytes.Split(stripped, []byte("="))

	out := make([]byte, 0, len(stripped))
	out = append(out, translateChunk(chunks[0])...)

	for _, chunk := range chunks[1:] {
		if len(chunk) == 0 {
			continue
		}
		out = append(out, byte((int(chunk[0])-64-42)&0xff))
		out = append(out, translateChunk(chunk[1:])...)
	}

	return out
}

func translateChunk(chunk []byte) []byte {
	out := make([]byte, len(chunk))
	for i, b := range chunk {
		out[i] = translate[b]
	}
	return out
}
