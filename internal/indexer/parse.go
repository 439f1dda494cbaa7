package indexer

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/mediahunt/mediahunt/internal/errors"
)

// rssDoc mirrors the Newznab RSS envelope. Attribute elements match by
// local name so both newznab: and plain prefixes decode.
type rssDoc struct {
	Channel struct {
		Title string    `xml:"title"`
		Items []rssItem `xml:"item"`
	} `xml:"channel"`
}

type rssItem struct {
	Title     string       `xml:"title"`
	Link      string       `xml:"link"`
	Size      string       `xml:"size"`
	Enclosure rssEnclosure `xml:"enclosure"`
	Attrs     []rssAttr    `xml:"attr"`
}

type rssEnclosure struct {
	URL    string `xml:"url,attr"`
	Length string `xml:"length,attr"`
}

type rssAttr struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value,attr"`
}

type errorDoc struct {
	XMLName     xml.Name `xml:"error"`
	Code        string   `xml:"code,attr"`
	Description string   `xml:"description,attr"`
}

// jsonDoc mirrors the Newznab JSON output. "item" may be a single object
// or an array, so it stays raw until itemList resolves it.
type jsonDoc struct {
	Channel struct {
		Title string          `json:"title"`
		Item  json.RawMessage `json:"item"`
	} `json:"channel"`
}

type jsonItem struct {
	Title     string `json:"title"`
	Link      string `json:"link"`
	Size      any    `json:"size"`
	Enclosure struct {
		Attributes struct {
			URL    string `json:"url"`
			Length string `json:"length"`
		} `json:"@attributes"`
	} `json:"enclosure"`
	Attr []struct {
		Attributes struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"@attributes"`
	} `json:"attr"`
}

// parseSearchResponse dispatches on the body shape: JSON when the trimmed
// payload opens with a brace, RSS XML otherwise.
func parseSearchResponse(body []byte) ([]Candidate, error) {
	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("{")) {
		return parseJSONResponse(body)
	}
	return parseXMLResponse(body)
}

func parseXMLResponse(body []byte) ([]Candidate, error) {
	var doc rssDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return nil, errors.Wrap(errors.KindParse, "decode rss", err)
	}

	candidates := make([]Candidate, 0, len(doc.Channel.Items))
	for _, item := range doc.Channel.Items {
		c := Candidate{Title: item.Title}

		// Download URL preference: enclosure, then item link.
		c.NZBURL = item.Enclosure.URL
		if c.NZBURL == "" {
			c.NZBURL = item.Link
		}
		if c.Title == "" || c.NZBURL == "" {
			continue
		}

		// Size preference: item element, enclosure length, size attribute.
		c.SizeBytes = parseSize(item.Size)
		if c.SizeBytes == 0 {
			c.SizeBytes = parseSize(item.Enclosure.Length)
		}
		if c.SizeBytes == 0 {
			for _, attr := range item.Attrs {
				if strings.EqualFold(attr.Name, "size") {
					c.SizeBytes = parseSize(attr.Value)
					break
				}
			}
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func parseJSONResponse(body []byte) ([]Candidate, error) {
	var doc jsonDoc
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, errors.Wrap(errors.KindParse, "decode json", err)
	}

	items, err := itemList(doc.Channel.Item)
	if err != nil {
		return nil, err
	}

	candidates := make([]Candidate, 0, len(items))
	for _, item := range items {
		c := Candidate{Title: item.Title}

		c.NZBURL = item.Enclosure.Attributes.URL
		if c.NZBURL == "" {
			c.NZBURL = item.Link
		}
		if c.Title == "" || c.NZBURL == "" {
			continue
		}

		c.SizeBytes = parseSizeAny(item.Size)
		if c.SizeBytes == 0 {
			c.SizeBytes = parseSize(item.Enclosure.Attributes.Length)
		}
		if c.SizeBytes == 0 {
			for _, attr := range item.Attr {
				if strings.EqualFold(attr.Attributes.Name, "size") {
					c.SizeBytes = parseSize(attr.Attributes.Value)
					break
				}
			}
		}
		candidates = append(candidates, c)
	}
	return candidates, nil
}

func itemList(raw json.RawMessage) ([]jsonItem, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	trimmed := bytes.TrimSpace(raw)
	if bytes.HasPrefix(trimmed, []byte("[")) {
		var items []jsonItem
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, errors.Wrap(errors.KindParse, "decode item array", err)
		}
		return items, nil
	}

	var single jsonItem
	if err := json.Unmarshal(trimmed, &single); err != nil {
		return nil, errors.Wrap(errors.KindParse, "decode item", err)
	}
	return []jsonItem{single}, nil
}

func parseSize(s string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// parseSizeAny handles the JSON output's habit of emitting size as either
// a string or a number.
func parseSizeAny(v any) int64 {
	switch s := v.(type) {
	case string:
		return parseSize(s)
	case float64:
		if s < 0 {
			return 0
		}
		return int64(s)
	default:
		return 0
	}
}

// rejectionCodes are the Newznab error codes for credential failures.
var rejectionCodes = map[string]bool{"100": true, "101": true, "102": true}

// apiKeyRejection reports whether the body is a credential rejection and,
// if so, why.
func apiKeyRejection(body []byte) (string, bool) {
	lower := strings.ToLower(string(body))
	if strings.Contains(lower, "invalid api key") {
		return "invalid api key", true
	}
	if strings.Contains(lower, "unauthorized") {
		return "unauthorized", true
	}

	var errDoc errorDoc
	if err := xml.Unmarshal(body, &errDoc); err == nil && rejectionCodes[errDoc.Code] {
		reason := errDoc.Description
		if reason == "" {
			reason = "error code " + errDoc.Code
		}
		return reason, true
	}
	return "", false
}

// hasSearchContent reports whether the body looks like a real search
// response, even an empty one.
func hasSearchContent(body []byte) bool {
	if bytes.HasPrefix(bytes.TrimSpace(body), []byte("{")) {
		var doc jsonDoc
		if err := json.Unmarshal(body, &doc); err != nil {
			return false
		}
		return doc.Channel.Title != "" || len(doc.Channel.Item) > 0
	}

	var doc rssDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return false
	}
	return doc.Channel.Title != "" || len(doc.Channel.Items) > 0
}
