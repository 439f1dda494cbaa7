package downloadclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mediahunt/mediahunt/internal/errors"
)

// SABnzbd talks to an external SABnzbd instance over its query API.
type SABnzbd struct {
	cfg        Config
	httpClient *http.Client
}

func NewSABnzbd(cfg Config) *SABnzbd {
	return &SABnzbd{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *SABnzbd) Name() string { return c.cfg.Name }
func (c *SABnzbd) Type() string { return TypeSABnzbd }

type sabResponse struct {
	Status  bool     `json:"status"`
	Error   *string  `json:"error,omitempty"`
	NzoIds  []string `json:"nzo_ids,omitempty"`
	Version string   `json:"version,omitempty"`
}

type sabQueueSlot struct {
	NzoID    string `json:"nzo_id"`
	Filename string `json:"filename"`
	Cat      string `json:"cat"`
	MB       string `json:"mb"`
	MBLeft   string `json:"mbleft"`
	Status   string `json:"status"`
}

type sabHistorySlot struct {
	NzoID       string `json:"nzo_id"`
	Name        string `json:"name"`
	Category    string `json:"category"`
	Status      string `json:"status"`
	FailMessage string `json:"fail_message"`
	Storage     string `json:"storage"`
}

func (c *SABnzbd) call(ctx context.Context, mode string, extra url.Values, out any) error {
	params := url.Values{}
	params.Set("mode", mode)
	params.Set("apikey", c.cfg.APIKey)
	params.Set("output", "json")
	for key, values := range extra {
		for _, v := range values {
			params.Add(key, v)
		}
	}

	endpoint := strings.TrimRight(c.cfg.Host, "/") + "/api?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return errors.Wrap(errors.KindConfig, "build sabnzbd request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.KindTransient, "sabnzbd request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return errors.New(errors.KindAuth, "sabnzbd rejected the api key")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.KindTransient,
			fmt.Sprintf("sabnzbd returned HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return errors.Wrap(errors.KindTransient, "read sabnzbd response", err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return errors.Wrap(errors.KindParse, "decode sabnzbd response", err)
	}
	return nil
}

// Submit adds the release by URL (mode=addurl).
func (c *SABnzbd) Submit(ctx context.Context, sub Submission) (string, error) {
	if sub.NZBURL == "" {
		return "", errors.New(errors.KindConfig, "sabnzbd submission requires an nzb url")
	}

	params := url.Values{}
	params.Set("name", sub.NZBURL)
	params.Set("nzbname", sub.Name)
	params.Set("cat", ResolveCategory(sub.Category, c.cfg.Category))
	params.Set("priority", "0")

	var resp sabResponse
	if err := c.call(ctx, "addurl", params, &resp); err != nil {
		return "", err
	}
	if !resp.Status {
		msg := "sabnzbd rejected the nzb"
		if resp.Error != nil && *resp.Error != "" {
			msg = *resp.Error
		}
		return "", errors.New(errors.KindTransient, msg)
	}
	if len(resp.NzoIds) == 0 {
		return "", errors.New(errors.KindParse, "sabnzbd returned no nzo id")
	}
	return resp.NzoIds[0], nil
}

func (c *SABnzbd) Queue(ctx context.Context) ([]QueueItem, error) {
	var resp struct {
		Queue struct {
			Slots []sabQueueSlot `json:"slots"`
		} `json:"queue"`
	}
	if err := c.call(ctx, "queue", nil, &resp); err != nil {
		return nil, err
	}

	out := make([]QueueItem, 0, len(resp.Queue.Slots))
	for _, slot := range resp.Queue.Slots {
		total := parseMB(slot.MB)
		left := parseMB(slot.MBLeft)
		progress := 0.0
		if total > 0 {
			progress = float64(total-left) / float64(total)
		}
		out = append(out, QueueItem{
			ID:        slot.NzoID,
			Name:      slot.Filename,
			Category:  slot.Cat,
			Status:    strings.ToLower(slot.Status),
			Progress:  progress,
			SizeBytes: total,
		})
	}
	return out, nil
}

func (c *SABnzbd) History(ctx context.Context) ([]HistoryItem, error) {
	var resp struct {
		History struct {
			Slots []sabHistorySlot `json:"slots"`
		} `json:"history"`
	}
	if err := c.call(ctx, "history", nil, &resp); err != nil {
		return nil, err
	}

	out := make([]HistoryItem, 0, len(resp.History.Slots))
	for _, slot := range resp.History.Slots {
		out = append(out, HistoryItem{
			ID:         slot.NzoID,
			Name:       slot.Name,
			Category:   slot.Category,
			Completed:  strings.EqualFold(slot.Status, "Completed"),
			Failed:     strings.EqualFold(slot.Status, "Failed"),
			FailReason: slot.FailMessage,
			Path:       slot.Storage,
		})
	}
	return out, nil
}

// Test asks for the version, which exercises both reachability and the key.
func (c *SABnzbd) Test(ctx context.Context) error {
	var resp sabResponse
	if err := c.call(ctx, "version", nil, &resp); err != nil {
		return err
	}
	if resp.Version == "" {
		return errors.New(errors.KindParse, "sabnzbd returned no version")
	}
	return nil
}

// parseMB converts SABnzbd's fractional megabyte strings to bytes.
func parseMB(s string) int64 {
	mb, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || mb < 0 {
		return 0
	}
	return int64(mb * 1024 * 1024)
}
