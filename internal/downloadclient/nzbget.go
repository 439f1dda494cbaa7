package downloadclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/mediahunt/mediahunt/internal/errors"
)

// NZBGet talks to an external NZBGet instance over JSON-RPC.
type NZBGet struct {
	cfg        Config
	httpClient *http.Client
}

func NewNZBGet(cfg Config) *NZBGet {
	return &NZBGet{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (c *NZBGet) Name() string { return c.cfg.Name }
func (c *NZBGet) Type() string { return TypeNZBGet }

type rpcRequest struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
	ID     int    `json:"id"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *NZBGet) rpc(ctx context.Context, method string, params []any, out any) error {
	payload, err := json.Marshal(rpcRequest{Method: method, Params: params, ID: 1})
	if err != nil {
		return errors.Wrap(errors.KindIPC, "encode rpc request", err)
	}

	endpoint := strings.TrimRight(c.cfg.Host, "/") + "/jsonrpc"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(errors.KindConfig, "build nzbget request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Username != "" {
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(errors.KindTransient, "nzbget request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return errors.New(errors.KindAuth, "nzbget rejected the credentials")
	}
	if resp.StatusCode != http.StatusOK {
		return errors.New(errors.KindTransient,
			fmt.Sprintf("nzbget returned HTTP %d", resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return errors.Wrap(errors.KindTransient, "read nzbget response", err)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return errors.Wrap(errors.KindParse, "decode nzbget response", err)
	}
	if rpcResp.Error != nil {
		return errors.New(errors.KindTransient, "nzbget rpc error: "+rpcResp.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return errors.Wrap(errors.KindParse, "decode rpc result", err)
		}
	}
	return nil
}

// Submit downloads the NZB and appends it base64-encoded. NZBGet has no
// add-by-url call, so the content travels in the rpc payload.
func (c *NZBGet) Submit(ctx context.Context, sub Submission) (string, error) {
	if sub.NZBURL == "" {
		return "", errors.New(errors.KindConfig, "nzbget submission requires an nzb url")
	}

	content, err := c.fetchNZB(ctx, sub.NZBURL)
	if err != nil {
		return "", err
	}

	params := []any{
		sub.Name + ".nzb",
		base64.StdEncoding.EncodeToString(content),
		ResolveCategory(sub.Category, c.cfg.Category),
		0,     // priority
		false, // addToTop
		false, // addPaused
		"",    // dupeKey
		0,     // dupeScore
		"ALL", // dupeMode
		[]any{},
	}

	var nzbID int64
	if err := c.rpc(ctx, "append", params, &nzbID); err != nil {
		return "", err
	}
	if nzbID <= 0 {
		return "", errors.New(errors.KindTransient, "nzbget refused the nzb")
	}
	return strconv.FormatInt(nzbID, 10), nil
}

func (c *NZBGet) fetchNZB(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindConfig, "build nzb fetch", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindTransient, "fetch nzb", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(errors.KindTransient,
			fmt.Sprintf("nzb fetch returned HTTP %d", resp.StatusCode))
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64<<20))
}

type nzbgetGroup struct {
	NZBID         int64  `json:"NZBID"`
	NZBName       string `json:"NZBName"`
	Category      string `json:"Category"`
	Status        string `json:"Status"`
	FileSizeLo    int64  `json:"FileSizeLo"`
	FileSizeHi    int64  `json:"FileSizeHi"`
	DownloadedLo  int64  `json:"DownloadedSizeLo"`
	DownloadedHi  int64  `json:"DownloadedSizeHi"`
	RemainingSize int64  `json:"RemainingSizeMB"`
}

func (c *NZBGet) Queue(ctx context.Context) ([]QueueItem, error) {
	var groups []nzbgetGroup
	if err := c.rpc(ctx, "listgroups", []any{0}, &groups); err != nil {
		return nil, err
	}

	out := make([]QueueItem, 0, len(groups))
	for _, g := range groups {
		size := g.FileSizeHi<<32 | g.FileSizeLo
		downloaded := g.DownloadedHi<<32 | g.DownloadedLo
		progress := 0.0
		if size > 0 {
			progress = float64(downloaded) / float64(size)
		}
		out = append(out, QueueItem{
			ID:        strconv.FormatInt(g.NZBID, 10),
			Name:      g.NZBName,
			Category:  g.Category,
			Status:    strings.ToLower(g.Status),
			Progress:  progress,
			SizeBytes: size,
		})
	}
	return out, nil
}

type nzbgetHistory struct {
	NZBID    int64  `json:"NZBID"`
	Name     string `json:"Name"`
	Category string `json:"Category"`
	Status   string `json:"Status"`
	DestDir  string `json:"DestDir"`
}

func (c *NZBGet) History(ctx context.Context) ([]HistoryItem, error) {
	var entries []nzbgetHistory
	if err := c.rpc(ctx, "history", []any{false}, &entries); err != nil {
		return nil, err
	}

	out := make([]HistoryItem, 0, len(entries))
	for _, e := range entries {
		// Status strings look like "SUCCESS/ALL" or "FAILURE/PAR".
		failed := strings.HasPrefix(e.Status, "FAILURE") || strings.HasPrefix(e.Status, "DELETED")
		out = append(out, HistoryItem{
			ID:         strconv.FormatInt(e.NZBID, 10),
			Name:       e.Name,
			Category:   e.Category,
			Completed:  strings.HasPrefix(e.Status, "SUCCESS"),
			Failed:     failed,
			FailReason: e.Status,
			Path:       e.DestDir,
		})
	}
	return out, nil
}

func (c *NZBGet) Test(ctx context.Context) error {
	var version string
	return c.rpc(ctx, "version", nil, &version)
}
