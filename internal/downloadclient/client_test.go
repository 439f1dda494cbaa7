package downloadclient

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mediahunt/mediahunt/internal/errors"
)

func TestResolveCategory(t *testing.T) {
	assert.Equal(t, "tv", ResolveCategory("tv", "fallback"))
	assert.Equal(t, "fallback", ResolveCategory("default", "fallback"))
	assert.Equal(t, "fallback", ResolveCategory("*", "fallback"))
	assert.Equal(t, "fallback", ResolveCategory("", "fallback"))
	assert.Equal(t, DefaultCategory, ResolveCategory("", ""))
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(Config{Type: "deluge"}, nil, nil)
	require.Error(t, err)
	assert.Equal(t, errors.KindConfig, errors.KindOf(err))
}

func sabConfig(host string) Config {
	return Config{Name: "sab", Type: TypeSABnzbd, Host: host, APIKey: "key", Category: "movies"}
}

func TestSABnzbdSubmit(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = map[string]string{
			"mode":    r.URL.Query().Get("mode"),
			"apikey":  r.URL.Query().Get("apikey"),
			"name":    r.URL.Query().Get("name"),
			"nzbname": r.URL.Query().Get("nzbname"),
			"cat":     r.URL.Query().Get("cat"),
			"output":  r.URL.Query().Get("output"),
		}
		_, _ = w.Write([]byte(`{"status": true, "nzo_ids": ["SABnzbd_nzo_kjw14t"]}`))
	}))
	defer srv.Close()

	client := NewSABnzbd(sabConfig(srv.URL))
	id, err := client.Submit(context.Background(), Submission{
		Name:     "Some.Release.2024",
		NZBURL:   "https://indexer.example/dl/x.nzb",
		Category: "default",
	})
	require.NoError(t, err)
	assert.Equal(t, "SABnzbd_nzo_kjw14t", id)
	assert.Equal(t, "addurl", got["mode"])
	assert.Equal(t, "key", got["apikey"])
	assert.Equal(t, "https://indexer.example/dl/x.nzb", got["name"])
	assert.Equal(t, "Some.Release.2024", got["nzbname"])
	assert.Equal(t, "movies", got["cat"], "default category resolves to the client fallback")
	assert.Equal(t, "json", got["output"])
}

func TestSABnzbdSubmitRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status": false, "error": "no api key"}`))
	}))
	defer srv.Close()

	client := NewSABnzbd(sabConfig(srv.URL))
	_, err := client.Submit(context.Background(), Submission{Name: "x", NZBURL: "https://u"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no api key")
}

func TestSABnzbdQueueAndHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("mode") {
		case "queue":
			_, _ = w.Write([]byte(`{"queue":{"slots":[
				{"nzo_id":"n1","filename":"Rel.A","cat":"movies","mb":"1024.00","mbleft":"256.00","status":"Downloading"}
			]}}`))
		case "history":
			_, _ = w.Write([]byte(`{"history":{"slots":[
				{"nzo_id":"n2","name":"Rel.B","category":"movies","status":"Completed","storage":"/data/Rel.B"},
				{"nzo_id":"n3","name":"Rel.C","category":"movies","status":"Failed","fail_message":"crc error"}
			]}}`))
		}
	}))
	defer srv.Close()

	client := NewSABnzbd(sabConfig(srv.URL))

	queue, err := client.Queue(context.Background())
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "n1", queue[0].ID)
	assert.Equal(t, "downloading", queue[0].Status)
	assert.InDelta(t, 0.75, queue[0].Progress, 0.001)
	assert.Equal(t, int64(1024*1024*1024), queue[0].SizeBytes)

	history, err := client.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Completed)
	assert.Equal(t, "/data/Rel.B", history[0].Path)
	assert.True(t, history[1].Failed)
	assert.Equal(t, "crc error", history[1].FailReason)
}

func TestSABnzbdTest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "version", r.URL.Query().Get("mode"))
		_, _ = w.Write([]byte(`{"version":"4.3.2"}`))
	}))
	defer srv.Close()

	require.NoError(t, NewSABnzbd(sabConfig(srv.URL)).Test(context.Background()))
}

func TestSABnzbdAuthError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	err := NewSABnzbd(sabConfig(srv.URL)).Test(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.KindAuth, errors.KindOf(err))
}

func TestNZBGetSubmit(t *testing.T) {
	nzbContent := `<nzb><file/></nzb>`
	nzbSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(nzbContent))
	}))
	defer nzbSrv.Close()

	var gotReq rpcRequest
	rpcSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/jsonrpc", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		_, _ = w.Write([]byte(`{"result": 42}`))
	}))
	defer rpcSrv.Close()

	client := NewNZBGet(Config{Name: "ng", Type: TypeNZBGet, Host: rpcSrv.URL, Category: "movies"})
	id, err := client.Submit(context.Background(), Submission{
		Name:   "Some.Release",
		NZBURL: nzbSrv.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, "42", id)

	assert.Equal(t, "append", gotReq.Method)
	require.GreaterOrEqual(t, len(gotReq.Params), 3)
	assert.Equal(t, "Some.Release.nzb", gotReq.Params[0])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte(nzbContent)), gotReq.Params[1])
	assert.Equal(t, "movies", gotReq.Params[2])
}

func TestNZBGetSubmitRefused(t *testing.T) {
	nzbSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<nzb/>`))
	}))
	defer nzbSrv.Close()

	rpcSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"result": 0}`))
	}))
	defer rpcSrv.Close()

	client := NewNZBGet(Config{Host: rpcSrv.URL})
	_, err := client.Submit(context.Background(), Submission{Name: "x", NZBURL: nzbSrv.URL})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refused")
}

func TestNZBGetQueueAndHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		switch req.Method {
		case "listgroups":
			_, _ = w.Write([]byte(`{"result":[
				{"NZBID":7,"NZBName":"Rel.A","Category":"movies","Status":"DOWNLOADING",
				 "FileSizeLo":1000,"FileSizeHi":0,"DownloadedSizeLo":250,"DownloadedSizeHi":0}
			]}`))
		case "history":
			_, _ = w.Write([]byte(`{"result":[
				{"NZBID":8,"Name":"Rel.B","Category":"movies","Status":"SUCCESS/ALL","DestDir":"/data/Rel.B"},
				{"NZBID":9,"Name":"Rel.C","Category":"movies","Status":"FAILURE/PAR","DestDir":""}
			]}`))
		}
	}))
	defer srv.Close()

	client := NewNZBGet(Config{Host: srv.URL})

	queue, err := client.Queue(context.Background())
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "7", queue[0].ID)
	assert.Equal(t, "downloading", queue[0].Status)
	assert.InDelta(t, 0.25, queue[0].Progress, 0.001)

	history, err := client.History(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.True(t, history[0].Completed)
	assert.True(t, history[1].Failed)
	assert.Equal(t, "FAILURE/PAR", history[1].FailReason)
}

func TestNZBGetRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"code":1,"message":"invalid parameter"}}`))
	}))
	defer srv.Close()

	err := NewNZBGet(Config{Host: srv.URL}).Test(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid parameter")
}
