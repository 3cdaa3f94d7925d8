package listing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sensor-archive-crawler/internal/fetcher"
	collyfetcher "github.com/JakeFAU/sensor-archive-crawler/internal/fetcher/colly"
	"github.com/JakeFAU/sensor-archive-crawler/internal/retry"
)

const indexPage = `<html><head><title>Index of /2023-05-01/</title></head><body>
<h1>Index of /2023-05-01/</h1><pre>
<a href="../">../</a>
<a href="2023-05-01_sds011_sensor_26656.csv">2023-05-01_sds011_sensor_26656.csv</a>
<a href="#top">top</a>
<a href="">empty</a>
<a href="/2023-05-01/2023-05-01_bme280_sensor_10701.csv.gz">abs</a>
<a href="2023-05-01_sds011_sensor_26656.csv">dup</a>
<a>no href</a>
<a href="https://mirror.example/other.csv">elsewhere</a>
</pre></body></html>`

var fastRetry = retry.Config{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

func TestParseLinks(t *testing.T) {
	t.Parallel()

	links, err := ParseLinks([]byte(indexPage), "https://archive.example/2023-05-01/")
	require.NoError(t, err)

	var urls, hrefs []string
	for _, l := range links {
		urls = append(urls, l.URL)
		hrefs = append(hrefs, l.Href)
	}
	assert.Equal(t, []string{
		"https://archive.example/",
		"https://archive.example/2023-05-01/2023-05-01_sds011_sensor_26656.csv",
		"https://archive.example/2023-05-01/2023-05-01_bme280_sensor_10701.csv.gz",
		"https://archive.example/2023-05-01/2023-05-01_sds011_sensor_26656.csv",
		"https://mirror.example/other.csv",
	}, urls)
	assert.Equal(t, "/2023-05-01/2023-05-01_bme280_sensor_10701.csv.gz", hrefs[2])
}

func TestParseLinksEmptyDocument(t *testing.T) {
	t.Parallel()

	links, err := ParseLinks(nil, "https://archive.example/")
	require.NoError(t, err)
	assert.Empty(t, links)
}

func TestParseLinksBadBase(t *testing.T) {
	t.Parallel()

	_, err := ParseLinks([]byte(indexPage), "://bad")
	require.Error(t, err)
}

func TestListAgainstServer(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2023-05-01/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(indexPage))
	}))
	t.Cleanup(srv.Close)

	f := New(collyfetcher.New(collyfetcher.Config{Timeout: time.Second}, nil, nil), fastRetry, nil)

	res := f.List(context.Background(), srv.URL+"/2023-05-01/")
	require.Equal(t, retry.KindOK, res.Kind, "err: %v", res.Err)
	assert.Len(t, res.Value.Links, 5)
	assert.Equal(t, srv.URL+"/2023-05-01/2023-05-01_sds011_sensor_26656.csv", res.Value.Links[1].URL)

	res = f.List(context.Background(), srv.URL+"/2023-05-02/")
	assert.Equal(t, retry.KindNotFound, res.Kind)
	assert.Equal(t, 1, res.Attempts)
}

func TestListRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	getter := fetcher.GetterFunc(func(_ context.Context, rawURL string) (fetcher.Response, error) {
		if calls.Add(1) == 1 {
			resp := fetcher.Response{URL: rawURL, StatusCode: http.StatusBadGateway}
			return resp, fetcher.CheckStatus(resp)
		}
		return fetcher.Response{URL: rawURL, StatusCode: http.StatusOK, Body: []byte(indexPage)}, nil
	})

	res := New(getter, fastRetry, nil).List(context.Background(), "https://archive.example/2023-05-01/")
	require.Equal(t, retry.KindOK, res.Kind)
	assert.Equal(t, 2, res.Attempts)
}
