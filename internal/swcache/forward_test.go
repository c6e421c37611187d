package swcache

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func proxyClient(t *testing.T, proxyURL string) *http.Client {
	t.Helper()
	u, err := url.Parse(proxyURL)
	require.NoError(t, err)
	return &http.Client{Transport: &http.Transport{Proxy: http.ProxyURL(u)}}
}

func TestForwardProxyInterceptsOriginOnly(t *testing.T) {
	origin := newGameOrigin(t)
	cdn := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = io.WriteString(w, "png bytes")
	}))
	defer cdn.Close()

	svc := newTestService(t, origin.URL, "v1", "")
	defer svc.Close()
	proxy := httptest.NewServer(svc.ForwardProxy())
	defer proxy.Close()
	client := proxyClient(t, proxy.URL)

	resp, err := client.Get(origin.URL + "/")
	require.NoError(t, err)
	assert.Equal(t, OutcomeHit, resp.Header.Get(swHeader))
	assert.Equal(t, homeHTML, readBody(t, resp))
	resp.Body.Close()

	resp, err = client.Get(cdn.URL + "/flags/fr.png")
	require.NoError(t, err)
	assert.Equal(t, OutcomePassthrough, resp.Header.Get(swHeader))
	assert.Equal(t, "png bytes", readBody(t, resp))
	resp.Body.Close()

	st := svc.Status(context.Background())
	require.NotNil(t, st.Active)
	assert.Equal(t, 2, st.Active.Entries, "cross-origin responses are never cached")
}

func TestForwardProxyOfflineFallback(t *testing.T) {
	origin := newGameOrigin(t)
	svc := newTestService(t, origin.URL, "v1", "")
	defer svc.Close()
	proxy := httptest.NewServer(svc.ForwardProxy())
	defer proxy.Close()
	client := proxyClient(t, proxy.URL)
	originURL := origin.URL
	origin.Close()

	resp, err := client.Get(originURL + "/top14-quiz/api/all-data")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, OutcomeOfflineJSON, resp.Header.Get(swHeader))
	assert.Contains(t, readBody(t, resp), `"error"`)
}

func TestForwardProxyAdmin(t *testing.T) {
	origin := newGameOrigin(t)
	svc := newTestService(t, origin.URL, "v1", "")
	defer svc.Close()
	proxy := httptest.NewServer(svc.ForwardProxy())
	defer proxy.Close()

	resp, err := http.Get(proxy.URL + "/__sw/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(proxy.URL + "/flag-game/")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}
