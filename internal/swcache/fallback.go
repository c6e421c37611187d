package swcache

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"
)

// fallback picks the synthetic response for a request that could be served
// neither from the cache nor from the network. Navigations are tried first
// because a blank page is the worst outcome for the user.
func (w *Worker) fallback(ctx context.Context, req *Request) FetchResult {
	log := w.log.WithFields(logrus.Fields{"action": "fallback", "url": req.URL.RequestURI()})

	if req.IsNavigation() {
		shell, err := NewRequest(w.origin, "/")
		if err == nil {
			cached, err := w.storage.Match(ctx, shell)
			if err != nil {
				log.Warnf("shell lookup failed: %v", err)
			}
			if cached != nil {
				return FetchResult{Route: RouteIntercept, Response: cached, Outcome: OutcomeOfflineShell}
			}
		}
	}

	if isAPIPath(req.URL.Path) {
		return FetchResult{Route: RouteIntercept, Response: offlineJSON(req.URL.Path), Outcome: OutcomeOfflineJSON}
	}

	log.Debug("no fallback available")
	return FetchResult{Route: RouteIntercept, Response: unavailable(), Outcome: OutcomeOfflineUnavailable}
}

type offlineError struct {
	Error string `json:"error"`
}

func offlineJSON(path string) *Response {
	body, err := json.Marshal(offlineError{Error: fmt.Sprintf("offline: %s is unavailable", path)})
	if err != nil {
		body = []byte(`{"error":"offline"}`)
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	h.Set("Cache-Control", "no-store")
	return newResponse(http.StatusOK, h, body)
}

// unavailable is the generic failure: an explicit 503 with an empty body.
func unavailable() *Response {
	h := make(http.Header)
	h.Set("Cache-Control", "no-store")
	resp := newResponse(http.StatusServiceUnavailable, h, nil)
	resp.Type = TypeError
	return resp
}
