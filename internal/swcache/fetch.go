package swcache

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// FetchResult is what the worker decided for one request. When Route is not
// RouteIntercept, Response is nil and the caller must pass the request
// through to the network untouched.
type FetchResult struct {
	Route    Route
	Response *Response
	Outcome  string
}

// HandleFetch applies the exclusion filters, the matching rule and the
// worker policy to req. It always returns a response for intercepted
// requests; network failures end in the fallback resolver.
func (w *Worker) HandleFetch(ctx context.Context, req *Request) FetchResult {
	route := classify(w.origin, req)
	if route != RouteIntercept {
		return FetchResult{Route: route}
	}

	rule := pickRule(w.rules, req.URL.Path)
	if rule != nil && rule.Bypass {
		return w.networkOnly(ctx, req)
	}

	policy := w.policy
	if rule != nil && rule.policy != 0 {
		policy = rule.policy
	}
	if policy == PolicyNetworkFirst {
		return w.networkFirst(ctx, req)
	}
	return w.cacheFirst(ctx, req, rule)
}

func (w *Worker) cacheFirst(ctx context.Context, req *Request, rule *Rule) FetchResult {
	cached, err := w.storage.Match(ctx, req)
	if err != nil {
		w.log.WithFields(logrus.Fields{"action": "match", "url": req.URL.RequestURI()}).Warnf("cache lookup failed: %v", err)
	}
	if cached != nil {
		if rule == nil || rule.expDur <= 0 || isStale(cached, rule.expDur) {
			w.revalidateAsync(req, cached, rule)
		}
		return FetchResult{Route: RouteIntercept, Response: cached, Outcome: OutcomeHit}
	}

	resp, err := w.fetchAndStore(ctx, req)
	if err != nil {
		w.logNetworkFailure(req, err)
		return w.fallback(ctx, req)
	}
	return FetchResult{Route: RouteIntercept, Response: resp, Outcome: OutcomeMiss}
}

func (w *Worker) networkFirst(ctx context.Context, req *Request) FetchResult {
	resp, err := w.fetchAndStore(ctx, req)
	if err == nil {
		return FetchResult{Route: RouteIntercept, Response: resp, Outcome: OutcomeNetwork}
	}
	w.logNetworkFailure(req, err)

	cached, mErr := w.storage.Match(ctx, req)
	if mErr != nil {
		w.log.WithFields(logrus.Fields{"action": "match", "url": req.URL.RequestURI()}).Warnf("cache lookup failed: %v", mErr)
	}
	if cached != nil {
		return FetchResult{Route: RouteIntercept, Response: cached, Outcome: OutcomeOfflineCache}
	}
	return w.fallback(ctx, req)
}

func (w *Worker) networkOnly(ctx context.Context, req *Request) FetchResult {
	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		w.logNetworkFailure(req, err)
		return w.fallback(ctx, req)
	}
	return FetchResult{Route: RouteIntercept, Response: resp, Outcome: OutcomeBypass}
}

// fetchAndStore fetches req and, when the response is cacheable, schedules a
// write of a copy of it. The returned response is never the stored one.
func (w *Worker) fetchAndStore(ctx context.Context, req *Request) (*Response, error) {
	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	if cacheable(resp) {
		w.putAsync(req, resp.Clone())
	}
	return resp, nil
}

func (w *Worker) putAsync(req *Request, resp *Response) {
	key := req.Key()
	w.sched.Schedule("put "+key, func(ctx context.Context) {
		w.put(ctx, req, resp)
	})
}

func (w *Worker) put(ctx context.Context, req *Request, resp *Response) {
	cache := w.currentCache()
	if cache == nil {
		return
	}
	if err := cache.Put(ctx, req, resp); err != nil {
		w.log.WithFields(logrus.Fields{"action": "put", "url": req.URL.RequestURI()}).Warnf("cache write failed: %v", err)
	}
}

func (w *Worker) revalidateAsync(req *Request, cached *Response, rule *Rule) {
	w.sched.Schedule("revalidate "+req.Key(), func(ctx context.Context) {
		w.revalidate(ctx, req, cached, rule)
	})
}

// revalidate refreshes one entry. Failures only get logged: the cached copy
// stays in place unless the origin says the resource is gone.
func (w *Worker) revalidate(ctx context.Context, req *Request, cached *Response, rule *Rule) {
	log := w.log.WithFields(logrus.Fields{"action": "revalidate", "url": req.URL.RequestURI()})
	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		log.Debugf("revalidate failed: %v", err)
		return
	}
	if resp.Status == http.StatusNotFound || resp.Status == http.StatusGone {
		resp.Discard()
		w.deleteGone(ctx, req, cached, log)
		return
	}
	if !cacheable(resp) {
		resp.Discard()
		log.Debugf("revalidate got uncacheable status %d", resp.Status)
		return
	}
	unchanged := cached != nil && cached.Status == resp.Status && cached.Hash32 == resp.Hash32
	if unchanged && (rule == nil || rule.expDur <= 0) {
		return
	}
	w.put(ctx, req, resp)
}

// deleteGone removes an entry the origin no longer serves from the worker's
// own generation. A hit served from another generation (a waiting worker's
// precache) is left to that worker.
func (w *Worker) deleteGone(ctx context.Context, req *Request, cached *Response, log logrus.FieldLogger) {
	if cached != nil && cached.Generation != "" && cached.Generation != w.generation {
		log.WithField("generation", cached.Generation).Debug("gone entry belongs to another generation")
	}
	cache := w.currentCache()
	if cache == nil {
		return
	}
	if _, err := cache.Delete(ctx, req); err != nil {
		log.Warnf("delete gone entry: %v", err)
	}
}

// Revalidate schedules a refresh of every entry of the worker's generation.
// It returns the number of scheduled refreshes.
func (w *Worker) Revalidate(ctx context.Context) (int, error) {
	cache := w.currentCache()
	if cache == nil {
		return 0, nil
	}
	keys, err := cache.Keys(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, key := range keys {
		req, ok := w.requestFromKey(key)
		if !ok {
			continue
		}
		cached, err := cache.Match(ctx, req)
		if err != nil || cached == nil {
			continue
		}
		rule := pickRule(w.rules, req.URL.Path)
		if rule != nil && rule.Bypass {
			continue
		}
		if w.sched.Schedule("warm "+key, func(ctx context.Context) {
			w.revalidate(ctx, req, cached, rule)
		}) {
			n++
		}
	}
	return n, nil
}

func (w *Worker) requestFromKey(key string) (*Request, bool) {
	method, uri, ok := strings.Cut(key, " ")
	if !ok || method != http.MethodGet {
		return nil, false
	}
	ref, err := url.ParseRequestURI(uri)
	if err != nil {
		return nil, false
	}
	return &Request{
		Method: http.MethodGet,
		URL:    w.origin.ResolveReference(ref),
		Header: make(http.Header),
		Mode:   ModeSameOrigin,
	}, true
}

func isStale(resp *Response, exp time.Duration) bool {
	if resp.StoredAt.IsZero() {
		return true
	}
	return time.Since(resp.StoredAt) > exp
}

func (w *Worker) logNetworkFailure(req *Request, err error) {
	w.log.WithFields(logrus.Fields{"action": "fetch", "url": req.URL.RequestURI()}).Infof("network failed: %v", err)
}
