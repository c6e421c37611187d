package swcache

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

type PrecacheFailure struct {
	URL    string
	Reason string
}

type PrecacheReport struct {
	Stored  []string
	Skipped []PrecacheFailure
}

// Install fills the worker's generation with the manifest. Individual URLs
// that cannot be fetched or stored are skipped; only a storage failure or a
// cancelled context makes install fail, in which case the worker becomes
// redundant.
func (w *Worker) Install(ctx context.Context) (PrecacheReport, error) {
	if err := w.transition([]State{StateParsed}, StateInstalling); err != nil {
		return PrecacheReport{}, err
	}
	log := w.log.WithField("action", "install")
	log.Info("installing")

	cache, err := w.storage.Open(ctx, w.generation)
	if err != nil {
		w.markRedundant()
		return PrecacheReport{}, fmt.Errorf("open generation %s: %w", w.generation, err)
	}
	w.mu.Lock()
	w.cache = cache
	w.mu.Unlock()

	manifest := w.manifest
	if len(w.sitemaps) > 0 {
		manifest = mergeManifest(manifest, discoverPaths(ctx, w.network, w.origin, w.sitemaps, w.log))
	}

	var report PrecacheReport
	for _, u := range manifest {
		if err := ctx.Err(); err != nil {
			w.markRedundant()
			return report, err
		}
		if reason := w.precacheOne(ctx, cache, u); reason != "" {
			log.WithField("url", u).Warnf("precache skipped: %s", reason)
			report.Skipped = append(report.Skipped, PrecacheFailure{URL: u, Reason: reason})
			continue
		}
		report.Stored = append(report.Stored, u)
	}

	w.setState(StateInstalled)
	if w.skipWaitingOnInstall {
		w.SkipWaiting()
	}
	log.WithFields(logrus.Fields{
		"stored":  len(report.Stored),
		"skipped": len(report.Skipped),
	}).Info("installed")
	return report, nil
}

// precacheOne returns an empty string on success or the reason the URL was
// skipped.
func (w *Worker) precacheOne(ctx context.Context, cache Cache, rawURL string) string {
	req, err := NewRequest(w.origin, rawURL)
	if err != nil {
		return fmt.Sprintf("invalid url: %v", err)
	}
	resp, err := w.network.Fetch(ctx, req)
	if err != nil {
		return fmt.Sprintf("fetch failed: %v", err)
	}
	if !cacheable(resp) {
		resp.Discard()
		return fmt.Sprintf("not cacheable: status %d (%s)", resp.Status, resp.Type)
	}
	if err := cache.Put(ctx, req, resp.Clone()); err != nil {
		return fmt.Sprintf("store failed: %v", err)
	}
	return ""
}

func mergeManifest(base, extra []string) []string {
	seen := make(map[string]struct{}, len(base)+len(extra))
	out := make([]string, 0, len(base)+len(extra))
	for _, list := range [][]string{base, extra} {
		for _, u := range list {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			out = append(out, u)
		}
	}
	return out
}
