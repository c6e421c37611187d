package swcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discoverPaths walks the given sitemaps (following sitemap indexes) and
// returns the same-origin paths they list, in document order. A sitemap that
// cannot be fetched or parsed is logged and skipped.
func discoverPaths(ctx context.Context, network Network, origin *url.URL, sitemaps []string, log logrus.FieldLogger) []string {
	seenSitemaps := map[string]struct{}{}
	seenPaths := map[string]struct{}{}
	queue := make([]string, 0, len(sitemaps))
	for _, sm := range sitemaps {
		sm = strings.TrimSpace(sm)
		if sm == "" {
			continue
		}
		queue = append(queue, sm)
	}

	var out []string
	for len(queue) > 0 {
		if ctx.Err() != nil {
			return out
		}

		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := fetchSitemap(ctx, network, origin, smURL)
		if err != nil {
			log.WithFields(logrus.Fields{"action": "discover", "sitemap": smURL}).Warnf("sitemap skipped: %v", err)
			continue
		}

		for _, nested := range doc.Sitemaps {
			if nested = strings.TrimSpace(nested); nested != "" {
				queue = append(queue, nested)
			}
		}

		fit := 0
		for _, loc := range doc.URLs {
			path := sameOriginPath(origin, loc)
			if path == "" {
				continue
			}
			fit++
			if _, ok := seenPaths[path]; ok {
				continue
			}
			seenPaths[path] = struct{}{}
			out = append(out, path)
		}
		log.WithFields(logrus.Fields{
			"action":  "discover",
			"sitemap": smURL,
			"urls":    len(doc.URLs),
			"fit":     fit,
		}).Debug("sitemap parsed")
	}
	return out
}

// maxSitemapBytes is the uncompressed size limit of the sitemap protocol.
const maxSitemapBytes = 50 << 20

var errSitemapTooLarge = errors.New("sitemap exceeds 50mb")

func fetchSitemap(ctx context.Context, network Network, origin *url.URL, sitemapURL string) (sitemapDoc, error) {
	req, err := NewRequest(origin, sitemapURL)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := network.Fetch(ctx, req)
	if err != nil {
		return sitemapDoc{}, err
	}
	if resp.Stream != nil {
		resp.Discard()
		return sitemapDoc{}, errSitemapTooLarge
	}
	if resp.Status < 200 || resp.Status >= 300 {
		b := resp.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	body := resp.Body
	// Some servers send a .gz sitemap with Content-Encoding gzip, in which case
	// the body may already be decompressed.
	tryGzip := strings.HasSuffix(strings.ToLower(req.URL.Path), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			unzipped, err := io.ReadAll(io.LimitReader(gz, maxSitemapBytes+1))
			if err == nil {
				if len(unzipped) > maxSitemapBytes {
					return sitemapDoc{}, errSitemapTooLarge
				}
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	return doc, nil
}

// sameOriginPath returns the origin-relative path of loc, or "" when loc
// points at another origin.
func sameOriginPath(origin *url.URL, loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	u, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	if u.IsAbs() {
		if !sameOrigin(origin, u) {
			return ""
		}
	}
	path := u.Path
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}

