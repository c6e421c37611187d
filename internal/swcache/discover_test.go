package swcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameOriginPath(t *testing.T) {
	origin := mustOrigin(t)
	for _, tt := range []struct{ in, want string }{
		{"http://game.local/flag-game/", "/flag-game/"},
		{"http://game.local", "/"},
		{"http://game.local/pi-game/api/question?position=4", "/pi-game/api/question?position=4"},
		{"/toulouse-game/", "/toulouse-game/"},
		{"https://game.local/", ""},
		{"http://other.local/", ""},
		{"  ", ""},
	} {
		assert.Equal(t, tt.want, sameOriginPath(origin, tt.in), tt.in)
	}
}

func TestDiscoverPathsFollowsIndexesOnce(t *testing.T) {
	network := newFakeNetwork()
	// the index lists itself; it must be fetched only once
	network.set("/sitemap.xml", http.StatusOK, "application/xml", `<sitemapindex>
  <sitemap><loc>/sitemap.xml</loc></sitemap>
  <sitemap><loc>/games.xml</loc></sitemap>
</sitemapindex>`)
	network.set("/games.xml", http.StatusOK, "application/xml", `<urlset>
  <url><loc>http://game.local/flag-game/</loc></url>
  <url><loc>http://game.local/flag-game/</loc></url>
  <url><loc>http://game.local/top14-quiz/</loc></url>
</urlset>`)
	network.set("/broken.xml", http.StatusOK, "application/xml", `<urlset><url>`)

	paths := discoverPaths(context.Background(), network, mustOrigin(t), []string{"/sitemap.xml", "/broken.xml", " "}, testLogger())
	assert.Equal(t, []string{"/flag-game/", "/top14-quiz/"}, paths)
	assert.Equal(t, 1, network.callCount("/sitemap.xml"))
}

func TestFetchSitemapCapsDecompressedSize(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	chunk := make([]byte, 1<<20)
	for i := 0; i <= maxSitemapBytes>>20; i++ {
		_, err := gz.Write(chunk)
		require.NoError(t, err)
	}
	require.NoError(t, gz.Close())

	network := newFakeNetwork()
	network.set("/sitemap.xml.gz", http.StatusOK, "application/gzip", buf.String())

	_, err := fetchSitemap(context.Background(), network, mustOrigin(t), "/sitemap.xml.gz")
	assert.ErrorIs(t, err, errSitemapTooLarge)
}
