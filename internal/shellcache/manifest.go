package shellcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// assetManifest is the asset-manifest.json written by the frontend build.
type assetManifest struct {
	Files       map[string]string `json:"files"`
	Entrypoints []string          `json:"entrypoints"`
}

// precacheManifest preloads every asset listed in the build manifest into
// its classified partition. It never fails the caller.
func (m *CacheManager) precacheManifest(ctx context.Context) {
	urls, err := m.discoverAssets(ctx)
	if err != nil {
		m.log.Warn().Err(err).Str("manifest", m.manifestURL).Msg("asset manifest unavailable")
		return
	}
	report := m.Preload(ctx, urls, func(u *url.URL) ResourceClass {
		return m.classifier.Classify(u).Class
	})
	m.log.Info().
		Str("manifest", m.manifestURL).
		Int("assets", report.Requested).
		Int("failed", len(report.Failed)).
		Msg("asset manifest precached")
}

func (m *CacheManager) discoverAssets(ctx context.Context) ([]string, error) {
	u, err := m.resolve(m.manifestURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.network.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var doc assetManifest
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	return manifestURLs(doc), nil
}

// manifestURLs returns the entrypoints first, then the remaining files in
// name order, skipping source maps and duplicates.
func manifestURLs(doc assetManifest) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" || strings.HasSuffix(p, ".map") {
			return
		}
		if !strings.HasPrefix(p, "/") && !strings.Contains(p, "://") {
			p = "/" + p
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}

	for _, e := range doc.Entrypoints {
		add(e)
	}
	names := make([]string, 0, len(doc.Files))
	for name := range doc.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		add(doc.Files[name])
	}
	return out
}
