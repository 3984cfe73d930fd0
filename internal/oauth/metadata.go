package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/giantswarm/mcp-oncall/pkg/logging"
)

// metadataCacheTTL is the time-to-live for cached issuer metadata.
// After this duration, metadata will be re-fetched from the issuer.
const metadataCacheTTL = 30 * time.Minute

// metadataCacheEntry holds cached issuer metadata with its timestamp.
type metadataCacheEntry struct {
	metadata  *Metadata
	fetchedAt time.Time
}

// MetadataCache fetches and caches RFC 8414 authorization server metadata.
// Concurrent fetches for the same issuer are deduplicated via singleflight.
type MetadataCache struct {
	httpClient *http.Client

	mu    sync.RWMutex
	cache map[string]*metadataCacheEntry
	group singleflight.Group
}

// NewMetadataCache creates an empty metadata cache.
func NewMetadataCache() *MetadataCache {
	return &MetadataCache{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		cache:      make(map[string]*metadataCacheEntry),
	}
}

// Fetch returns the issuer's metadata, from cache when fresh.
func (mc *MetadataCache) Fetch(ctx context.Context, issuer string) (*Metadata, error) {
	mc.mu.RLock()
	if entry, ok := mc.cache[issuer]; ok {
		if time.Since(entry.fetchedAt) < metadataCacheTTL {
			mc.mu.RUnlock()
			return entry.metadata, nil
		}
		logging.Debug("OAuth", "Metadata cache expired for issuer=%s, refreshing", issuer)
	}
	mc.mu.RUnlock()

	result, err, _ := mc.group.Do(issuer, func() (interface{}, error) {
		// Double-check cache after acquiring the singleflight lock
		mc.mu.RLock()
		if entry, ok := mc.cache[issuer]; ok {
			if time.Since(entry.fetchedAt) < metadataCacheTTL {
				mc.mu.RUnlock()
				return entry.metadata, nil
			}
		}
		mc.mu.RUnlock()

		return mc.doFetch(ctx, issuer)
	})

	if err != nil {
		return nil, err
	}

	return result.(*Metadata), nil
}

// doFetch performs the actual HTTP fetch for issuer metadata, trying the
// OAuth well-known path first and OpenID Connect discovery as fallback.
func (mc *MetadataCache) doFetch(ctx context.Context, issuer string) (*Metadata, error) {
	wellKnownURL := strings.TrimSuffix(issuer, "/") + "/.well-known/oauth-authorization-server"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, nil)
	if err != nil {
		return nil, err
	}

	resp, err := mc.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		wellKnownURL = strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration"
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, wellKnownURL, nil)
		if err != nil {
			return nil, err
		}

		resp, err = mc.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("failed to fetch issuer metadata: status=%d", resp.StatusCode)
		}
	}

	var metadata Metadata
	if err := json.NewDecoder(resp.Body).Decode(&metadata); err != nil {
		return nil, fmt.Errorf("failed to parse issuer metadata: %w", err)
	}

	mc.mu.Lock()
	mc.cache[issuer] = &metadataCacheEntry{
		metadata:  &metadata,
		fetchedAt: time.Now(),
	}
	mc.mu.Unlock()

	logging.Debug("OAuth", "Fetched issuer metadata for issuer=%s (auth=%s, token=%s)",
		issuer, metadata.AuthorizationEndpoint, metadata.TokenEndpoint)

	return &metadata, nil
}
