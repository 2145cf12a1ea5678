package discovery

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dshills/contribrank/pkg/types"
)

// cacheEntry represents a cached search response with expiration time
type cacheEntry struct {
	response  *SearchResponse
	version   uint64
	expiresAt time.Time
}

// responseCache holds search responses keyed by request. Entries are only
// served for the index version they were computed against.
type responseCache struct {
	entries *lru.Cache[[32]byte, *cacheEntry]
	ttl     time.Duration // zero keeps entries until evicted or purged
	now     func() time.Time
}

func newResponseCache(size int, ttl time.Duration, now func() time.Time) *responseCache {
	entries, err := lru.New[[32]byte, *cacheEntry](size)
	if err != nil {
		// This should never happen with valid size parameter
		panic(fmt.Sprintf("failed to create LRU cache: %v", err))
	}
	return &responseCache{entries: entries, ttl: ttl, now: now}
}

func (c *responseCache) get(key [32]byte, version uint64) (*SearchResponse, bool) {
	entry, ok := c.entries.Get(key)
	if !ok {
		return nil, false
	}
	if entry.version != version || (c.ttl > 0 && c.now().After(entry.expiresAt)) {
		c.entries.Remove(key)
		return nil, false
	}
	return copyResponse(entry.response), true
}

func (c *responseCache) put(key [32]byte, version uint64, resp *SearchResponse) {
	c.entries.Add(key, &cacheEntry{
		response:  copyResponse(resp),
		version:   version,
		expiresAt: c.now().Add(c.ttl),
	})
}

func (c *responseCache) purge() { c.entries.Purge() }

func (c *responseCache) len() int { return c.entries.Len() }

// copyResponse creates a deep copy of a SearchResponse
func copyResponse(src *SearchResponse) *SearchResponse {
	dst := *src
	dst.Results = make([]types.ScoredResult, len(src.Results))
	for i, r := range src.Results {
		r.Reasons = slices.Clone(r.Reasons)
		dst.Results[i] = r
	}
	return &dst
}

// requestKey computes a unique hash for a search request. Filter lists are
// order-insensitive.
func requestKey(req SearchRequest) [32]byte {
	var data strings.Builder
	data.WriteString(req.Text)
	data.WriteString("|")
	var buf [4]byte
	for _, v := range req.Vector {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		data.Write(buf[:])
	}
	fmt.Fprintf(&data, "|%d|%d|%t", req.Limit, req.Filters.MinRepoStars, req.Filters.ExcludeArchived)

	writeSorted := func(items []string) {
		sorted := slices.Clone(items)
		slices.Sort(sorted)
		data.WriteString("|")
		data.WriteString(strings.Join(sorted, ","))
	}
	writeSorted(stringsOf(req.Filters.Statuses))
	writeSorted(stringsOf(req.Filters.Types))
	writeSorted(stringsOf(req.Filters.Difficulties))
	writeSorted(lowered(req.Filters.Languages))

	return sha256.Sum256([]byte(data.String()))
}

func stringsOf[T ~string](items []T) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = string(it)
	}
	return out
}

func lowered(items []string) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = strings.ToLower(it)
	}
	return out
}
