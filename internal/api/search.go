package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pkgdepot/pkgdepot/internal/search"
	pkgerrors "github.com/pkgdepot/pkgdepot/pkg/errors"
	"github.com/pkgdepot/pkgdepot/pkg/logger"
	"github.com/pkgdepot/pkgdepot/pkg/metrics"
	"github.com/pkgdepot/pkgdepot/pkg/redis"
)

// SearchHandler serves ranked package search over the in-memory index, with
// a Redis result cache in front. Identical concurrent queries are collapsed
// through singleflight so a cache miss hits the index once.
type SearchHandler struct {
	index    *search.Index
	cache    *redis.Client
	cacheTTL time.Duration
	group    singleflight.Group
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewSearchHandler creates a SearchHandler. cache may be nil to disable
// caching.
func NewSearchHandler(index *search.Index, cache *redis.Client, cacheTTL time.Duration, m *metrics.Metrics) *SearchHandler {
	if cacheTTL <= 0 {
		cacheTTL = time.Minute
	}
	return &SearchHandler{
		index:    index,
		cache:    cache,
		cacheTTL: cacheTTL,
		metrics:  m,
		logger:   slog.Default().With("component", "search-api"),
	}
}

// ServeHTTP handles GET /v1/search.
func (h *SearchHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, pkgerrors.New(pkgerrors.ErrInvalidQuery, http.StatusMethodNotAllowed, "method not allowed"))
		return
	}
	req, err := parseSearchRequest(r)
	if err != nil {
		h.countQuery("rejected")
		writeError(w, err)
		return
	}

	start := time.Now()
	result, cached, err := h.search(r.Context(), req)
	if err != nil {
		if pkgerrors.HTTPStatusCode(err) < 500 {
			h.countQuery("rejected")
		}
		writeError(w, err)
		return
	}

	cacheStatus := "miss"
	if cached {
		cacheStatus = "hit"
	}
	if h.metrics != nil {
		h.metrics.SearchLatency.WithLabelValues(cacheStatus).Observe(time.Since(start).Seconds())
	}
	if result.TotalCount == 0 {
		h.countQuery("zero_result")
	} else {
		h.countQuery("hit")
	}

	writeJSON(w, http.StatusOK, result)
}

func (h *SearchHandler) countQuery(resultType string) {
	if h.metrics != nil {
		h.metrics.SearchQueriesTotal.WithLabelValues(resultType).Inc()
	}
}

// search consults the cache, then the index, caching fresh results. Cache
// failures degrade to uncached queries.
func (h *SearchHandler) search(ctx context.Context, req search.Request) (*search.Result, bool, error) {
	if h.cache == nil {
		result, err := h.index.Search(ctx, req)
		return result, false, err
	}

	key := cacheKey(req)
	if raw, err := h.cache.Get(ctx, key); err == nil {
		var result search.Result
		if err := json.Unmarshal([]byte(raw), &result); err == nil {
			if h.metrics != nil {
				h.metrics.CacheHitsTotal.Inc()
			}
			return &result, true, nil
		}
	} else if !redis.IsNilError(err) {
		logger.FromContext(ctx).Warn("search cache read failed", "error", err)
	}
	if h.metrics != nil {
		h.metrics.CacheMissesTotal.Inc()
	}

	v, err, _ := h.group.Do(key, func() (any, error) {
		result, err := h.index.Search(ctx, req)
		if err != nil {
			return nil, err
		}
		if encoded, err := json.Marshal(result); err == nil {
			if err := h.cache.Set(ctx, key, encoded, h.cacheTTL); err != nil {
				h.logger.Warn("search cache write failed", "error", err)
			}
		}
		return result, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*search.Result), false, nil
}

func cacheKey(req search.Request) string {
	return fmt.Sprintf("pkgdepot:search:%s|%s|%s|%d|%d",
		req.Query, strings.Join(req.Tags, ","), req.Order, req.Offset, req.Limit)
}

func parseSearchRequest(r *http.Request) (search.Request, error) {
	q := r.URL.Query()
	req := search.Request{
		Query: q.Get("q"),
	}
	if tags := q["tag"]; len(tags) > 0 {
		req.Tags = tags
	}
	order, err := search.ParseOrder(q.Get("order"))
	if err != nil {
		return req, pkgerrors.Newf(pkgerrors.ErrInvalidQuery, 400, "unknown order %q", q.Get("order"))
	}
	req.Order = order
	if v := q.Get("offset"); v != "" {
		offset, err := strconv.Atoi(v)
		if err != nil {
			return req, pkgerrors.Newf(pkgerrors.ErrInvalidQuery, 400, "offset %q is not a number", v)
		}
		req.Offset = offset
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return req, pkgerrors.Newf(pkgerrors.ErrInvalidQuery, 400, "limit %q is not a number", v)
		}
		req.Limit = limit
	}
	return req, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := pkgerrors.HTTPStatusCode(err)
	message := err.Error()
	if status >= 500 {
		message = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": message})
}
