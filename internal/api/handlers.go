package api

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"registryScope/internal/cache"
	"registryScope/internal/model"
	"registryScope/internal/query"
)

// handleDiscover answers the paginated discovery query. Out-of-range limit
// and offset are clamped by the engine; only malformed values are rejected.
func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	params, err := parseDiscoverParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.engine.Discover(r.Context(), params)
	if err != nil {
		s.logger.Error("discovery query failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	items := make([]Item, 0, len(result.Items))
	for _, rec := range result.Items {
		items = append(items, itemFromRecord(rec))
	}

	w.Header().Set("Cache-Control", fmt.Sprintf("public, max-age=%d", s.cfg.CacheMaxAge))
	w.Header().Set("X-Query-Time-Ms", strconv.FormatInt(result.QueryTimeMs, 10))
	writeJSON(w, http.StatusOK, DiscoverResponse{
		Services:    items,
		Total:       result.Total,
		Page:        result.Page,
		PerPage:     result.PerPage,
		QueryTimeMs: result.QueryTimeMs,
	})
}

// handleDetail serves one cached entity. The id is validated before any
// cache access; a cache miss means the entity is unknown here.
func (s *Server) handleDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if !model.ValidServiceID(id) {
		writeError(w, http.StatusBadRequest, "invalid service id")
		return
	}

	record, err := s.engine.Detail(r.Context(), id)
	if errors.Is(err, cache.ErrMiss) {
		w.Header().Set("X-Cache", "MISS")
		writeError(w, http.StatusNotFound, "service not found")
		return
	}
	if err != nil {
		s.logger.Error("detail lookup failed", zap.String("service_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	w.Header().Set("X-Cache", "HIT")
	writeJSON(w, http.StatusOK, itemFromRecord(*record))
}

// handleHealth aggregates cache connectivity, endpoint health, indexer
// progress, and the warmup report for external orchestration.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	cacheOK := true
	if err := s.cache.Ping(ctx); err != nil {
		cacheOK = false
	}

	endpoints := s.failover.HealthSnapshot()
	healthy := 0
	for _, ep := range endpoints {
		if ep.Healthy {
			healthy++
		}
	}

	body := map[string]any{
		"cache": map[string]any{"connected": cacheOK},
		"endpoints": map[string]any{
			"total":   len(endpoints),
			"healthy": healthy,
			"detail":  endpoints,
		},
		"indexer": s.indexer.Status(),
		"warmup": map[string]any{
			"completed":   s.warmup.Completed,
			"success":     s.warmup.Success,
			"duration_ms": s.warmup.Duration.Milliseconds(),
			"error":       s.warmup.Error,
		},
	}

	status := http.StatusOK
	if !cacheOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}

func parseDiscoverParams(r *http.Request) (query.Params, error) {
	qs := r.URL.Query()
	params := query.Params{
		Capability: qs.Get("capability"),
		Tag:        qs.Get("tag"),
		SortBy:     qs.Get("sortBy"),
		SortOrder:  qs.Get("sortOrder"),
	}

	if v := qs.Get("minScore"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return query.Params{}, fmt.Errorf("invalid minScore")
		}
		if n < 0 {
			n = 0
		}
		if n > 100 {
			n = 100
		}
		params.MinScore = n
	}

	if v := qs.Get("minStake"); v != "" {
		stake, ok := new(big.Int).SetString(v, 10)
		if !ok || stake.Sign() < 0 {
			return query.Params{}, fmt.Errorf("invalid minStake")
		}
		params.MinStake = stake
	}

	if v := qs.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return query.Params{}, fmt.Errorf("invalid limit")
		}
		params.Limit = n
	}

	if v := qs.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return query.Params{}, fmt.Errorf("invalid offset")
		}
		params.Offset = n
	}

	return params, nil
}
