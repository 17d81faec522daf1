// Package api serves the read endpoints: discovery queries, entity details,
// and operational health. Responses are always well-formed and never block
// on a live ledger read.
package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"registryScope/internal/cache"
	"registryScope/internal/chain"
	"registryScope/internal/indexer"
	"registryScope/internal/query"
	"registryScope/internal/warmup"
)

// Config tunes the HTTP server.
type Config struct {
	Addr string
	// CacheMaxAge is the public Cache-Control max-age on discovery
	// responses, in seconds.
	CacheMaxAge int
}

// Server holds the handler dependencies.
type Server struct {
	cfg      Config
	engine   *query.Engine
	cache    *cache.Store
	failover *chain.Failover
	indexer  *indexer.Indexer
	warmup   warmup.Report
	logger   *zap.Logger
}

// NewServer builds the Server and its dependencies wiring.
func NewServer(cfg Config, engine *query.Engine, store *cache.Store, failover *chain.Failover, ix *indexer.Indexer, report warmup.Report, logger *zap.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.CacheMaxAge <= 0 {
		cfg.CacheMaxAge = 30
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:      cfg,
		engine:   engine,
		cache:    store,
		failover: failover,
		indexer:  ix,
		warmup:   report,
		logger:   logger,
	}
}

// Router returns the configured mux router.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/v1/services", s.handleDiscover).Methods("GET")
	r.HandleFunc("/v1/services/{id}", s.handleDetail).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	return r
}

// HTTPServer returns an http.Server ready to listen.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}
