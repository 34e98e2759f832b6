// Package api serves the indexer's read-only status surface over HTTP and answers client
// requests arriving on the messaging channel.
package api

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"github.com/nameop-indexer/internal/adapter"
	apperrors "github.com/nameop-indexer/internal/errors"
	"github.com/nameop-indexer/internal/job"
	"github.com/nameop-indexer/internal/logging"
	"github.com/nameop-indexer/internal/models"
	"github.com/nameop-indexer/internal/types"
	"github.com/nameop-indexer/internal/worker"
)

// Read-side interfaces for dependency injection and testing

// ScannerStatusSource reports the scanner's progress
type ScannerStatusSource interface {
	GetStatus() worker.ScannerStatus
}

// TipReader reports the highest tip seen
type TipReader interface {
	CurrentTip() (types.Tip, bool)
}

// ConnectionReporter reports the query node connection state
type ConnectionReporter interface {
	Status() adapter.ConnectionStatus
}

// CursorReader loads the persisted scan cursor
type CursorReader interface {
	Load(ctx context.Context) (*models.ScanCursor, error)
}

// PinStatsSource reports pin queue counters
type PinStatsSource interface {
	Stats() job.PinQueueStats
}

// DailyReader resolves published daily records
type DailyReader interface {
	Resolve(ctx context.Context, date string) (*models.DailyRecord, error)
	RecentDates(ctx context.Context, n int) ([]string, error)
}

// FailureLister lists content ids that could not be pinned
type FailureLister interface {
	List(ctx context.Context) (map[string]string, error)
}

// PinRecordReader lists stored pinning metadata
type PinRecordReader interface {
	List(ctx context.Context) ([]*models.PinningMetadata, error)
	ListByName(ctx context.Context, nameID string) ([]*models.PinningMetadata, error)
	ListExpired(ctx context.Context, now time.Time) ([]*models.PinningMetadata, error)
}

// HealthChecker is a dependency the health endpoint pings
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// StatusSources are the stores and components the status API projects
type StatusSources struct {
	Scanner  ScannerStatusSource
	Tips     TipReader
	Chain    ConnectionReporter
	Cursors  CursorReader
	Pins     PinStatsSource
	Daily    DailyReader
	Failures FailureLister
	Records  PinRecordReader
	Health   map[string]HealthChecker
	Metrics  http.Handler
}

// ServerConfig holds server configuration.
type ServerConfig struct {
	Host         string
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	RateLimitRPS int
}

// Server represents the HTTP status server.
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	sources    StatusSources
	config     *ServerConfig
	logger     *logging.Logger
	now        func() time.Time
}

// NewServer creates a new status server instance.
func NewServer(config *ServerConfig, sources StatusSources) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		sources: sources,
		config:  config,
		logger:  logging.Component("api"),
		now:     time.Now,
	}

	s.setupRouter()

	return s
}

// setupRouter configures the router with middleware and routes
func (s *Server) setupRouter() {
	s.router.Use(LoggingMiddleware)
	s.router.Use(RecoveryMiddleware)
	s.router.Use(CORSMiddleware)
	if s.config.RateLimitRPS > 0 {
		s.router.Use(RateLimitMiddleware(NewRateLimiter(s.config.RateLimitRPS, 2*s.config.RateLimitRPS)))
	}

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%s", s.config.Host, s.config.Port),
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}
}

// setupRoutes configures all API routes.
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.sources.Metrics != nil {
		s.router.Handle("/metrics", s.sources.Metrics).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/nameops/{date}/count", s.handleNameOpCount).Methods(http.MethodGet)
	api.HandleFunc("/pins/failed", s.handleFailedPins).Methods(http.MethodGet)
	api.HandleFunc("/pins/expired", s.handleExpiredPins).Methods(http.MethodGet)
	api.HandleFunc("/pins", s.handlePins).Methods(http.MethodGet)
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth pings every registered dependency.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	checks := make(map[string]string, len(s.sources.Health))
	for name, checker := range s.sources.Health {
		if err := checker.Ping(ctx); err != nil {
			status = "unhealthy"
			checks[name] = err.Error()
			continue
		}
		checks[name] = "ok"
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]interface{}{
		"status":  status,
		"service": "nameop-indexer",
		"checks":  checks,
	})
}

// StatusResponse is the body of GET /api/status
type StatusResponse struct {
	Scanner  *worker.ScannerStatus `json:"scanner,omitempty"`
	Cursor   *models.ScanCursor    `json:"cursor,omitempty"`
	Tip      *types.Tip            `json:"tip,omitempty"`
	Chain    string                `json:"chain,omitempty"`
	PinQueue *job.PinQueueStats    `json:"pinQueue,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var resp StatusResponse

	if s.sources.Scanner != nil {
		status := s.sources.Scanner.GetStatus()
		resp.Scanner = &status
	}
	if s.sources.Tips != nil {
		if tip, ok := s.sources.Tips.CurrentTip(); ok {
			resp.Tip = &tip
		}
	}
	if s.sources.Chain != nil {
		resp.Chain = string(s.sources.Chain.Status())
	}
	if s.sources.Pins != nil {
		stats := s.sources.Pins.Stats()
		resp.PinQueue = &stats
	}
	if s.sources.Cursors != nil {
		cursor, err := s.sources.Cursors.Load(r.Context())
		if err != nil {
			s.logger.WithError(err).Warn("Failed to load scan cursor for status")
			code, errCode, msg := mapError(err)
			respondError(w, code, errCode, msg, nil)
			return
		}
		resp.Cursor = cursor
	}

	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNameOpCount(w http.ResponseWriter, r *http.Request) {
	date := mux.Vars(r)["date"]
	if _, err := time.Parse(types.DateLayout, date); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "date must be YYYY-MM-DD", map[string]interface{}{
			"date": date,
		})
		return
	}

	count := 0
	record, err := s.sources.Daily.Resolve(r.Context(), date)
	switch {
	case err == nil:
		count = len(record.NameOps)
	case apperrors.IsNotFound(err):
	default:
		s.logger.WithField("date", date).WithError(err).Warn("Failed to resolve daily record")
		code, errCode, msg := mapError(err)
		respondError(w, code, errCode, msg, nil)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"date":  date,
		"count": count,
	})
}

// FailedPin is one entry of GET /api/pins/failed
type FailedPin struct {
	CID    string `json:"cid"`
	Reason string `json:"reason"`
}

func (s *Server) handleFailedPins(w http.ResponseWriter, r *http.Request) {
	failures, err := s.sources.Failures.List(r.Context())
	if err != nil {
		code, errCode, msg := mapError(err)
		respondError(w, code, errCode, msg, nil)
		return
	}

	list := make([]FailedPin, 0, len(failures))
	for cid, reason := range failures {
		list = append(list, FailedPin{CID: cid, Reason: reason})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CID < list[j].CID })

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count":    len(list),
		"failures": list,
	})
}

// PinRecord is one entry of the pin listings
type PinRecord struct {
	CID               string    `json:"cid"`
	NameID            string    `json:"nameId,omitempty"`
	FileName          string    `json:"fileName,omitempty"`
	Size              int64     `json:"size"`
	ExpirationDate    time.Time `json:"expirationDate"`
	RequirePayment    bool      `json:"requirePayment"`
	PaymentSufficient bool      `json:"paymentSufficient"`
	RemainPinned      bool      `json:"remainPinned"`
}

// handlePins lists pinning records, narrowed to one name id by ?name=
func (s *Server) handlePins(w http.ResponseWriter, r *http.Request) {
	var (
		records []*models.PinningMetadata
		err     error
	)
	if name := r.URL.Query().Get("name"); name != "" {
		records, err = s.sources.Records.ListByName(r.Context(), name)
	} else {
		records, err = s.sources.Records.List(r.Context())
	}
	s.respondPins(w, records, err)
}

// handleExpiredPins lists records past their expiration date; remainPinned tells an
// eviction sweep which of them are still entitled to retention
func (s *Server) handleExpiredPins(w http.ResponseWriter, r *http.Request) {
	records, err := s.sources.Records.ListExpired(r.Context(), s.now())
	s.respondPins(w, records, err)
}

func (s *Server) respondPins(w http.ResponseWriter, records []*models.PinningMetadata, err error) {
	if err != nil {
		s.logger.WithError(err).Warn("Failed to list pinning records")
		code, errCode, msg := mapError(err)
		respondError(w, code, errCode, msg, nil)
		return
	}

	now := s.now()
	list := make([]PinRecord, 0, len(records))
	for _, m := range records {
		list = append(list, PinRecord{
			CID:               m.CID,
			NameID:            m.NameID,
			FileName:          m.FileName,
			Size:              m.Size,
			ExpirationDate:    m.ExpirationDate,
			RequirePayment:    m.RequirePayment,
			PaymentSufficient: m.PaymentSufficient,
			RemainPinned:      m.RemainPinned(now),
		})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CID < list[j].CID })

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"count": len(list),
		"pins":  list,
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.httpServer.Addr).Info("Starting status server")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down status server")
	return s.httpServer.Shutdown(ctx)
}
