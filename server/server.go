// Package server exposes the operator and marketplace HTTP surface.
package server

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"glowfund/events"
	"glowfund/ledger"
	"glowfund/models"
	"glowfund/pricing"
	"glowfund/retryqueue"
	"glowfund/sched"
)

// TokenDecimalsFor returns the native decimal precision for a rail.
func TokenDecimalsFor(t models.FractionType) uint {
	if t == models.TypeCrowdsale {
		return 18
	}
	return 6
}

// HealthSource reports the bus listener state for the liveness endpoint.
type HealthSource interface {
	Health() events.Health
}

// Config captures the dependencies required to construct the server.
type Config struct {
	Ledger  *ledger.Ledger
	Sweeper *sched.Sweeper
	Retry   *retryqueue.Service
	Events  HealthSource
}

// Server encapsulates dependencies for the HTTP API.
type Server struct {
	ledger  *ledger.Ledger
	sweeper *sched.Sweeper
	retry   *retryqueue.Service
	events  HealthSource

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	srv := &Server{
		ledger:  cfg.Ledger,
		sweeper: cfg.Sweeper,
		retry:   cfg.Retry,
		events:  cfg.Events,
	}
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", s.Healthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/ops", func(ops chi.Router) {
		ops.Post("/expire-fractions", s.ExpireFractions)
		ops.Post("/retry-failed-operations", s.RetryFailedOperations)
	})
	r.Post("/admin/failed-operations/{id}/retry", s.ManualRetry)

	r.Route("/fractions", func(fr chi.Router) {
		fr.Get("/available", s.AvailableFractions)
		fr.Get("/{id}/splits", s.FractionSplits)
		fr.Post("/", s.CreateFraction)
	})

	return r
}

type healthResponse struct {
	Status   string        `json:"status"`
	Listener events.Health `json:"listener"`
}

// Healthz reports liveness plus the bus listener snapshot.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.events != nil {
		resp.Listener = s.events.Health()
	}
	writeJSON(w, http.StatusOK, resp)
}

// ExpireFractions runs the expiration sweep on demand.
func (s *Server) ExpireFractions(w http.ResponseWriter, r *http.Request) {
	result, err := s.sweeper.ExpireDue(r.Context())
	if err != nil {
		http.Error(w, "expire sweep failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// RetryFailedOperations runs the retry sweep on demand.
func (s *Server) RetryFailedOperations(w http.ResponseWriter, r *http.Request) {
	result, err := s.retry.Sweep(r.Context())
	if err != nil {
		http.Error(w, "retry sweep failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ManualRetry replays a single failed operation, bypassing the retry ceiling.
func (s *Server) ManualRetry(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid operation id", http.StatusBadRequest)
		return
	}
	op, err := s.retry.RetryByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, retryqueue.ErrAlreadyResolved) {
			http.Error(w, "operation already resolved", http.StatusConflict)
			return
		}
		if strings.Contains(err.Error(), "not found") {
			http.Error(w, "operation not found", http.StatusNotFound)
			return
		}
		http.Error(w, "retry failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

type listingResponse struct {
	ID                  string              `json:"id"`
	ApplicationID       string              `json:"applicationId"`
	Type                models.FractionType `json:"type"`
	Token               string              `json:"token"`
	StepPrice           string              `json:"stepPrice"`
	TotalSteps          int64               `json:"totalSteps"`
	SplitsSold          int64               `json:"splitsSold"`
	SponsorSplitPercent int                 `json:"sponsorSplitPercent"`
	ExpirationAt        time.Time           `json:"expirationAt"`
}

// AvailableFractions lists the marketplace-visible committed listings.
func (s *Server) AvailableFractions(w http.ResponseWriter, r *http.Request) {
	fractions, err := s.ledger.AvailableListings(r.Context())
	if err != nil {
		http.Error(w, "listing query failed", http.StatusInternalServerError)
		return
	}
	listings := make([]listingResponse, 0, len(fractions))
	for _, f := range fractions {
		listings = append(listings, listingResponse{
			ID:                  f.ID,
			ApplicationID:       f.ApplicationID,
			Type:                f.Type,
			Token:               f.Token,
			StepPrice:           f.StepPrice,
			TotalSteps:          f.TotalSteps,
			SplitsSold:          f.SplitsSold,
			SponsorSplitPercent: f.SponsorSplitPercent,
			ExpirationAt:        f.ExpirationAt,
		})
	}
	writeJSON(w, http.StatusOK, listings)
}

// FractionSplits lists the recorded purchases for one fraction.
func (s *Server) FractionSplits(w http.ResponseWriter, r *http.Request) {
	fractionID := chi.URLParam(r, "id")
	if _, err := s.ledger.FindByID(r.Context(), fractionID); err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			http.Error(w, "fraction not found", http.StatusNotFound)
			return
		}
		http.Error(w, "fraction lookup failed", http.StatusInternalServerError)
		return
	}
	splits, err := s.ledger.SplitsFor(r.Context(), fractionID)
	if err != nil {
		http.Error(w, "split query failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, splits)
}

type createFractionRequest struct {
	ApplicationID       string              `json:"applicationId"`
	CreatedBy           string              `json:"createdBy"`
	Type                models.FractionType `json:"type"`
	SponsorSplitPercent int                 `json:"sponsorSplitPercent"`
	TotalSteps          int64               `json:"totalSteps"`
	// Either a precomputed step price or a deficit quote to price from.
	StepPrice      string `json:"stepPrice,omitempty"`
	DeficitUSD6    string `json:"deficitUsd6,omitempty"`
	TokenPriceUSD6 string `json:"tokenPriceUsd6,omitempty"`
}

// CreateFraction opens a new funding instrument. When the caller supplies a
// deficit quote instead of a step price, the price is derived with the
// rounding guarantees of the pricing package.
func (s *Server) CreateFraction(w http.ResponseWriter, r *http.Request) {
	var req createFractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	stepPrice := strings.TrimSpace(req.StepPrice)
	if stepPrice == "" {
		deficit, ok := new(big.Int).SetString(strings.TrimSpace(req.DeficitUSD6), 10)
		if !ok {
			http.Error(w, "stepPrice or deficitUsd6 is required", http.StatusBadRequest)
			return
		}
		tokenPrice, ok := new(big.Int).SetString(strings.TrimSpace(req.TokenPriceUSD6), 10)
		if !ok {
			http.Error(w, "tokenPriceUsd6 is required with deficitUsd6", http.StatusBadRequest)
			return
		}
		priced, err := pricing.StepPrice(deficit, tokenPrice, TokenDecimalsFor(req.Type), req.TotalSteps)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		stepPrice = priced.String()
	}

	fraction, err := s.ledger.Create(r.Context(), ledger.CreateParams{
		ApplicationID:       req.ApplicationID,
		CreatedBy:           req.CreatedBy,
		Type:                req.Type,
		StepPrice:           stepPrice,
		TotalSteps:          req.TotalSteps,
		SponsorSplitPercent: req.SponsorSplitPercent,
	})
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrDuplicateFill), errors.Is(err, ledger.ErrActiveFraction):
			http.Error(w, err.Error(), http.StatusConflict)
		case errors.Is(err, ledger.ErrInvalidSponsorSplit), errors.Is(err, ledger.ErrInvalidType):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			http.Error(w, "fraction creation failed", http.StatusInternalServerError)
		}
		return
	}
	writeJSON(w, http.StatusCreated, fraction)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
