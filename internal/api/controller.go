// Package api serves the participation queries over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Marketen/participation-indexer/internal/application/domain"
	"github.com/Marketen/participation-indexer/internal/logger"
)

// ParticipationQuerier is implemented by services.Participation.
type ParticipationQuerier interface {
	RateForEpoch(ctx context.Context, epoch domain.Epoch) (float64, error)
	RateForValidator(ctx context.Context, index domain.ValidatorIndex) (float64, error)
}

type Controller struct {
	Participation ParticipationQuerier
	// Ping checks the backing store; nil means always healthy.
	Ping func(ctx context.Context) error
}

func NewController(participation ParticipationQuerier, ping func(ctx context.Context) error) *Controller {
	return &Controller{Participation: participation, Ping: ping}
}

// NewRouter returns a router with every route of the query surface.
func (c *Controller) NewRouter() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", c.HandleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	r.HandleFunc("/participation/epoch/{epoch}", c.HandleEpochRate).Methods("GET")
	r.HandleFunc("/participation/validator/{index}", c.HandleValidatorRate).Methods("GET")

	return r
}

type epochRateResponse struct {
	Epoch uint64  `json:"epoch"`
	Rate  float64 `json:"rate"`
}

type validatorRateResponse struct {
	Validator uint64  `json:"validator"`
	Rate      float64 `json:"rate"`
}

// HandleEpochRate returns the share of active validators that attested in an epoch.
// GET /participation/epoch/{epoch}
func (c *Controller) HandleEpochRate(w http.ResponseWriter, r *http.Request) {
	epoch, err := strconv.ParseUint(mux.Vars(r)["epoch"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid epoch")
		return
	}

	rate, err := c.Participation.RateForEpoch(r.Context(), domain.Epoch(epoch))
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, epochRateResponse{Epoch: epoch, Rate: rate})
}

// HandleValidatorRate returns the share of a validator's active epochs it attested in.
// GET /participation/validator/{index}
func (c *Controller) HandleValidatorRate(w http.ResponseWriter, r *http.Request) {
	index, err := strconv.ParseUint(mux.Vars(r)["index"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid validator index")
		return
	}

	rate, err := c.Participation.RateForValidator(r.Context(), domain.ValidatorIndex(index))
	if err != nil {
		writeQueryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, validatorRateResponse{Validator: index, Rate: rate})
}

func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if c.Ping != nil {
		if err := c.Ping(r.Context()); err != nil {
			logger.Warn("Health check failed: %v", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"status": "errored", "error": "store unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeQueryError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrDivision):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		logger.Error("Participation query failed: %v", err)
		writeError(w, http.StatusInternalServerError, "query failed")
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}
