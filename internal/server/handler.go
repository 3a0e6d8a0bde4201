package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/ahmethakanbesel/market-ingest/internal/apperror"
	"github.com/ahmethakanbesel/market-ingest/internal/checkpoint"
	"github.com/ahmethakanbesel/market-ingest/internal/job"
	"github.com/ahmethakanbesel/market-ingest/internal/market"
	"github.com/ahmethakanbesel/market-ingest/internal/obs"
	"github.com/ahmethakanbesel/market-ingest/internal/repository/event"
)

// Canceller stops jobs, whether or not they are currently executing.
type Canceller interface {
	Cancel(ctx context.Context, id job.ID) (*job.Job, error)
}

type EventLister interface {
	ListByJob(ctx context.Context, id job.ID) ([]event.Record, error)
}

type BarLister interface {
	List(ctx context.Context, symbol market.Symbol, rng market.TimeRange) ([]market.Bar, error)
}

// Deps are the services behind the API. Bars is optional.
type Deps struct {
	Jobs        *job.Service
	Canceller   Canceller
	Events      EventLister
	Checkpoints checkpoint.Store
	Bars        BarLister
	Metrics     *obs.Metrics
}

type handler struct {
	Deps
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handler) createJob(w http.ResponseWriter, r *http.Request) {
	var req job.CreateJobRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	j, err := h.Jobs.Create(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

func (h *handler) getJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.Jobs.Get(r.Context(), job.GetJobRequest{ID: r.PathValue("id")})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *handler) listJobs(w http.ResponseWriter, r *http.Request) {
	req := job.ListJobsRequest{State: r.URL.Query().Get("state")}

	jobs, err := h.Jobs.List(r.Context(), req)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (h *handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := job.ParseID(r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}

	j, err := h.Canceller.Cancel(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, j)
}

func (h *handler) listEvents(w http.ResponseWriter, r *http.Request) {
	id, err := job.ParseID(r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	if _, err := h.Jobs.Get(r.Context(), job.GetJobRequest{ID: string(id)}); err != nil {
		writeAppError(w, err)
		return
	}

	events, err := h.Events.ListByJob(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (h *handler) getCheckpoint(w http.ResponseWriter, r *http.Request) {
	sym, err := market.NewSymbol(r.PathValue("symbol"))
	if err != nil {
		writeAppError(w, err)
		return
	}

	cp, err := h.Checkpoints.Get(r.Context(), sym)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if cp == nil {
		writeError(w, http.StatusNotFound, "no checkpoint for "+sym.String())
		return
	}
	writeJSON(w, http.StatusOK, cp)
}

func (h *handler) listBars(w http.ResponseWriter, r *http.Request) {
	sym, err := market.NewSymbol(r.PathValue("symbol"))
	if err != nil {
		writeAppError(w, err)
		return
	}

	start, err := time.Parse(time.RFC3339, r.URL.Query().Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid start, expected RFC 3339")
		return
	}
	end, err := time.Parse(time.RFC3339, r.URL.Query().Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end, expected RFC 3339")
		return
	}
	rng, err := market.NewTimeRange(start, end)
	if err != nil {
		writeAppError(w, err)
		return
	}

	bars, err := h.Bars.List(r.Context(), sym, rng)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, bars)
}

func (h *handler) metrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.Metrics.Snapshot())
}

func writeAppError(w http.ResponseWriter, err error) {
	ae := apperror.From(err)
	writeError(w, ae.HTTPStatus(), ae.Message())
}
