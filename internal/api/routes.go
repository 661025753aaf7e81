package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/cellcensus/geneformer/internal/dataset"
	"github.com/cellcensus/geneformer/internal/geneformer"
	"github.com/cellcensus/geneformer/internal/jobstore"
)

// maxSyncCells caps the synchronous tokenize endpoint; larger cell sets
// go through the job queue.
const maxSyncCells = 1000

// syncTimeout bounds a synchronous tokenization request.
const syncTimeout = 60 * time.Second

// RouterConfig contains router configuration.
type RouterConfig struct {
	Service     *dataset.Service
	JobManager  *JobManager
	CORSOrigins []string
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/vocab", vocabHandler(cfg.Service))
		r.Post("/tokenize", tokenizeHandler(cfg.Service))

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", jobSubmitHandler(cfg.JobManager))
			r.Get("/", jobListHandler(cfg.JobManager))
			r.Get("/{job_id}", jobStatusHandler(cfg.JobManager))
			r.Get("/{job_id}/output", jobOutputHandler(cfg.JobManager))
			r.Post("/{job_id}/cancel", jobCancelHandler(cfg.JobManager))
			r.Delete("/{job_id}", jobDeleteHandler(cfg.JobManager))
		})
	})

	return r
}

func vocabHandler(svc *dataset.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		v := svc.Vocab()
		resp := map[string]interface{}{
			"num_genes":      v.NumGenes(),
			"special_tokens": v.SpecialTokens,
		}
		if v.SpecialTokens {
			resp["cls_token"] = v.ClsToken
			resp["sep_token"] = v.SepToken
		}
		json.NewEncoder(w).Encode(resp)
	}
}

// tokenizeRequest is the body of POST /api/v1/tokenize.
type tokenizeRequest struct {
	Cells      []int64  `json:"cells"`
	ObsColumns []string `json:"obs_columns"`
}

// tokenizedCell is one row of the synchronous tokenize response.
type tokenizedCell struct {
	SomaJoinID int64             `json:"soma_joinid"`
	InputIDs   []int64           `json:"input_ids"`
	Length     int               `json:"length"`
	Obs        map[string]string `json:"obs,omitempty"`
}

func tokenizeHandler(svc *dataset.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tokenizeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Cells) == 0 {
			http.Error(w, "cells is required", http.StatusBadRequest)
			return
		}
		if len(req.Cells) > maxSyncCells {
			http.Error(w, "too many cells for synchronous tokenization; submit a job instead", http.StatusBadRequest)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), syncTimeout)
		defer cancel()

		records, stats, err := svc.Tokenize(ctx, req.Cells, req.ObsColumns)
		if err != nil {
			if errors.Is(err, geneformer.ErrShapeMismatch) {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		cells := make([]tokenizedCell, 0, len(records))
		for _, rec := range records {
			cells = append(cells, tokenizedCell{
				SomaJoinID: rec.SomaJoinID,
				InputIDs:   rec.InputIDs,
				Length:     rec.Length,
				Obs:        rec.Obs,
			})
		}

		json.NewEncoder(w).Encode(map[string]interface{}{
			"cells":     cells,
			"n_cells":   stats.Cells,
			"n_skipped": stats.Skipped,
		})
	}
}

// jobSubmitRequest is the body of POST /api/v1/jobs.
type jobSubmitRequest struct {
	Cells        []int64  `json:"cells"`
	FilterColumn string   `json:"filter_column"`
	FilterValues []string `json:"filter_values"`
	ObsColumns   []string `json:"obs_columns"`
}

func jobSubmitHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req jobSubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.FilterColumn != "" && len(req.FilterValues) == 0 {
			http.Error(w, "filter_values is required when filter_column is set", http.StatusBadRequest)
			return
		}

		job, err := jm.Submit(jobstore.JobParams{
			Cells:        req.Cells,
			FilterColumn: req.FilterColumn,
			FilterValues: req.FilterValues,
			ObsColumns:   req.ObsColumns,
		})
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func jobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}

		resp := map[string]interface{}{
			"job_id":     job.ID,
			"status":     job.Status,
			"params":     job.Params,
			"progress":   job.Progress,
			"created_at": job.CreatedAt,
		}
		if job.StartedAt != nil {
			resp["started_at"] = job.StartedAt
		}
		if job.FinishedAt != nil {
			resp["finished_at"] = job.FinishedAt
		}
		if job.Status == jobstore.JobStatusCompleted {
			resp["n_cells"] = job.NCells
			resp["n_skipped"] = job.NSkipped
			resp["output_path"] = job.OutputPath
		}
		if job.Error != "" {
			resp["error"] = job.Error
		}
		json.NewEncoder(w).Encode(resp)
	}
}

func jobListHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobs := jm.List()
		list := make([]map[string]interface{}, 0, len(jobs))
		for _, job := range jobs {
			list = append(list, map[string]interface{}{
				"job_id":     job.ID,
				"status":     job.Status,
				"created_at": job.CreatedAt,
			})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"jobs": list})
	}
}

// jobOutputHandler streams a completed job's output file.
func jobOutputHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != jobstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}
		if job.OutputPath == "" {
			http.Error(w, "job has no output", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/zstd")
		w.Header().Set("Content-Disposition", "attachment; filename=\""+jobID+".ndjson.zst\"")
		http.ServeFile(w, r, job.OutputPath)
	}
}

func jobCancelHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		if !jm.Cancel(jobID) {
			http.Error(w, "job not found or not cancellable", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": jobID,
			"status": jobstore.JobStatusCancelled,
		})
	}
}

func jobDeleteHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		jobID := chi.URLParam(r, "job_id")
		job := jm.Get(jobID)
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status == jobstore.JobStatusRunning {
			http.Error(w, "cannot delete a running job; cancel it first", http.StatusConflict)
			return
		}
		if err := jm.Delete(jobID); err != nil {
			http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
