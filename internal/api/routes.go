// Package api provides HTTP handlers for the spatial plot server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/spatialplot/server/internal/data/annot"
	"github.com/spatialplot/server/internal/data/soma"
	"github.com/spatialplot/server/internal/cache"
	"github.com/spatialplot/server/internal/jobstore"
	"github.com/spatialplot/server/internal/render"
	"github.com/spatialplot/server/internal/service"
	"github.com/spatialplot/server/internal/spatial"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Registry    *DatasetRegistry
	CORSOrigins []string
	JobManager  *JobManager
	Cache       *cache.Manager
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
		ExposedHeaders:   []string{"Link", "X-Cache"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Global datasets endpoint (not dataset-scoped)
	r.Get("/api/datasets", datasetsHandler(cfg.Registry))
	r.Get("/api/cache/stats", cacheStatsHandler(cfg.Cache))

	// Render job endpoints (not dataset-scoped; the dataset is part of the job)
	r.Route("/api/render/jobs", func(r chi.Router) {
		r.Post("/", renderJobSubmitHandler(cfg.JobManager, cfg.Registry))
		r.Get("/{job_id}", renderJobStatusHandler(cfg.JobManager))
		r.Get("/{job_id}/result", renderJobResultHandler(cfg.JobManager))
		r.Delete("/{job_id}", renderJobCancelHandler(cfg.JobManager))
	})

	// Dataset-scoped routes: /d/{dataset}/...
	r.Route("/d/{dataset}", func(r chi.Router) {
		r.Use(datasetMiddleware(cfg.Registry))

		r.Get("/spatial/scatter.{format}", scatterHandler)
		r.Post("/spatial/scatter.{format}", scatterHandler)

		r.Route("/api", func(r chi.Router) {
			r.Get("/metadata", metadataHandler)
			r.Get("/libraries", librariesHandler)
			r.Get("/obs/{column}/legend", legendHandler)
		})
	})

	return r
}

// Context key for dataset service
type ctxKey string

const datasetServiceKey ctxKey = "datasetService"

// datasetMiddleware resolves the dataset from URL and injects the plot service into context.
func datasetMiddleware(registry *DatasetRegistry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			datasetID := chi.URLParam(r, "dataset")
			svc := registry.Get(datasetID)
			if svc == nil {
				http.Error(w, "dataset not found: "+datasetID, http.StatusNotFound)
				return
			}
			ctx := context.WithValue(r.Context(), datasetServiceKey, svc)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func getDatasetService(r *http.Request) *service.PlotService {
	if svc, ok := r.Context().Value(datasetServiceKey).(*service.PlotService); ok {
		return svc
	}
	return nil
}

// errorStatus maps service errors to HTTP status codes. missing is the status
// for lookups of keys that do not exist.
func errorStatus(err error, missing int) int {
	switch {
	case errors.Is(err, spatial.ErrInvalidOption),
		errors.Is(err, render.ErrUnsupportedFormat),
		errors.Is(err, render.ErrFigureTooLarge):
		return http.StatusBadRequest
	case errors.Is(err, annot.ErrKeyNotFound):
		return missing
	case errors.Is(err, soma.ErrUnsupported):
		return http.StatusNotImplemented
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// datasetsHandler returns the list of available datasets.
func datasetsHandler(registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"default":  registry.DefaultDatasetID(),
			"datasets": registry.Datasets(),
			"title":    registry.Title(),
		})
	}
}

// cacheStatsHandler reports figure and query cache usage.
func cacheStatsHandler(cm *cache.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cm == nil {
			http.Error(w, "cache not configured", http.StatusNotImplemented)
			return
		}
		writeJSON(w, http.StatusOK, cm.Stats())
	}
}

// scatterHandler renders a spatial scatter figure. Options come from the
// query string (GET) or a JSON body (POST).
func scatterHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}

	format, err := render.ParseFormat(chi.URLParam(r, "format"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	req, _, err := readPlotRequest(r)
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err, http.StatusBadRequest))
		return
	}

	data, hit, err := svc.Render(req, format)
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err, http.StatusBadRequest))
		return
	}

	w.Header().Set("Content-Type", format.ContentType())
	if hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	if r.Method == http.MethodGet {
		w.Header().Set("Cache-Control", "public, max-age=3600")
	}
	w.Write(data)
}

func metadataHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	data, err := svc.MetadataJSON()
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err, http.StatusNotFound))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func librariesHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	spatialKey := strings.TrimSpace(r.URL.Query().Get("spatial_key"))
	libs, err := svc.Libraries(spatialKey)
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err, http.StatusNotFound))
		return
	}
	writeJSON(w, http.StatusOK, libs)
}

func legendHandler(w http.ResponseWriter, r *http.Request) {
	svc := getDatasetService(r)
	if svc == nil {
		http.Error(w, "dataset service not found", http.StatusInternalServerError)
		return
	}
	legend, err := svc.CategoryLegend(chi.URLParam(r, "column"))
	if err != nil {
		http.Error(w, err.Error(), errorStatus(err, http.StatusNotFound))
		return
	}
	writeJSON(w, http.StatusOK, legend)
}

type renderJobSubmitRequest struct {
	DatasetID string          `json:"dataset_id"`
	Format    string          `json:"format"`
	Path      string          `json:"path"`
	Request   json.RawMessage `json:"request"`
}

func renderJobSubmitHandler(jm *JobManager, registry *DatasetRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		var req renderJobSubmitRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxPlotBodyBytes)).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}

		var svc *service.PlotService
		req.DatasetID, svc = registry.Resolve(req.DatasetID)
		if svc == nil {
			http.Error(w, "dataset not found: "+req.DatasetID, http.StatusNotFound)
			return
		}

		// Apply defaults; a path extension names the format when none is given
		if req.Format == "" {
			req.Format = string(render.FormatPNG)
			if ext := filepath.Ext(req.Path); ext != "" {
				req.Format = ext
			}
		}
		format, err := render.ParseFormat(req.Format)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.Path != "" {
			clean := filepath.Clean(req.Path)
			if filepath.IsAbs(clean) || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
				http.Error(w, "path must be relative to the figure directory", http.StatusBadRequest)
				return
			}
			if _, err := service.JobSavePath("", req.Path, format); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		// Validate the plot request up front so bad jobs fail at submission
		if _, err := service.DecodeRequest(req.Request); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		job, err := jm.Submit(jobstore.JobParams{
			DatasetID: req.DatasetID,
			Format:    string(format),
			Path:      req.Path,
			Request:   req.Request,
		})
		if err != nil {
			http.Error(w, "failed to submit job: "+err.Error(), http.StatusInternalServerError)
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"job_id": job.ID,
			"status": job.Status,
		})
	}
}

func renderJobStatusHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jm.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func renderJobResultHandler(jm *JobManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if jm == nil {
			http.Error(w, "job manager not configured", http.StatusNotImplemented)
			return
		}

		job := jm.Get(chi.URLParam(r, "job_id"))
		if job == nil {
			http.Error(w, "job not found", http.StatusNotFound)
			return
		}
		if job.Status != jobstore.JobStatusCompleted {
			http.Error(w, "job not completed (status: "+string(job.Status)+")", http.StatusBadRequest)
			return
		}

		data, err := os.ReadFile(job.OutputPath)
		if err != nil {
			http.Error(w, "job output unavailable: "+err.Error(), http.StatusGone)
			return
		}
		format, err := render.ParseFormat(filepath.Ext(job.OutputPath))
		if err != nil {
			format = render.Format(job.Params.Format)
		}
		w.Header().Set("Content-Type", format.ContentType())
		w.Header().Set("Content-Disposition", "inline; filename="+filepath.Base(job.OutputPath))
		w.Write(data)
	}
}

func renderJobCancelHandler(jm *JobManager) http.HandlerFunc {
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

		// Finished jobs are deleted along with their output
		if job.Status.Terminal() {
			if err := jm.Delete(jobID); err != nil {
				http.Error(w, "failed to delete job: "+err.Error(), http.StatusInternalServerError)
				return
			}
			writeJSON(w, http.StatusOK, map[string]interface{}{
				"job_id":  jobID,
				"deleted": true,
			})
			return
		}

		writeJSON(w, http.StatusOK, map[string]interface{}{
			"job_id":    jobID,
			"cancelled": jm.Cancel(jobID),
		})
	}
}
