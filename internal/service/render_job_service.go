package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spatialplot/server/internal/jobstore"
	"github.com/spatialplot/server/internal/render"
	"github.com/spatialplot/server/internal/spatial"
)

// RenderJobService runs queued render jobs.
type RenderJobService struct {
	registry interface {
		Get(datasetID string) *PlotService
	}
}

// NewRenderJobService creates a new render job service.
func NewRenderJobService(registry interface{ Get(datasetID string) *PlotService }) *RenderJobService {
	return &RenderJobService{registry: registry}
}

// DecodeRequest parses a plot request body. Unknown fields are rejected.
func DecodeRequest(body []byte) (PlotRequest, error) {
	var req PlotRequest
	if len(bytes.TrimSpace(body)) == 0 {
		return req, nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		return PlotRequest{}, fmt.Errorf("%w: invalid plot request: %v", spatial.ErrInvalidOption, err)
	}
	return req, nil
}

// JobOutputPath returns where a job's figure is written when the submitter
// did not choose a path.
func JobOutputPath(jobID string, format render.Format) string {
	return filepath.Join("jobs", jobID+"."+string(format))
}

// JobSavePath returns the save path of a job figure. A path without an
// extension gets the format's; an extension naming another format is an error.
func JobSavePath(jobID, path string, format render.Format) (string, error) {
	if path == "" {
		return JobOutputPath(jobID, format), nil
	}
	ext := filepath.Ext(path)
	if ext == "" {
		return path + "." + string(format), nil
	}
	extFormat, err := render.ParseFormat(ext)
	if err != nil {
		return "", err
	}
	if extFormat != format {
		return "", fmt.Errorf("%w: path %q does not match format %s", spatial.ErrInvalidOption, path, format)
	}
	return path, nil
}

// ExecuteRenderJob renders the figure of a job and records the file written
// (called by JobManager worker).
func (s *RenderJobService) ExecuteRenderJob(ctx context.Context, store *jobstore.Store, jobID string) error {
	// Load job from store
	job, err := store.GetJob(jobID)
	if err != nil {
		return fmt.Errorf("failed to get job: %w", err)
	}
	if job == nil {
		return fmt.Errorf("job not found: %s", jobID)
	}

	svc := s.registry.Get(job.Params.DatasetID)
	if svc == nil {
		return fmt.Errorf("dataset not found: %s", job.Params.DatasetID)
	}

	format, err := render.ParseFormat(job.Params.Format)
	if err != nil {
		return err
	}
	req, err := DecodeRequest(job.Params.Request)
	if err != nil {
		return err
	}

	path, err := JobSavePath(job.ID, job.Params.Path, format)
	if err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	fig, err := svc.Plot(req)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	written, err := svc.renderer.Save(fig, path)
	if err != nil {
		return err
	}
	info, err := os.Stat(written)
	if err != nil {
		return fmt.Errorf("failed to stat figure: %w", err)
	}
	if err := store.UpdateJobOutput(jobID, written, info.Size()); err != nil {
		return fmt.Errorf("failed to record job output: %w", err)
	}
	return nil
}
