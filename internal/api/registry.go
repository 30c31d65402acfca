package api

import (
	"github.com/spatialplot/server/internal/service"
)

// DatasetInfo is one entry of the dataset listing.
type DatasetInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	service.DatasetStatus
}

// DatasetRegistry maps dataset ids to their plot services.
type DatasetRegistry struct {
	services       map[string]*service.PlotService
	defaultDataset string
	datasetOrder   []string
	title          string
}

// NewDatasetRegistry creates an empty registry. Datasets are listed in order.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		services:       make(map[string]*service.PlotService),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// Register adds a plot service for a dataset.
func (r *DatasetRegistry) Register(datasetID string, svc *service.PlotService) {
	r.services[datasetID] = svc
}

// Get returns the plot service for a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) *service.PlotService {
	return r.services[datasetID]
}

// Resolve returns the id and service for datasetID; an empty id names the
// default dataset. The service is nil for unknown ids.
func (r *DatasetRegistry) Resolve(datasetID string) (string, *service.PlotService) {
	if datasetID == "" {
		datasetID = r.defaultDataset
	}
	return datasetID, r.services[datasetID]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "Spatial Plot Server"
}

// Datasets lists registered datasets with their load state.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		svc := r.services[id]
		if svc == nil {
			continue
		}
		infos = append(infos, DatasetInfo{
			ID:            id,
			Name:          id,
			DatasetStatus: svc.Status(),
		})
	}
	return infos
}
