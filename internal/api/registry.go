package api

import (
	"fmt"
	"time"

	"github.com/atlasmap-sc/cellview/internal/config"
	"github.com/atlasmap-sc/cellview/internal/data/cellsdb"
	"github.com/atlasmap-sc/cellview/internal/data/jsonfile"
	"github.com/atlasmap-sc/cellview/internal/data/remote"
	"github.com/atlasmap-sc/cellview/internal/data/zarr"
	"github.com/atlasmap-sc/cellview/internal/store"
)

// DatasetInfo contains information about a dataset for the API response.
type DatasetInfo struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Source string `json:"source"`
}

// DatasetRegistry holds the data source of every configured dataset.
type DatasetRegistry struct {
	sources        map[string]store.Source
	defaultDataset string
	datasetOrder   []string
	title          string
	closers        []func() error
}

// NewDatasetRegistry creates a new dataset registry.
func NewDatasetRegistry(defaultDataset string, order []string, title string) *DatasetRegistry {
	return &DatasetRegistry{
		sources:        make(map[string]store.Source),
		defaultDataset: defaultDataset,
		datasetOrder:   order,
		title:          title,
	}
}

// NewRegistryFromConfig opens a source for every dataset in cfg.
func NewRegistryFromConfig(cfg *config.Config) (*DatasetRegistry, error) {
	reg := NewDatasetRegistry(cfg.Data.DefaultDataset, cfg.Data.DatasetIDs(), cfg.Server.Title)
	for _, id := range cfg.Data.DatasetIDs() {
		src, closer, err := OpenSource(cfg.Data.Datasets[id])
		if err != nil {
			reg.Close()
			return nil, fmt.Errorf("dataset %q: %w", id, err)
		}
		reg.Register(id, src)
		if closer != nil {
			reg.closers = append(reg.closers, closer)
		}
	}
	return reg, nil
}

// OpenSource builds the data source described by ds. The returned closer, if
// any, releases resources held by the source.
func OpenSource(ds config.DatasetConfig) (store.Source, func() error, error) {
	switch ds.ResolvedKind() {
	case config.KindJSON:
		return jsonfile.NewSource(ds.Path), nil, nil
	case config.KindZarr:
		return zarr.NewSource(ds.Path), nil, nil
	case config.KindSQLite:
		db, err := cellsdb.NewStore(ds.Path)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	case config.KindHTTP:
		return remote.NewSource(ds.URL, time.Duration(ds.TimeoutSeconds)*time.Second), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown dataset kind %q", ds.Kind)
	}
}

// Register adds the source for a dataset. Concurrent fetches from sessions
// sharing a dataset are coalesced.
func (r *DatasetRegistry) Register(datasetID string, src store.Source) {
	if _, ok := r.sources[datasetID]; !ok && !contains(r.datasetOrder, datasetID) {
		r.datasetOrder = append(r.datasetOrder, datasetID)
	}
	r.sources[datasetID] = store.Shared(src)
}

// Get returns the source for a dataset, or nil if not found.
func (r *DatasetRegistry) Get(datasetID string) store.Source {
	return r.sources[datasetID]
}

// Default returns the default dataset's source.
func (r *DatasetRegistry) Default() store.Source {
	return r.sources[r.defaultDataset]
}

// DefaultDatasetID returns the default dataset ID.
func (r *DatasetRegistry) DefaultDatasetID() string {
	return r.defaultDataset
}

// DatasetIDs returns all dataset IDs in config order.
func (r *DatasetRegistry) DatasetIDs() []string {
	return r.datasetOrder
}

// Title returns the configured site title.
func (r *DatasetRegistry) Title() string {
	if r.title != "" {
		return r.title
	}
	return "cellview"
}

// Datasets returns dataset info for all registered datasets.
func (r *DatasetRegistry) Datasets() []DatasetInfo {
	infos := make([]DatasetInfo, 0, len(r.datasetOrder))
	for _, id := range r.datasetOrder {
		src, ok := r.sources[id]
		if !ok {
			continue
		}
		infos = append(infos, DatasetInfo{ID: id, Name: id, Source: src.Name()})
	}
	return infos
}

// Close releases sources that hold open resources.
func (r *DatasetRegistry) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c(); err != nil && first == nil {
			first = err
		}
	}
	r.closers = nil
	return first
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
