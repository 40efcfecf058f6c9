// Package service derives render-ready views from dispatcher state.
package service

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/atlasmap-sc/cellview/internal/cache"
	"github.com/atlasmap-sc/cellview/internal/dispatch"
	"github.com/atlasmap-sc/cellview/internal/expression"
	"github.com/atlasmap-sc/cellview/internal/filter"
	"github.com/atlasmap-sc/cellview/internal/render"
	"github.com/atlasmap-sc/cellview/internal/selection"
	"github.com/atlasmap-sc/cellview/internal/shard"
	"github.com/atlasmap-sc/cellview/internal/store"
	"github.com/atlasmap-sc/cellview/pkg/colormap"
)

var (
	// ErrNotReady is returned when no dataset has been loaded successfully.
	ErrNotReady = errors.New("dataset not ready")
	// ErrUnknownCategory is returned for a categorical column the dataset
	// does not have.
	ErrUnknownCategory = errors.New("category not found")
)

// ViewServiceConfig contains view service configuration.
type ViewServiceConfig struct {
	Cache             *cache.Manager
	Renderer          *render.ScatterRenderer
	Shard             shard.Options
	ProjectionEntries int
}

type projectionKey struct {
	generation uint64
	gene       int
}

type maskKey struct {
	generation uint64
	filters    string
}

// ViewService computes projections, masks and points for a state, memoizing
// the derived values by dataset generation and selection.
type ViewService struct {
	cache    *cache.Manager
	renderer *render.ScatterRenderer
	shard    shard.Options

	projections *lru.Cache[projectionKey, expression.Projection]
	masks       *lru.Cache[maskKey, filter.Mask]
	group       singleflight.Group
}

// NewViewService creates a new view service. Cache and Renderer may be nil.
func NewViewService(cfg ViewServiceConfig) (*ViewService, error) {
	if cfg.ProjectionEntries <= 0 {
		cfg.ProjectionEntries = 32
	}
	if cfg.Renderer == nil {
		cfg.Renderer = render.NewScatterRenderer(render.Config{})
	}

	projections, err := lru.New[projectionKey, expression.Projection](cfg.ProjectionEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create projection cache: %w", err)
	}
	masks, err := lru.New[maskKey, filter.Mask](cfg.ProjectionEntries)
	if err != nil {
		return nil, fmt.Errorf("failed to create mask cache: %w", err)
	}

	return &ViewService{
		cache:       cfg.Cache,
		renderer:    cfg.Renderer,
		shard:       cfg.Shard,
		projections: projections,
		masks:       masks,
	}, nil
}

// Renderer returns the scatter renderer.
func (s *ViewService) Renderer() *render.ScatterRenderer {
	return s.renderer
}

// View is the derived output for one state.
type View struct {
	Dataset    *store.Dataset
	Selection  selection.Selection
	Projection expression.Projection
	Mask       filter.Mask
	Points     []render.Point
}

// Ready returns the dataset of st, or ErrNotReady unless st is Ready.
func Ready(st dispatch.State) (*store.Dataset, error) {
	if st.Lifecycle != dispatch.Ready || st.Dataset == nil {
		return nil, fmt.Errorf("%w (state %s)", ErrNotReady, st.Lifecycle)
	}
	return st.Dataset, nil
}

// projection returns the projection for the selected gene. An unresolved
// gene projects to the empty projection.
func (s *ViewService) projection(ds *store.Dataset, sel selection.Selection) expression.Projection {
	if !sel.HasGene() {
		return expression.Empty()
	}
	key := projectionKey{generation: ds.Generation(), gene: sel.GeneIndex}
	if p, ok := s.projections.Get(key); ok {
		return p
	}

	v, _, _ := s.group.Do(fmt.Sprintf("proj:%d:%d", key.generation, key.gene), func() (interface{}, error) {
		p, err := expression.Project(ds, sel.GeneIndex, s.shard)
		if err != nil {
			log.Printf("[ViewService] %v", err)
			return p, nil
		}
		s.projections.Add(key, p)
		return p, nil
	})
	return v.(expression.Projection)
}

func (s *ViewService) mask(ds *store.Dataset, sel selection.Selection) filter.Mask {
	key := maskKey{generation: ds.Generation(), filters: selection.Serialize(selection.Shareable{Filters: sel.Filters})}
	if m, ok := s.masks.Get(key); ok {
		return m
	}
	m := filter.Evaluate(ds.Cells(), sel.Filters, s.shard)
	s.masks.Add(key, m)
	return m
}

// View computes the points for st. It fails with ErrNotReady unless the
// dispatcher is Ready.
func (s *ViewService) View(st dispatch.State) (*View, error) {
	ds, err := Ready(st)
	if err != nil {
		return nil, err
	}
	proj := s.projection(ds, st.Selection)
	mask := s.mask(ds, st.Selection)
	return &View{
		Dataset:    ds,
		Selection:  st.Selection,
		Projection: proj,
		Mask:       mask,
		Points:     render.Points(ds, proj, mask, s.shard),
	}, nil
}

// PointsJSON returns the encoded point sequence for st.
func (s *ViewService) PointsJSON(st dispatch.State) ([]byte, error) {
	ds, err := Ready(st)
	if err != nil {
		return nil, err
	}
	key := cache.QueryKey("points", ds.Generation(), st.Selection.Path)
	if s.cache != nil {
		if data, ok := s.cache.GetQuery(key); ok {
			return data, nil
		}
	}

	view, err := s.View(st)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(struct {
		MaxValue float64        `json:"max_value"`
		Points   []render.Point `json:"points"`
	}{view.Projection.MaxValue, view.Points})
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.SetQuery(key, data)
	}
	return data, nil
}

// CategoryCount tallies one categorical value.
type CategoryCount struct {
	Value   string `json:"value"`
	Color   string `json:"color"`
	Index   int    `json:"index"`
	Total   int    `json:"total"`
	Visible int    `json:"visible"`
}

// Summary describes the derived output for a state.
type Summary struct {
	Total      int                        `json:"total"`
	Visible    int                        `json:"visible"`
	Skipped    int                        `json:"skipped"`
	Gene       string                     `json:"gene,omitempty"`
	GeneIndex  int                        `json:"gene_index"`
	MaxValue   float64                    `json:"max_value"`
	Categories map[string][]CategoryCount `json:"categories"`
}

// Summary returns counts and per-category tallies for st.
func (s *ViewService) Summary(st dispatch.State) (*Summary, error) {
	ds, err := Ready(st)
	if err != nil {
		return nil, err
	}
	proj := s.projection(ds, st.Selection)
	mask := s.mask(ds, st.Selection)

	sum := &Summary{
		Total:      ds.NumCells(),
		Visible:    mask.Count(),
		Skipped:    len(ds.Skipped()),
		Gene:       proj.Gene,
		GeneIndex:  proj.GeneIndex,
		MaxValue:   proj.MaxValue,
		Categories: make(map[string][]CategoryCount, len(ds.Schema().Categorical)),
	}

	cells := ds.Cells()
	for _, field := range ds.Schema().Categorical {
		counts := make([]CategoryCount, len(field.Values))
		index := make(map[string]int, len(field.Values))
		for i, v := range field.Values {
			index[v] = i
			counts[i] = CategoryCount{Value: v, Index: i, Color: colormap.Hex(colormap.Categorical.AtIndex(i))}
		}
		for i, c := range cells {
			v, ok := c.Categorical[field.Name]
			if !ok {
				continue
			}
			j := index[v]
			counts[j].Total++
			if mask.Visible(i) {
				counts[j].Visible++
			}
		}
		sum.Categories[field.Name] = counts
	}
	return sum, nil
}

// CategoryMean is the mean expression of the selected gene within one
// categorical value, over visible cells.
type CategoryMean struct {
	Value          string  `json:"value"`
	Color          string  `json:"color"`
	Index          int     `json:"index"`
	CellCount      int     `json:"cell_count"`
	MeanExpression float64 `json:"mean_expression"`
}

// CategoryMeans returns the selected gene's mean per value of column.
func (s *ViewService) CategoryMeans(st dispatch.State, column string) ([]CategoryMean, error) {
	ds, err := Ready(st)
	if err != nil {
		return nil, err
	}
	var field *store.CategoricalField
	for i := range ds.Schema().Categorical {
		if ds.Schema().Categorical[i].Name == column {
			field = &ds.Schema().Categorical[i]
			break
		}
	}
	if field == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCategory, column)
	}

	proj := s.projection(ds, st.Selection)
	mask := s.mask(ds, st.Selection)

	out := make([]CategoryMean, len(field.Values))
	index := make(map[string]int, len(field.Values))
	sums := make([]float64, len(field.Values))
	for i, v := range field.Values {
		index[v] = i
		out[i] = CategoryMean{Value: v, Index: i, Color: colormap.Hex(colormap.Categorical.AtIndex(i))}
	}
	for i, c := range ds.Cells() {
		v, ok := c.Categorical[column]
		if !ok || !mask.Visible(i) {
			continue
		}
		j := index[v]
		out[j].CellCount++
		sums[j] += proj.Value(i)
	}
	for i := range out {
		if out[i].CellCount > 0 {
			out[i].MeanExpression = sums[i] / float64(out[i].CellCount)
		}
	}
	return out, nil
}

// LegendStop is one color-scale stop.
type LegendStop struct {
	Value float64 `json:"value"`
	Color string  `json:"color"`
}

// Legend is the color scale for the current projection.
type Legend struct {
	Gene     string       `json:"gene,omitempty"`
	MaxValue float64      `json:"max_value"`
	Colormap string       `json:"colormap"`
	Stops    []LegendStop `json:"stops"`
}

// Legend returns n evenly spaced stops from 0 to the projection maximum.
func (s *ViewService) Legend(st dispatch.State, colormapName string, n int) (*Legend, error) {
	ds, err := Ready(st)
	if err != nil {
		return nil, err
	}
	if n < 2 {
		n = 5
	}
	proj := s.projection(ds, st.Selection)
	cmap, name := s.renderer.Colormap(colormapName)

	maxValue := math.Max(proj.MaxValue, 0)
	legend := &Legend{Gene: proj.Gene, MaxValue: proj.MaxValue, Colormap: name, Stops: make([]LegendStop, n)}
	for i := 0; i < n; i++ {
		t := float64(i) / float64(n-1)
		legend.Stops[i] = LegendStop{Value: t * maxValue, Color: colormap.Hex(cmap.At(t))}
	}
	return legend, nil
}

// Scatter renders the view for st as a PNG. Width or height <= 0 use the
// renderer's default size.
func (s *ViewService) Scatter(st dispatch.State, colormapName string, width, height int) ([]byte, error) {
	ds, err := Ready(st)
	if err != nil {
		return nil, err
	}
	_, name := s.renderer.Colormap(colormapName)
	dw, dh := s.renderer.Size()
	if width <= 0 {
		width = dw
	}
	if height <= 0 {
		height = dh
	}

	key := cache.ScatterKey(ds.Generation(), st.Selection.Path, name, width, height)
	if s.cache != nil {
		if data, ok := s.cache.GetImage(key); ok {
			return data, nil
		}
	}

	view, err := s.View(st)
	if err != nil {
		return nil, err
	}
	data, err := s.renderer.Render(view.Points, name, width, height)
	if err != nil {
		return nil, err
	}
	if s.cache != nil {
		if err := s.cache.SetImage(key, data); err != nil {
			log.Printf("[ViewService] failed to cache scatter %s: %v", key, err)
		}
	}
	return data, nil
}
