package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/atlasmap-sc/cellview/internal/api"
	"github.com/atlasmap-sc/cellview/internal/config"
	"github.com/atlasmap-sc/cellview/internal/data/cellsdb"
	"github.com/atlasmap-sc/cellview/internal/dispatch"
	"github.com/atlasmap-sc/cellview/internal/store"
)

// openDataset resolves id against the configured registry; an empty id
// selects the default dataset.
func openDataset(cfg *config.Config, id string) (*api.DatasetRegistry, store.Source, error) {
	registry, err := api.NewRegistryFromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	if id == "" {
		id = registry.DefaultDatasetID()
	}
	src := registry.Get(id)
	if src == nil {
		registry.Close()
		return nil, nil, fmt.Errorf("%w: %s", api.ErrUnknownDataset, id)
	}
	return registry, src, nil
}

func newRenderCmd() *cobra.Command {
	var (
		datasetID    string
		rawURL       string
		out          string
		colormapName string
		width        int
		height       int
	)
	cmd := &cobra.Command{
		Use:   "render",
		Short: "render a scatter PNG for a shareable URL without starting the server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry, src, err := openDataset(cfg, datasetID)
			if err != nil {
				return err
			}
			defer registry.Close()

			views, _, err := newViewService(cfg, false)
			if err != nil {
				return err
			}

			d := dispatch.New(src, nil)
			defer d.Close()
			if rawURL != "" {
				if err := d.Dispatch(dispatch.URLChanged{URL: rawURL}); err != nil {
					return err
				}
			}
			if err := d.Dispatch(dispatch.RequestCells{}); err != nil {
				return err
			}
			d.Wait()

			st := d.State()
			if st.Lifecycle == dispatch.LoadError {
				return st.Err
			}
			data, err := views.Scatter(st, colormapName, width, height)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}

			sum, err := views.Summary(st)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s: %d/%d cells visible, gene=%q max=%g\n",
				out, sum.Visible, sum.Total, sum.Gene, sum.MaxValue)
			return nil
		},
	}
	cmd.Flags().StringVar(&datasetID, "dataset", "", "dataset id (default dataset when empty)")
	cmd.Flags().StringVar(&rawURL, "url", "", "shareable URL or query string")
	cmd.Flags().StringVarP(&out, "out", "o", "scatter.png", "output PNG path")
	cmd.Flags().StringVar(&colormapName, "colormap", "", "colormap name")
	cmd.Flags().IntVar(&width, "width", 0, "image width (render.width when 0)")
	cmd.Flags().IntVar(&height, "height", 0, "image height (render.height when 0)")
	return cmd
}

func newInspectCmd() *cobra.Command {
	var (
		datasetID string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "load a dataset and print its schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			registry, src, err := openDataset(cfg, datasetID)
			if err != nil {
				return err
			}
			defer registry.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			ds, err := store.Load(ctx, src)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "source\t%s\n", src.Name())
			fmt.Fprintf(w, "cells\t%d\n", ds.NumCells())
			fmt.Fprintf(w, "genes\t%d\n", ds.NumGenes())
			fmt.Fprintf(w, "dims\t%d\n", ds.Dims())
			schema := ds.Schema()
			for _, f := range schema.Categorical {
				fmt.Fprintf(w, "category %s\t%d values: %s\n", f.Name, len(f.Values), preview(f.Values, 8))
			}
			for _, f := range schema.Continuous {
				fmt.Fprintf(w, "metric %s\t[%g, %g] over %d cells\n", f.Name, f.Min, f.Max, f.Count)
			}
			fmt.Fprintf(w, "skipped\t%d\n", len(ds.Skipped()))
			if err := w.Flush(); err != nil {
				return err
			}
			for _, rec := range ds.Skipped() {
				fmt.Fprintf(cmd.OutOrStdout(), "  %v\n", rec)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&datasetID, "dataset", "", "dataset id (default dataset when empty)")
	cmd.Flags().DurationVar(&timeout, "timeout", 2*time.Minute, "load timeout")
	return cmd
}

func preview(values []string, n int) string {
	if len(values) <= n {
		return strings.Join(values, ", ")
	}
	return strings.Join(values[:n], ", ") + ", ..."
}

func newImportCmd() *cobra.Command {
	var kind string
	cmd := &cobra.Command{
		Use:   "import <source> <sqlite-path>",
		Short: "copy a JSON, Zarr or HTTP dataset into a SQLite cell store",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ds := config.DatasetConfig{Kind: kind, Path: args[0]}
			if strings.HasPrefix(args[0], "http://") || strings.HasPrefix(args[0], "https://") {
				ds = config.DatasetConfig{Kind: kind, URL: args[0]}
			}
			src, closer, err := api.OpenSource(ds)
			if err != nil {
				return err
			}
			if closer != nil {
				defer closer()
			}

			payload, err := src.Fetch(cmd.Context())
			if err != nil {
				return &store.FetchError{Source: src.Name(), Err: err}
			}

			db, err := cellsdb.NewStore(args[1])
			if err != nil {
				return err
			}
			defer db.Close()

			if err := db.Import(cmd.Context(), payload); err != nil {
				return err
			}
			genes, cells, err := db.Counts(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d cells, %d genes from %s into %s\n", cells, genes, src.Name(), args[1])
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "", "source kind (json, zarr, sqlite, http); inferred when empty")
	return cmd
}
