package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/example/go-eomosaic/eo/composite"
	"github.com/example/go-eomosaic/eo/download"
	"github.com/example/go-eomosaic/eo/errs"
	"github.com/example/go-eomosaic/eo/model"
	"github.com/example/go-eomosaic/eo/raster"
	"github.com/example/go-eomosaic/eo/search"
	"github.com/example/go-eomosaic/eo/sink"
)

func gridFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "bbox",
			Usage: "Region as minX,minY,maxX,maxY in the output CRS",
		},
		&cli.StringFlag{
			Name:  "geojson",
			Usage: "Path to a GeoJSON geometry, feature or feature collection in the output CRS",
		},
		&cli.StringFlag{
			Name:  "crs",
			Usage: "CRS of the region and the output grid",
			Value: "EPSG:4326",
		},
		&cli.FloatFlag{
			Name:     "scale",
			Usage:    "Pixel size in CRS units",
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:  "bands",
			Usage: "Bands to render (repeatable, default all)",
		},
		&cli.FloatFlag{
			Name:  "nodata",
			Usage: "Nodata value of the output",
		},
	}
}

func timeFlags(required bool) []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:     "collection",
			Usage:    "Collection to search: " + collectionNames(),
			Aliases:  []string{"c"},
			Required: required,
		},
		&cli.StringFlag{
			Name:     "start",
			Usage:    "Start date (YYYY-MM-DD or RFC3339)",
			Required: required,
		},
		&cli.StringFlag{
			Name:  "end",
			Usage: "End date, exclusive (default start plus one day)",
		},
		&cli.FloatFlag{
			Name:  "min-usable",
			Usage: "Minimum fraction of valid pixels within the region",
		},
		&cli.IntFlag{
			Name:  "max-results",
			Usage: "Maximum number of catalogue results",
		},
	}
}

func collectionNames() string {
	var names []string
	for _, c := range search.Collections() {
		names = append(names, c.String())
	}
	return strings.Join(names, ", ")
}

func newSearchCommand() *cli.Command {
	flags := append(timeFlags(true), gridFlags()...)
	flags = append(flags, &cli.StringFlag{
		Name:  "output",
		Usage: "Output format (text or json)",
		Value: "text",
	})
	return &cli.Command{
		Name:   "search",
		Usage:  "List the images of a collection with their usable fraction and cloud score",
		Flags:  flags,
		Action: executeSearch,
	}
}

func newDownloadCommand() *cli.Command {
	flags := append(gridFlags(),
		&cli.StringFlag{
			Name:     "id",
			Usage:    "Image ID",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "out",
			Usage:    "Destination: a local path, s3://bucket/key or gs://bucket/object",
			Aliases:  []string{"o"},
			Required: true,
		},
	)
	return &cli.Command{
		Name:   "download",
		Usage:  "Render one image over a grid and write it as GeoTIFF",
		Flags:  flags,
		Action: executeDownload,
	}
}

func newCompositeCommand() *cli.Command {
	// --id replaces the catalogue search, so its filters are optional
	flags := append(timeFlags(false), gridFlags()...)
	flags = append(flags,
		&cli.StringSliceFlag{
			Name:  "id",
			Usage: "Composite these image IDs instead of searching (repeatable)",
		},
		&cli.StringFlag{
			Name:  "method",
			Usage: "Compositing method (mosaic, q-mosaic or medoid)",
			Value: "q-mosaic",
		},
		&cli.StringFlag{
			Name:  "quality-band",
			Usage: "Band maximised by q-mosaic (default the cloud distance score)",
		},
		&cli.StringSliceFlag{
			Name:  "medoid-bands",
			Usage: "Bands compared by medoid (default the collection's reflectance bands)",
		},
		&cli.StringFlag{
			Name:     "out",
			Usage:    "Destination: a local path, s3://bucket/key or gs://bucket/object",
			Aliases:  []string{"o"},
			Required: true,
		},
		&cli.StringFlag{
			Name:  "provenance-out",
			Usage: "Also write the per-pixel source index raster here",
		},
	)
	return &cli.Command{
		Name:   "composite",
		Usage:  "Combine the usable images of a collection into one raster",
		Flags:  flags,
		Action: executeComposite,
	}
}

func executeSearch(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	q, err := buildQuery(cmd)
	if err != nil {
		return err
	}
	s, err := a.searcher()
	if err != nil {
		return err
	}
	scenes, err := s.Search(ctx, q)
	if errors.Is(err, errs.ErrEmptyResult) {
		fmt.Fprintln(os.Stdout, "No usable images found.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}

	switch output := strings.ToLower(strings.TrimSpace(cmd.String("output"))); output {
	case "json":
		return writeJSON(os.Stdout, summarize(scenes))
	case "text":
		printScenesTable(os.Stdout, scenes)
	default:
		return fmt.Errorf("unsupported output format %q", output)
	}
	return nil
}

func executeDownload(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	region, err := parseRegion(cmd)
	if err != nil {
		return err
	}
	img, err := a.client.Image(ctx, strings.TrimSpace(cmd.String("id")))
	if err != nil {
		return err
	}
	bands, err := a.bandSpecs(img, trimStrings(cmd.StringSlice("bands")))
	if err != nil {
		return err
	}
	spec, err := raster.Bind(region, cmd.String("crs"), cmd.Float("scale"), bands, cmd.Float("nodata"))
	if err != nil {
		return err
	}
	dst, err := sink.Open(cmd.String("out"), a.cfg.Compression(), a.cfg.Output.S3)
	if err != nil {
		return err
	}

	job, err := a.client.Download(ctx, img, spec, dst, a.downloadOptions(progressLogger(a.logger))...)
	var failure *errs.DownloadFailure
	if errors.As(err, &failure) && failure.LeftOnDisk != "" {
		fmt.Fprintf(os.Stderr, "Incomplete output kept at %s (%.0f%% of tiles)\n", failure.LeftOnDisk, 100*failure.Fraction())
	}
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}
	fmt.Fprintln(os.Stdout, job.Location)
	return nil
}

func executeComposite(ctx context.Context, cmd *cli.Command) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	method, err := composite.ParseMethod(cmd.String("method"))
	if err != nil {
		return err
	}
	s, err := a.searcher()
	if err != nil {
		return err
	}

	var scenes []search.Scene
	if ids := trimStrings(cmd.StringSlice("id")); len(ids) > 0 {
		q, err := buildGridQuery(cmd)
		if err != nil {
			return err
		}
		q.Collection = search.Collection(strings.TrimSpace(cmd.String("collection")))
		images, err := a.client.Images(ctx, ids...)
		if err != nil {
			return err
		}
		scenes, err = s.Scenes(ctx, images, q)
		if err != nil {
			return err
		}
	} else {
		if cmd.String("collection") == "" || cmd.String("start") == "" {
			return fmt.Errorf("composite: --collection and --start are required without --id")
		}
		q, err := buildQuery(cmd)
		if err != nil {
			return err
		}
		scenes, err = s.Search(ctx, q)
		if err != nil {
			return fmt.Errorf("search: %w", err)
		}
	}

	opts := composite.Options{
		Method:      method,
		QualityBand: strings.TrimSpace(cmd.String("quality-band")),
		Bands:       trimStrings(cmd.StringSlice("medoid-bands")),
		Concurrency: a.cfg.Download.Concurrency,
	}
	if method == composite.Medoid && len(opts.Bands) == 0 {
		if coll, ok := a.registry.Collection(scenes[0].Image.Collection); ok {
			opts.Bands = availableBands(coll.MedoidBands, scenes[0].Raster.Spec)
		}
	}
	res, err := composite.Composite(ctx, search.Inputs(scenes), opts)
	if err != nil {
		return fmt.Errorf("composite: %w", err)
	}
	a.logger.Info("composite built",
		slog.String("id", res.ID),
		slog.Int("images", len(res.Sources)))

	dst, err := sink.Open(cmd.String("out"), a.cfg.Compression(), a.cfg.Output.S3)
	if err != nil {
		return err
	}
	loc, err := download.WriteRaster(ctx, res.Raster, dst, res.Metadata)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, loc)

	if out := strings.TrimSpace(cmd.String("provenance-out")); out != "" {
		dst, err := sink.Open(out, a.cfg.Compression(), a.cfg.Output.S3)
		if err != nil {
			return err
		}
		loc, err := download.WriteRaster(ctx, res.Provenance, dst, res.Metadata)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, loc)
	}
	return nil
}

// bandSpecs resolves requested band names through the collection catalogue,
// falling back to the bands the image publishes.
func (a *app) bandSpecs(img model.Image, names []string) ([]raster.BandSpec, error) {
	if coll, ok := a.registry.Collection(img.Collection); ok {
		return coll.BandSpecs(names...)
	}
	var out []raster.BandSpec
	for _, b := range img.Bands {
		if len(names) > 0 && !contains(names, b.Name) {
			continue
		}
		dt, err := raster.ParseDType(b.DType)
		if err != nil {
			return nil, fmt.Errorf("band %s: %w", b.Name, err)
		}
		out = append(out, raster.BandSpec{Name: b.Name, DType: dt, Description: b.Description})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("image %s has none of the requested bands", img.ID)
	}
	return out, nil
}

// availableBands keeps the preferred bands that were rendered. Nil means
// every rendered band.
func availableBands(preferred []string, rendered raster.Spec) []string {
	var out []string
	for _, name := range preferred {
		if rendered.BandIndex(name) >= 0 {
			out = append(out, name)
		}
	}
	return out
}

func buildGridQuery(cmd *cli.Command) (search.Query, error) {
	region, err := parseRegion(cmd)
	if err != nil {
		return search.Query{}, err
	}
	return search.Query{
		Region:            region,
		CRS:               cmd.String("crs"),
		Scale:             cmd.Float("scale"),
		Bands:             trimStrings(cmd.StringSlice("bands")),
		NoData:            cmd.Float("nodata"),
		MinUsableFraction: cmd.Float("min-usable"),
	}, nil
}

func buildQuery(cmd *cli.Command) (search.Query, error) {
	q, err := buildGridQuery(cmd)
	if err != nil {
		return q, err
	}
	q.Collection = search.Collection(strings.TrimSpace(cmd.String("collection")))
	if q.Start, err = parseTimeFlag(cmd, "start"); err != nil {
		return q, err
	}
	if q.End, err = parseTimeFlag(cmd, "end"); err != nil {
		return q, err
	}
	q.MaxResults = int(cmd.Int("max-results"))
	return q, nil
}

func parseRegion(cmd *cli.Command) (model.Region, error) {
	crs := strings.TrimSpace(cmd.String("crs"))
	bbox := strings.TrimSpace(cmd.String("bbox"))
	path := strings.TrimSpace(cmd.String("geojson"))
	switch {
	case bbox != "" && path != "":
		return model.Region{}, fmt.Errorf("use either --bbox or --geojson")
	case bbox != "":
		parts := strings.Split(bbox, ",")
		if len(parts) != 4 {
			return model.Region{}, fmt.Errorf("--bbox needs four comma separated numbers")
		}
		var v [4]float64
		for i, p := range parts {
			f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return model.Region{}, fmt.Errorf("parse bbox: %w", err)
			}
			v[i] = f
		}
		return model.BBox(v[0], v[1], v[2], v[3], crs)
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return model.Region{}, fmt.Errorf("read geojson: %w", err)
		}
		return model.ParseGeoJSON(data, crs)
	}
	return model.Region{}, fmt.Errorf("a region is required: pass --bbox or --geojson")
}

func parseTimeFlag(cmd *cli.Command, name string) (time.Time, error) {
	value := strings.TrimSpace(cmd.String(name))
	if value == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339, time.DateOnly} {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse %s: %q is neither YYYY-MM-DD nor RFC3339", name, value)
}

type sceneSummary struct {
	ID             string    `json:"id"`
	Acquired       time.Time `json:"acquired"`
	UsableFraction float64   `json:"usable_fraction"`
	MeanScore      *float64  `json:"avg_score,omitempty"`
}

func summarize(scenes []search.Scene) []sceneSummary {
	out := make([]sceneSummary, 0, len(scenes))
	for _, s := range scenes {
		sum := sceneSummary{ID: s.Image.ID, Acquired: s.Image.Acquired, UsableFraction: s.Stats.UsableFraction}
		if s.Stats.HasScore {
			score := s.Stats.MeanScore
			sum.MeanScore = &score
		}
		out = append(out, sum)
	}
	return out
}

func writeJSON(w io.Writer, v interface{}) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func printScenesTable(w io.Writer, scenes []search.Scene) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDATE\tUSABLE\tSCORE")
	for _, s := range scenes {
		score := "-"
		if s.Stats.HasScore {
			score = strconv.FormatFloat(s.Stats.MeanScore, 'f', 0, 64)
		}
		fmt.Fprintf(tw, "%s\t%s\t%.1f%%\t%s\n",
			s.Image.ID,
			formatTime(s.Image.Acquired),
			100*s.Stats.UsableFraction,
			score,
		)
	}
	tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func trimStrings(values []string) []string {
	var result []string
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
