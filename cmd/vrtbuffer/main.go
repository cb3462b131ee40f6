package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/vrtbuffer"
	"github.com/airbusgeo/vrtbuffer/gdalio"
	"github.com/airbusgeo/vrtbuffer/geotiff"
	shellwords "github.com/mattn/go-shellwords"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var store *gdalio.Store
var logger *zap.Logger

var copts []string
var configOpts []string
var verbose bool
var blocksize string
var numCachedBlocks int
var startTime time.Time
var workers int
var margin int
var fill float64
var tiles []string
var exts []string
var order string

var rootCmd = &cobra.Command{
	Use:   "vrtbuffer",
	Short: "pad raster tiles with pixels of their neighbours, and crop them back",
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		startTime = time.Now()
		var err error
		if logger, err = newLogger(); err != nil {
			return err
		}
		zap.ReplaceGlobals(logger)
		ctx := vrtbuffer.WithLogger(cmd.Context(), logger)
		cmd.SetContext(ctx)

		godal.RegisterAll()
		co, err := splitOptions(copts)
		if err != nil {
			return fmt.Errorf("--co: %w", err)
		}
		cfo, err := splitOptions(configOpts)
		if err != nil {
			return fmt.Errorf("--config: %w", err)
		}
		sopts := []gdalio.Option{gdalio.CreationOptions(co...), gdalio.ConfigOptions(cfo...)}
		if needsGCS(args) {
			stcl, err := storage.NewClient(ctx)
			if err != nil {
				return fmt.Errorf("storage.newclient: %w", err)
			}
			if err := gdalio.RegisterGCS(ctx, stcl, blocksize, numCachedBlocks); err != nil {
				return err
			}
			sopts = append(sopts, gdalio.GCSClient(stcl))
		}
		store = gdalio.New(sopts...)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, _ []string) {
		logger.Sugar().Debugf("command %s took %.1fs", cmd.Name(), time.Since(startTime).Seconds())
		_ = logger.Sync()
	},
}

// newLogger builds a json logger at info level, or a human readable debug
// one with --verbose. LOGLEVEL overrides the level in both cases.
func newLogger() (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg = zap.NewDevelopmentConfig()
	}
	if lvl := os.Getenv("LOGLEVEL"); lvl != "" {
		if err := cfg.Level.UnmarshalText([]byte(lvl)); err != nil {
			return nil, fmt.Errorf("LOGLEVEL: %w", err)
		}
	}
	return cfg.Build()
}

func needsGCS(args []string) bool {
	for _, a := range args {
		if strings.HasPrefix(a, "gs://") {
			return true
		}
	}
	return false
}

// splitOptions accepts KEY=VALUE options either as repeated flags or as a
// single shell quoted string.
func splitOptions(opts []string) ([]string, error) {
	var ret []string
	for _, o := range opts {
		words, err := shellwords.Parse(o)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", o, err)
		}
		for _, w := range words {
			if !strings.Contains(w, "=") {
				return nil, fmt.Errorf("%q is not a KEY=VALUE option", w)
			}
		}
		ret = append(ret, words...)
	}
	return ret, nil
}

// listOptions select the tiles of a directory from --tile and --ext
func listOptions() []vrtbuffer.Option {
	var opts []vrtbuffer.Option
	if len(tiles) > 0 {
		opts = append(opts, vrtbuffer.Only(tiles...))
	}
	if len(exts) > 0 {
		opts = append(opts, vrtbuffer.Extensions(exts...))
	}
	return opts
}

func runOptions(cmd *cobra.Command) ([]vrtbuffer.Option, error) {
	opts := append([]vrtbuffer.Option{vrtbuffer.Workers(workers)}, listOptions()...)
	if f := cmd.Flags().Lookup("order"); f != nil {
		o, err := vrtbuffer.ParseOrdering(order)
		if err != nil {
			return nil, err
		}
		opts = append(opts, vrtbuffer.Order(o))
	}
	if f := cmd.Flags().Lookup("fill"); f != nil && f.Changed {
		opts = append(opts, vrtbuffer.FillValue(fill))
	}
	return opts, nil
}

func summarize(report *vrtbuffer.Report, err error) error {
	if report != nil {
		if werr := report.WriteSummary(os.Stdout); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

var padCmd = &cobra.Command{
	Use:   "pad input_dir output_dir [mosaic.vrt]",
	Short: "pad every tile of input_dir by --margin pixels taken from its neighbours",
	Long: `pad writes into output_dir a copy of every .tif/.tiff tile of input_dir, grown
by --margin pixels on each side. Margin pixels are read from the neighbouring
tiles of the given VRT mosaic, or of input_dir itself if no VRT is given.
Where there is no neighbour, pixels are set to the tile's nodata value.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := runOptions(cmd)
		if err != nil {
			return err
		}
		ref := ""
		if len(args) == 3 {
			ref = args[2]
		}
		return summarize(vrtbuffer.Pad(cmd.Context(), store, args[0], args[1], ref, margin, opts...))
	},
}

var cropCmd = &cobra.Command{
	Use:   "crop original_dir padded_dir output_dir",
	Short: "crop padded tiles back to the extent of their originals",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := runOptions(cmd)
		if err != nil {
			return err
		}
		return summarize(vrtbuffer.Crop(cmd.Context(), store, args[0], args[1], args[2], margin, opts...))
	},
}

var vrtCmd = &cobra.Command{
	Use:   "vrt mosaic.vrt (input_dir | tile.tif...)",
	Short: "create a VRT mosaic of a directory of tiles or of a list of files",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		srcs := args[1:]
		if len(srcs) == 1 && !isTileName(srcs[0]) {
			var err error
			if srcs, err = vrtbuffer.ListTiles(ctx, store, srcs[0], listOptions()...); err != nil {
				return err
			}
		}
		if err := store.BuildVRT(ctx, args[0], srcs, workers); err != nil {
			return err
		}
		logger.Info("vrt created", zap.String("path", args[0]), zap.Int("sources", len(srcs)))
		return nil
	},
}

// isTileName tells a tile file from a directory by its extension.
func isTileName(p string) bool {
	candidates := exts
	if len(candidates) == 0 {
		candidates = []string{".tif", ".tiff"}
	}
	lp := strings.ToLower(p)
	for _, e := range candidates {
		if !strings.HasPrefix(e, ".") {
			e = "." + e
		}
		if strings.HasSuffix(lp, strings.ToLower(e)) {
			return true
		}
	}
	return false
}

var verifyCmd = &cobra.Command{
	Use:   "verify original_dir trimmed_dir",
	Short: "check that trimmed tiles have the exact size and geotransform of their originals",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		trimmed, err := vrtbuffer.ListTiles(ctx, store, args[1], listOptions()...)
		if err != nil {
			return err
		}
		failed := 0
		for _, t := range trimmed {
			name := baseName(t)
			err := verify(ctx, store.Join(args[0], name), t)
			if err != nil {
				failed++
				fmt.Printf("FAILED %s: %v\n", name, err)
				continue
			}
			logger.Debug("verified", zap.String("tile", name))
		}
		fmt.Printf("%d tiles verified, %d failed\n", len(trimmed)-failed, failed)
		if failed > 0 {
			return fmt.Errorf("%d tiles differ from their original", failed)
		}
		return nil
	},
}

func readInfo(ctx context.Context, path string) (geotiff.Info, error) {
	if !strings.HasPrefix(path, "gs://") {
		return geotiff.ReadFile(path)
	}
	data, err := store.ReadFile(ctx, path)
	if err != nil {
		return geotiff.Info{}, err
	}
	return geotiff.Read(bytes.NewReader(data))
}

func verify(ctx context.Context, original, trimmed string) error {
	want, err := readInfo(ctx, original)
	if err != nil {
		return err
	}
	got, err := readInfo(ctx, trimmed)
	if err != nil {
		return err
	}
	return geotiff.Compare(want, got)
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "verbose output")
	rootCmd.PersistentFlags().StringVar(&blocksize, "blocksize", "512k", "gs cache blocksize")
	rootCmd.PersistentFlags().IntVar(&numCachedBlocks, "numblocks", 1000, "number of gs cached blocks")
	rootCmd.PersistentFlags().StringArrayVar(&copts, "co", nil, "tif creation options, e.g. --co COMPRESS=DEFLATE or --co \"TILED=YES BLOCKXSIZE=256\"")
	rootCmd.PersistentFlags().StringArrayVar(&configOpts, "config", nil, "gdal configuration options")
	rootCmd.PersistentFlags().IntVar(&workers, "workers", 8, "number of tiles processed concurrently")
	rootCmd.PersistentFlags().StringArrayVar(&tiles, "tile", nil, "only process the tile with this file name (repeatable)")
	rootCmd.PersistentFlags().StringArrayVar(&exts, "ext", nil, "file extension of tiles inside directories (repeatable, default .tif and .tiff)")
	rootCmd.AddCommand(padCmd, cropCmd, vrtCmd, verifyCmd, planCmd)

	for _, c := range []*cobra.Command{padCmd, cropCmd} {
		c.Flags().IntVar(&margin, "margin", 0, "margin in pixels")
		c.MarkFlagRequired("margin")
	}
	padCmd.Flags().StringVar(&order, "order", vrtbuffer.Hilbert.String(), "tile scheduling order (hilbert or rowmajor)")
	padCmd.Flags().Float64Var(&fill, "fill", 0, "nodata value for tiles that do not declare one (default depends on the data type)")

	initPlan()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
