package vrtbuffer

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/tbonfort/gobs"
	"go.uber.org/zap"
)

// baseName is the identity of a file across directories. Store paths may be
// urls, so the last slash separated element is used.
func baseName(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return path.Base(p)
}

// ListTiles returns the paths of the tiles found in dir, sorted by name. Only
// the Extensions and Only options are used.
func ListTiles(ctx context.Context, st Store, dir string, options ...Option) ([]string, error) {
	cfg, err := newConfig(options...)
	if err != nil {
		return nil, err
	}
	return cfg.list(ctx, st, dir)
}

func (c config) list(ctx context.Context, st Store, dir string) ([]string, error) {
	files, err := st.List(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	var ret []string
	found := map[string]bool{}
	for _, f := range files {
		name := baseName(f)
		if !c.isTile(name) || !c.selected(name) {
			continue
		}
		found[name] = true
		ret = append(ret, f)
	}
	for name := range c.only {
		if !found[name] {
			return nil, fmt.Errorf("tile %s not found in %s", name, dir)
		}
	}
	sort.Slice(ret, func(i, j int) bool {
		return baseName(ret[i]) < baseName(ret[j])
	})
	return ret, nil
}

type probed struct {
	idx  int
	tile Tile
	err  error
}

// probeAll reads the metadata of every path concurrently. Results are in the
// order of paths; failures are reported per path and never stop the others.
func probeAll(ctx context.Context, st Store, paths []string, workers int) []probed {
	p := pool.NewWithResults[probed]().WithContext(ctx).WithMaxGoroutines(workers)
	for i, pth := range paths {
		i, pth := i, pth
		p.Go(func(ctx context.Context) (probed, error) {
			t, err := st.Probe(ctx, pth)
			if err == nil {
				t.Name = baseName(pth)
				t.Path = pth
			}
			return probed{idx: i, tile: t, err: err}, nil
		})
	}
	res, _ := p.Wait()
	sort.Slice(res, func(i, j int) bool { return res[i].idx < res[j].idx })
	return res
}

// mustProbe is probeAll for inputs that must all be readable.
func mustProbe(ctx context.Context, st Store, paths []string, workers int) ([]Tile, error) {
	res := probeAll(ctx, st, paths, workers)
	tiles := make([]Tile, len(res))
	for i, r := range res {
		if r.err != nil {
			return nil, &TileError{Tile: baseName(paths[i]), Path: paths[i], Op: "probe", Err: r.err}
		}
		tiles[i] = r.tile
	}
	return tiles, nil
}

// BuildMosaic assembles the mosaic used to pad the tiles of inputs. When ref
// is not nil its sources come first, in VRT order, followed by the input
// tiles it does not reference. An input is referenced by a source with the
// same path, or with the same name and footprint. Without a reference, tiles
// are ordered row major.
func BuildMosaic(ctx context.Context, st Store, inputs []Tile, ref *Reference, workers int) (*Mosaic, error) {
	if ref == nil {
		m, err := NewMosaic(inputs)
		if err != nil {
			return nil, err
		}
		ordered, err := schedule(inputs, m, RowMajor)
		if err != nil {
			return nil, err
		}
		return NewMosaic(ordered)
	}
	paths := make([]string, len(ref.Sources))
	for i, s := range ref.Sources {
		paths[i] = s.Path
	}
	srcs, err := mustProbe(ctx, st, paths, workers)
	if err != nil {
		return nil, fmt.Errorf("vrt source: %w", err)
	}
	footprints, err := ref.checkPlacement(srcs)
	if err != nil {
		return nil, err
	}
	type placed struct {
		name string
		w    Window
	}
	byPath := map[string]bool{}
	byPlace := map[placed]bool{}
	names := map[string]bool{}
	for i, s := range srcs {
		byPath[cleanPath(s.Path)] = true
		byPlace[placed{s.Name, footprints[i]}] = true
		names[s.Name] = true
	}
	tiles := srcs
	for _, t := range inputs {
		w, err := TranslateWindow(t.Bounds(), t.Extent, ref.Extent)
		if err != nil {
			return nil, fmt.Errorf("tile %s: %w", t.Name, err)
		}
		if byPath[cleanPath(t.Path)] || byPlace[placed{t.Name, w}] {
			continue
		}
		if names[t.Name] {
			Logger(ctx).Warn("vrt source with the same name lies elsewhere, using the input tile",
				zap.String("tile", t.Name), zap.Stringer("footprint", w))
		}
		tiles = append(tiles, t)
	}
	return NewMosaic(tiles)
}

// distinctDirs rejects an output directory that is also read from, as tiles
// would be overwritten while neighbours still read them.
func distinctDirs(output string, inputs ...string) error {
	out := cleanPath(output)
	for _, in := range inputs {
		if cleanPath(in) == out {
			return ErrInvalidOption{fmt.Sprintf("output directory %s is also an input", output)}
		}
	}
	return nil
}

// dirOf is the directory of a local path or url
func dirOf(p string) string {
	c := cleanPath(p)
	switch i := strings.LastIndex(c, "/"); {
	case i < 0:
		return "."
	case i == 0:
		return "/"
	default:
		return c[:i]
	}
}

// cleanPath normalizes a local path or url for comparison.
func cleanPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	if idx := strings.Index(p, "://"); idx > 0 {
		return p[:idx+3] + path.Clean(p[idx+3:])
	}
	return path.Clean(p)
}

// Pad writes, for every tile of inputDir, a copy grown by margin pixels on
// each side into outputDir, under the same name. Margin pixels are read from
// the neighbouring tiles of the mosaic described by the VRT at mosaicRef, or
// by the input tiles themselves when mosaicRef is empty. Areas without a
// neighbour are set to the tile's nodata value.
//
// Geometry and alignment errors abort the run before anything is written.
// Other per-tile failures are collected in the returned report and do not
// stop the remaining tiles; the returned error then combines them.
func Pad(ctx context.Context, st Store, inputDir, outputDir, mosaicRef string, margin int, options ...Option) (*Report, error) {
	cfg, err := newConfig(options...)
	if err != nil {
		return nil, err
	}
	if margin < 0 {
		return nil, ErrInvalidOption{fmt.Sprintf("negative margin %d", margin)}
	}
	if err := distinctDirs(outputDir, inputDir); err != nil {
		return nil, err
	}
	start := time.Now()
	l := Logger(ctx)

	all := cfg
	all.only = nil
	paths, err := all.list(ctx, st, inputDir)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no tiles found in %s", inputDir)
	}
	inputs, err := mustProbe(ctx, st, paths, cfg.workers)
	if err != nil {
		return nil, err
	}

	var ref *Reference
	if mosaicRef != "" {
		data, err := st.ReadFile(ctx, mosaicRef)
		if err != nil {
			return nil, fmt.Errorf("read mosaic reference: %w", err)
		}
		if ref, err = ParseVRT(data, mosaicRef); err != nil {
			return nil, err
		}
		for _, src := range ref.Sources {
			if err := distinctDirs(outputDir, dirOf(src.Path)); err != nil {
				return nil, fmt.Errorf("vrt source %s: %w", src.Path, err)
			}
		}
	}
	m, err := BuildMosaic(ctx, st, inputs, ref, cfg.workers)
	if err != nil {
		return nil, err
	}
	l.Info("mosaic built", zap.Int("sources", m.Len()),
		zap.Int("width", m.Extent().Width), zap.Int("height", m.Extent().Height))

	var selected []Tile
	for _, t := range inputs {
		if cfg.selected(t.Name) {
			selected = append(selected, t)
		}
	}
	if cfg.only != nil && len(selected) != len(cfg.only) {
		return nil, fmt.Errorf("%d of the %d requested tiles not found in %s",
			len(cfg.only)-len(selected), len(cfg.only), inputDir)
	}
	if selected, err = schedule(selected, m, cfg.order); err != nil {
		return nil, err
	}
	plans := make([]PadPlan, len(selected))
	for i, t := range selected {
		if plans[i], err = PlanPad(t, margin, m, cfg.fillValue(t)); err != nil {
			return nil, fmt.Errorf("tile %s: %w", t.Name, err)
		}
	}

	report := &Report{}
	p := gobs.NewPool(cfg.workers)
	batch := p.Batch()
	for _, plan := range plans {
		plan := plan
		batch.Submit(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			dst := st.Join(outputDir, plan.Tile.Name)
			if err := padTile(ctx, st, plan, dst); err != nil {
				report.failure(&TileError{Tile: plan.Tile.Name, Path: dst, Op: "pad", Err: err})
				return nil
			}
			report.success(plan.Tile.Name)
			return nil
		})
	}
	if err := batch.Wait(); err != nil {
		return report, err
	}
	return report, finish(ctx, "pad", report, start)
}

// Crop trims every padded tile of paddedDir back to the extent of the tile
// with the same name in originalDir, and writes the result into outputDir. The
// margin must be the one given to Pad. A padded tile whose size or position
// does not match its original grown by margin fails with
// ErrDimensionMismatch and produces no output.
//
// Like Pad, failing tiles are collected in the report and do not stop the
// others.
func Crop(ctx context.Context, st Store, originalDir, paddedDir, outputDir string, margin int, options ...Option) (*Report, error) {
	cfg, err := newConfig(options...)
	if err != nil {
		return nil, err
	}
	if margin < 0 {
		return nil, ErrInvalidOption{fmt.Sprintf("negative margin %d", margin)}
	}
	if err := distinctDirs(outputDir, originalDir, paddedDir); err != nil {
		return nil, err
	}
	start := time.Now()
	paddedPaths, err := cfg.list(ctx, st, paddedDir)
	if err != nil {
		return nil, err
	}
	if len(paddedPaths) == 0 {
		return nil, fmt.Errorf("no tiles found in %s", paddedDir)
	}
	origPaths := make([]string, len(paddedPaths))
	for i, p := range paddedPaths {
		origPaths[i] = st.Join(originalDir, baseName(p))
	}
	padded := probeAll(ctx, st, paddedPaths, cfg.workers)
	originals := probeAll(ctx, st, origPaths, cfg.workers)

	report := &Report{}
	var plans []CropPlan
	for i := range paddedPaths {
		name := baseName(paddedPaths[i])
		if err := originals[i].err; err != nil {
			report.failure(&TileError{Tile: name, Path: origPaths[i], Op: "probe", Err: err})
			continue
		}
		if err := padded[i].err; err != nil {
			report.failure(&TileError{Tile: name, Path: paddedPaths[i], Op: "probe", Err: err})
			continue
		}
		plan, err := PlanCrop(originals[i].tile, padded[i].tile, margin)
		if err != nil {
			if fatal(err) {
				return nil, fmt.Errorf("tile %s: %w", name, err)
			}
			report.failure(&TileError{Tile: name, Path: paddedPaths[i], Op: "crop", Err: err})
			continue
		}
		plans = append(plans, plan)
	}

	p := gobs.NewPool(cfg.workers)
	batch := p.Batch()
	for _, plan := range plans {
		plan := plan
		batch.Submit(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			dst := st.Join(outputDir, plan.Original.Name)
			if err := cropTile(ctx, st, plan, dst); err != nil {
				report.failure(&TileError{Tile: plan.Original.Name, Path: dst, Op: "crop", Err: err})
				return nil
			}
			report.success(plan.Original.Name)
			return nil
		})
	}
	if err := batch.Wait(); err != nil {
		return report, err
	}
	return report, finish(ctx, "crop", report, start)
}

func finish(ctx context.Context, op string, report *Report, start time.Time) error {
	report.sort()
	l := Logger(ctx)
	for _, f := range report.Failed {
		l.Error(op+" failed", zap.String("tile", f.Tile), zap.String("path", f.Path),
			zap.String("kind", f.Kind()), zap.Error(f.Err))
	}
	l.Info(op+" done", zap.Int("succeeded", len(report.Succeeded)), zap.Int("failed", len(report.Failed)),
		zap.Duration("elapsed", time.Since(start)))
	return report.Err()
}
