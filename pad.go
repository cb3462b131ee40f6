package vrtbuffer

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
)

// A PadPlan is the complete, I/O free description of how one padded tile is
// assembled.
type PadPlan struct {
	Tile   Tile
	Margin int
	// Padded is the output tile. Pixel (Margin,Margin) of Padded is pixel
	// (0,0) of Tile.
	Padded Tile
	// Pieces are the source reads, in mosaic construction order. Dst windows
	// are in the pixel space of Padded. When tiles overlap, later pieces
	// overwrite earlier ones.
	Pieces []Piece
	// Gaps are the parts of Padded covered by no source, filled with
	// Padded.NoData
	Gaps []Window
}

// PlanPad computes the padded extent of t and the reads needed to fill it from
// the mosaic. fill is the value written into gaps and recorded as the padded
// tile's nodata.
func PlanPad(t Tile, margin int, m *Mosaic, fill float64) (PadPlan, error) {
	if margin < 0 {
		return PadPlan{}, ErrInvalidOption{fmt.Sprintf("negative margin %d", margin)}
	}
	if err := t.Extent.Validate(); err != nil {
		return PadPlan{}, err
	}
	padded := t
	padded.Path = ""
	padded.Extent = t.Extent.Expand(margin)
	padded.NoData = fill
	padded.HasNoData = true

	expanded := Window{X: -margin, Y: -margin, Width: t.Width + 2*margin, Height: t.Height + 2*margin}
	mw, err := TranslateWindow(expanded, t.Extent, m.Extent())
	if err != nil {
		return PadPlan{}, err
	}
	pieces := m.Locate(mw)
	return PadPlan{
		Tile:   t,
		Margin: margin,
		Padded: padded,
		Pieces: pieces,
		Gaps:   Uncovered(padded.Width, padded.Height, pieces),
	}, nil
}

// fillValue is the sentinel written into a padded tile: its own nodata, else
// the configured fill, else the type default.
func (c config) fillValue(t Tile) float64 {
	switch {
	case t.HasNoData:
		return t.NoData
	case c.fill != nil:
		return *c.fill
	default:
		return t.DataType.DefaultNoData()
	}
}

func isNoData(v, nodata float64) bool {
	if math.IsNaN(nodata) {
		return math.IsNaN(v)
	}
	return v == nodata
}

// readers caches the source rasters opened by a single task.
type readers struct {
	st    Store
	open  map[string]RasterReader
	order []string
}

func newReaders(st Store) *readers {
	return &readers{st: st, open: map[string]RasterReader{}}
}

func (rs *readers) get(ctx context.Context, path string) (RasterReader, error) {
	if r, ok := rs.open[path]; ok {
		return r, nil
	}
	r, err := rs.st.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	rs.open[path] = r
	rs.order = append(rs.order, path)
	return r, nil
}

func (rs *readers) close() {
	for _, p := range rs.order {
		_ = rs.open[p].Close()
	}
}

// blit copies the src window buffer into dst (of width stride) at w
func blit(dst []float64, stride int, w Window, src []float64) {
	for row := 0; row < w.Height; row++ {
		off := (w.Y+row)*stride + w.X
		copy(dst[off:off+w.Width], src[row*w.Width:(row+1)*w.Width])
	}
}

func fillWindow(dst []float64, stride int, w Window, v float64) {
	for row := 0; row < w.Height; row++ {
		off := (w.Y+row)*stride + w.X
		for i := off; i < off+w.Width; i++ {
			dst[i] = v
		}
	}
}

// padTile executes plan, writing the padded raster to dst. The partially
// written output is aborted and removed on failure.
func padTile(ctx context.Context, st Store, plan PadPlan, dst string) (err error) {
	l := Logger(ctx).With(zap.String("tile", plan.Tile.Name))
	padded := plan.Padded
	w, err := st.Create(ctx, dst, padded)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	defer func() {
		if err == nil {
			if cerr := w.Close(); cerr != nil {
				err = fmt.Errorf("close %s: %w", dst, cerr)
			}
		} else if aerr := w.Abort(); aerr != nil {
			l.Warn("failed to abort output", zap.String("path", dst), zap.Error(aerr))
		}
		if err != nil {
			if rerr := st.Remove(ctx, dst); rerr != nil {
				l.Warn("failed to remove partial output", zap.String("path", dst), zap.Error(rerr))
			}
		}
	}()

	srcs := newReaders(st)
	defer srcs.close()

	buf := make([]float64, padded.Width*padded.Height)
	var sub []float64
	for b := 0; b < padded.Bands; b++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, g := range plan.Gaps {
			fillWindow(buf, padded.Width, g, padded.NoData)
		}
		for _, p := range plan.Pieces {
			r, err := srcs.get(ctx, p.Tile.Path)
			if err != nil {
				return err
			}
			if cap(sub) < p.Src.Area() {
				sub = make([]float64, p.Src.Area())
			}
			sub = sub[:p.Src.Area()]
			if err := r.ReadBand(b, p.Src, sub); err != nil {
				return fmt.Errorf("read %s band %d window %v: %w", p.Tile.Path, b+1, p.Src, err)
			}
			if p.Tile.HasNoData && !isNoData(p.Tile.NoData, padded.NoData) {
				for i, v := range sub {
					if isNoData(v, p.Tile.NoData) {
						sub[i] = padded.NoData
					}
				}
			}
			blit(buf, padded.Width, p.Dst, sub)
		}
		if err := w.WriteBand(b, padded.Bounds(), buf); err != nil {
			return fmt.Errorf("write %s band %d: %w", dst, b+1, err)
		}
	}
	l.Debug("padded", zap.String("path", dst), zap.Int("pieces", len(plan.Pieces)),
		zap.Int("gaps", len(plan.Gaps)))
	return nil
}
