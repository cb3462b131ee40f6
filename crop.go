package vrtbuffer

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// A CropPlan describes how a processed padded tile is trimmed back to the
// extent of its original tile.
type CropPlan struct {
	Original Tile
	Padded   Tile
	Margin   int
	// Interior is the window of Padded covering Original
	Interior Window
	// Trimmed is the output tile: the extent and projection of Original, the
	// band layout and nodata of Padded.
	Trimmed Tile
}

// PlanCrop checks that padded is original grown by margin on every side and
// returns the interior window to extract. Size or position mismatches are
// reported as ErrDimensionMismatch.
func PlanCrop(original, padded Tile, margin int) (CropPlan, error) {
	if margin < 0 {
		return CropPlan{}, ErrInvalidOption{fmt.Sprintf("negative margin %d", margin)}
	}
	if err := original.Extent.Validate(); err != nil {
		return CropPlan{}, fmt.Errorf("original %s: %w", original.Name, err)
	}
	if padded.Width != original.Width+2*margin || padded.Height != original.Height+2*margin {
		return CropPlan{}, fmt.Errorf("%w: %s is %dx%d, expected %dx%d for a %dx%d tile with margin %d",
			ErrDimensionMismatch, padded.Name, padded.Width, padded.Height,
			original.Width+2*margin, original.Height+2*margin, original.Width, original.Height, margin)
	}
	if padded.GeoTransform.Rotated() {
		return CropPlan{}, fmt.Errorf("%w: %s has a rotated geotransform", ErrDimensionMismatch, padded.Name)
	}
	// the padded raster must sit exactly margin pixels up-left of the original
	dx, dy, err := PixelOffset(original.Extent, padded.Extent)
	if err != nil {
		return CropPlan{}, fmt.Errorf("%w: %s does not share the grid of its original: %v",
			ErrDimensionMismatch, padded.Name, err)
	}
	if dx != margin || dy != margin {
		return CropPlan{}, fmt.Errorf("%w: original %s lies at pixel %d,%d of the padded tile, expected %d,%d",
			ErrDimensionMismatch, original.Name, dx, dy, margin, margin)
	}
	trimmed := padded
	trimmed.Path = ""
	trimmed.Extent = original.Extent
	trimmed.Projection = original.Projection
	if trimmed.Projection == "" {
		trimmed.Projection = padded.Projection
	}
	return CropPlan{
		Original: original,
		Padded:   padded,
		Margin:   margin,
		Interior: Window{X: margin, Y: margin, Width: original.Width, Height: original.Height},
		Trimmed:  trimmed,
	}, nil
}

// cropTile executes plan, writing the trimmed raster to dst. The partially
// written output is aborted and removed on failure.
func cropTile(ctx context.Context, st Store, plan CropPlan, dst string) (err error) {
	l := Logger(ctx).With(zap.String("tile", plan.Original.Name))
	r, err := st.Open(ctx, plan.Padded.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", plan.Padded.Path, err)
	}
	defer r.Close()

	trimmed := plan.Trimmed
	w, err := st.Create(ctx, dst, trimmed)
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

	buf := make([]float64, plan.Interior.Area())
	for b := 0; b < trimmed.Bands; b++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.ReadBand(b, plan.Interior, buf); err != nil {
			return fmt.Errorf("read %s band %d window %v: %w", plan.Padded.Path, b+1, plan.Interior, err)
		}
		if err := w.WriteBand(b, trimmed.Bounds(), buf); err != nil {
			return fmt.Errorf("write %s band %d: %w", dst, b+1, err)
		}
	}
	l.Debug("cropped", zap.String("path", dst), zap.Stringer("interior", plan.Interior))
	return nil
}
