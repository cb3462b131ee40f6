package vrtbuffer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats/scalar"
)

// GeoTransform holds the GDAL affine coefficients mapping pixel (px,py) to
// spatial coordinates:
//
//	x = gt[0] + px*gt[1] + py*gt[2]
//	y = gt[3] + px*gt[4] + py*gt[5]
type GeoTransform [6]float64

// Rotated reports whether the transform carries rotation/shear terms.
func (gt GeoTransform) Rotated() bool {
	return gt[2] != 0 || gt[4] != 0
}

const (
	// relative tolerance when comparing pixel sizes of two rasters
	pixelSizeTolerance = 1e-9
	// absolute tolerance, in pixels, for an origin to be considered on-grid
	gridTolerance = 1e-6
)

// An Extent is the georeferenced footprint of a raster: its geotransform
// and its size in pixels.
type Extent struct {
	GeoTransform  GeoTransform
	Width, Height int
}

// A Window is an axis-aligned rectangle of pixels. X and Y are the offset of
// its upper left pixel inside the pixel space of the raster it refers to, and
// may be negative when the window reaches outside that raster.
type Window struct {
	X, Y          int
	Width, Height int
}

func (w Window) String() string {
	return fmt.Sprintf("%dx%d%+d%+d", w.Width, w.Height, w.X, w.Y)
}

// Empty reports whether w covers no pixel.
func (w Window) Empty() bool {
	return w.Width <= 0 || w.Height <= 0
}

// Area is the number of pixels covered by w.
func (w Window) Area() int {
	if w.Empty() {
		return 0
	}
	return w.Width * w.Height
}

// Offset returns w moved by dx,dy pixels.
func (w Window) Offset(dx, dy int) Window {
	return Window{X: w.X + dx, Y: w.Y + dy, Width: w.Width, Height: w.Height}
}

// Intersect clips w to bounds. ok is false if they are disjoint.
func Intersect(w, bounds Window) (clipped Window, ok bool) {
	x0 := max(w.X, bounds.X)
	y0 := max(w.Y, bounds.Y)
	x1 := min(w.X+w.Width, bounds.X+bounds.Width)
	y1 := min(w.Y+w.Height, bounds.Y+bounds.Height)
	if x1 <= x0 || y1 <= y0 {
		return Window{}, false
	}
	return Window{X: x0, Y: y0, Width: x1 - x0, Height: y1 - y0}, true
}

// Bounds is the window covering the whole raster, in its own pixel space.
func (e Extent) Bounds() Window {
	return Window{Width: e.Width, Height: e.Height}
}

// PixelSize returns the signed x and y resolutions.
func (e Extent) PixelSize() (float64, float64) {
	return e.GeoTransform[1], e.GeoTransform[5]
}

// Validate checks that the extent is a non-empty, north-up (non rotated)
// raster with non-zero resolution.
func (e Extent) Validate() error {
	if e.Width < 1 || e.Height < 1 {
		return fmt.Errorf("%w: invalid raster size %dx%d", ErrGeometry, e.Width, e.Height)
	}
	if e.GeoTransform.Rotated() {
		return fmt.Errorf("%w: rotated geotransform %v not supported", ErrGeometry, e.GeoTransform)
	}
	if e.GeoTransform[1] == 0 || e.GeoTransform[5] == 0 {
		return fmt.Errorf("%w: zero pixel size in geotransform %v", ErrGeometry, e.GeoTransform)
	}
	return nil
}

// PixelToSpatial maps pixel coordinates to spatial coordinates.
func (e Extent) PixelToSpatial(px, py float64) (x, y float64) {
	gt := e.GeoTransform
	return gt[0] + px*gt[1] + py*gt[2], gt[3] + px*gt[4] + py*gt[5]
}

// SpatialToPixel maps spatial coordinates to (fractional) pixel coordinates.
// The extent must not be rotated. Callers that need integer pixels must go
// through RoundPixel.
func (e Extent) SpatialToPixel(x, y float64) (px, py float64) {
	gt := e.GeoTransform
	return (x - gt[0]) / gt[1], (y - gt[3]) / gt[5]
}

// RoundPixel rounds a fractional pixel coordinate to the nearest integer,
// ties away from zero. It is the only rounding used in this package.
func RoundPixel(v float64) int {
	return int(math.Round(v))
}

// Shift returns the extent whose pixel (0,0) is pixel (dx,dy) of e. Size is
// unchanged.
func (e Extent) Shift(dx, dy int) Extent {
	gt := e.GeoTransform
	gt[0], gt[3] = e.PixelToSpatial(float64(dx), float64(dy))
	return Extent{GeoTransform: gt, Width: e.Width, Height: e.Height}
}

// Expand grows e by margin pixels on all four sides. Pixel (margin,margin)
// of the result is pixel (0,0) of e.
func (e Extent) Expand(margin int) Extent {
	ret := e.Shift(-margin, -margin)
	ret.Width += 2 * margin
	ret.Height += 2 * margin
	return ret
}

// SamePixelSize reports whether both extents share the same signed
// resolution, up to floating point noise.
func SamePixelSize(a, b Extent) bool {
	return scalar.EqualWithinRel(a.GeoTransform[1], b.GeoTransform[1], pixelSizeTolerance) &&
		scalar.EqualWithinRel(a.GeoTransform[5], b.GeoTransform[5], pixelSizeTolerance)
}

// PixelOffset returns the position of pixel (0,0) of from inside the pixel
// space of to. Both extents must share the same resolution (ErrGeometry) and
// their origins must be a whole number of pixels apart (ErrMisalignedGrid).
func PixelOffset(from, to Extent) (dx, dy int, err error) {
	if !SamePixelSize(from, to) {
		return 0, 0, fmt.Errorf("%w: pixel size %g,%g differs from %g,%g", ErrGeometry,
			from.GeoTransform[1], from.GeoTransform[5], to.GeoTransform[1], to.GeoTransform[5])
	}
	if from.GeoTransform.Rotated() || to.GeoTransform.Rotated() {
		return 0, 0, fmt.Errorf("%w: rotated geotransforms not supported", ErrGeometry)
	}
	fx, fy := to.SpatialToPixel(from.GeoTransform[0], from.GeoTransform[3])
	dx, dy = RoundPixel(fx), RoundPixel(fy)
	if !scalar.EqualWithinAbs(fx, float64(dx), gridTolerance) ||
		!scalar.EqualWithinAbs(fy, float64(dy), gridTolerance) {
		return 0, 0, fmt.Errorf("%w: origin %g,%g falls at fractional pixel %g,%g", ErrMisalignedGrid,
			from.GeoTransform[0], from.GeoTransform[3], fx, fy)
	}
	return dx, dy, nil
}

// TranslateWindow converts w, expressed in the pixel space of from, into the
// same spatial area expressed in the pixel space of to.
func TranslateWindow(w Window, from, to Extent) (Window, error) {
	dx, dy, err := PixelOffset(from, to)
	if err != nil {
		return Window{}, err
	}
	return w.Offset(dx, dy), nil
}
