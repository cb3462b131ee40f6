// Package geotiff reads the georeferencing of GeoTIFF files from their
// headers only, without GDAL.
package geotiff

import (
	"fmt"
	"os"
	"strings"

	"github.com/airbusgeo/vrtbuffer"
	"github.com/google/tiff"
	_ "github.com/google/tiff/bigtiff"
)

type ifd struct {
	ImageWidth             uint64    `tiff:"field,tag=256"`
	ImageLength            uint64    `tiff:"field,tag=257"`
	ModelPixelScaleTag     []float64 `tiff:"field,tag=33550"`
	ModelTiePointTag       []float64 `tiff:"field,tag=33922"`
	ModelTransformationTag []float64 `tiff:"field,tag=34264"`
}

// Info is the geometry of the full resolution image of a GeoTIFF.
type Info struct {
	Width, Height int
	GeoTransform  vrtbuffer.GeoTransform
}

// Read parses the first IFD of the TIFF in r.
func Read(r tiff.ReadAtReadSeeker) (Info, error) {
	tif, err := tiff.Parse(r, nil, nil)
	if err != nil {
		return Info{}, fmt.Errorf("tiff.parse: %w", err)
	}
	ifds := tif.IFDs()
	if len(ifds) == 0 {
		return Info{}, fmt.Errorf("no ifd")
	}
	hdr := ifd{}
	if err := tiff.UnmarshalIFD(ifds[0], &hdr); err != nil {
		return Info{}, fmt.Errorf("unmarshal ifd: %w", err)
	}
	gt, err := hdr.geoTransform()
	if err != nil {
		return Info{}, err
	}
	return Info{
		Width:        int(hdr.ImageWidth),
		Height:       int(hdr.ImageLength),
		GeoTransform: gt,
	}, nil
}

// ReadFile is Read on a local file.
func ReadFile(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()
	info, err := Read(f)
	if err != nil {
		return Info{}, fmt.Errorf("%s: %w", path, err)
	}
	return info, nil
}

// geoTransform derives the GDAL geotransform of a PixelIsArea image, from
// either the model transformation or a single tiepoint and the pixel scale.
func (h *ifd) geoTransform() (vrtbuffer.GeoTransform, error) {
	if m := h.ModelTransformationTag; len(m) == 16 {
		return vrtbuffer.GeoTransform{m[3], m[0], m[1], m[7], m[4], m[5]}, nil
	}
	tp, sc := h.ModelTiePointTag, h.ModelPixelScaleTag
	if len(tp) < 6 || len(sc) < 2 {
		return vrtbuffer.GeoTransform{}, fmt.Errorf("%w: no georeferencing tags", vrtbuffer.ErrGeometry)
	}
	if len(tp) > 6 {
		return vrtbuffer.GeoTransform{}, fmt.Errorf("%w: %d tiepoints not supported", vrtbuffer.ErrGeometry, len(tp)/6)
	}
	return vrtbuffer.GeoTransform{
		tp[3] - tp[0]*sc[0], sc[0], 0,
		tp[4] + tp[1]*sc[1], 0, -sc[1],
	}, nil
}

// Compare checks that got has the size and exact geotransform of want.
func Compare(want, got Info) error {
	var diffs []string
	if want.Width != got.Width || want.Height != got.Height {
		diffs = append(diffs, fmt.Sprintf("size %dx%d, expected %dx%d", got.Width, got.Height, want.Width, want.Height))
	}
	if want.GeoTransform != got.GeoTransform {
		diffs = append(diffs, fmt.Sprintf("geotransform %v, expected %v", got.GeoTransform, want.GeoTransform))
	}
	if len(diffs) > 0 {
		return fmt.Errorf("%w: %s", vrtbuffer.ErrDimensionMismatch, strings.Join(diffs, ", "))
	}
	return nil
}
