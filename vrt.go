package vrtbuffer

import (
	"encoding/xml"
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
)

// A Reference is the mosaic layout described by a GDAL VRT: the mosaic
// extent and the ordered list of files drawn into it.
type Reference struct {
	Extent
	Projection string
	// Sources in drawing order, deduplicated across bands.
	Sources []Source
}

// A Source is a file referenced by a VRT.
type Source struct {
	// Path is resolved against the VRT location when the VRT marks it as
	// relative.
	Path string
	// Dst is the placement of the file inside the VRT pixel space, when the
	// VRT declares one.
	Dst *Window
}

type vrtDataset struct {
	XMLName      xml.Name  `xml:"VRTDataset"`
	RasterXSize  int       `xml:"rasterXSize,attr"`
	RasterYSize  int       `xml:"rasterYSize,attr"`
	SRS          string    `xml:"SRS"`
	GeoTransform string    `xml:"GeoTransform"`
	Bands        []vrtBand `xml:"VRTRasterBand"`
}

type vrtBand struct {
	Band int `xml:"band,attr"`
	// every child element; sources are picked by element name as GDAL
	// accepts several source flavours
	Children []vrtSource `xml:",any"`
}

type vrtSource struct {
	XMLName        xml.Name
	SourceFilename struct {
		RelativeToVRT int    `xml:"relativeToVRT,attr"`
		Name          string `xml:",chardata"`
	} `xml:"SourceFilename"`
	DstRect *vrtRect `xml:"DstRect"`
}

type vrtRect struct {
	XOff  float64 `xml:"xOff,attr"`
	YOff  float64 `xml:"yOff,attr"`
	XSize float64 `xml:"xSize,attr"`
	YSize float64 `xml:"ySize,attr"`
}

var vrtSourceKinds = map[string]bool{
	"SimpleSource":         true,
	"ComplexSource":        true,
	"AveragedSource":       true,
	"KernelFilteredSource": true,
}

// ParseVRT decodes the VRT document data located at vrtPath. vrtPath is only
// used to resolve relative source file names.
func ParseVRT(data []byte, vrtPath string) (*Reference, error) {
	ds := vrtDataset{}
	if err := xml.Unmarshal(data, &ds); err != nil {
		return nil, fmt.Errorf("xml.unmarshal %s: %w", vrtPath, err)
	}
	gt, err := parseGeoTransform(ds.GeoTransform)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", vrtPath, err)
	}
	ref := &Reference{
		Extent: Extent{
			GeoTransform: gt,
			Width:        ds.RasterXSize,
			Height:       ds.RasterYSize,
		},
		Projection: strings.TrimSpace(ds.SRS),
	}
	if err := ref.Extent.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", vrtPath, err)
	}
	seen := map[string]bool{}
	for _, band := range ds.Bands {
		for _, src := range band.Children {
			if !vrtSourceKinds[src.XMLName.Local] {
				continue
			}
			name := strings.TrimSpace(src.SourceFilename.Name)
			if name == "" {
				return nil, fmt.Errorf("%s: band %d: %s without SourceFilename", vrtPath, band.Band, src.XMLName.Local)
			}
			if src.SourceFilename.RelativeToVRT != 0 {
				name = resolveRelative(vrtPath, name)
			}
			if seen[name] {
				continue
			}
			seen[name] = true
			s := Source{Path: name}
			if r := src.DstRect; r != nil {
				s.Dst = &Window{
					X:      RoundPixel(r.XOff),
					Y:      RoundPixel(r.YOff),
					Width:  RoundPixel(r.XSize),
					Height: RoundPixel(r.YSize),
				}
			}
			ref.Sources = append(ref.Sources, s)
		}
	}
	if len(ref.Sources) == 0 {
		return nil, fmt.Errorf("%s: no source files", vrtPath)
	}
	return ref, nil
}

func parseGeoTransform(s string) (GeoTransform, error) {
	gt := GeoTransform{}
	fields := strings.Split(s, ",")
	if len(fields) != 6 {
		return gt, fmt.Errorf("%w: geotransform %q must have 6 coefficients", ErrGeometry, s)
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return gt, fmt.Errorf("%w: geotransform %q: %v", ErrGeometry, s, err)
		}
		gt[i] = v
	}
	return gt, nil
}

// resolveRelative joins name to the directory of vrtPath, keeping any url
// scheme (e.g. gs://) intact.
func resolveRelative(vrtPath, name string) string {
	if idx := strings.Index(vrtPath, "://"); idx > 0 {
		scheme, rest := vrtPath[:idx+3], vrtPath[idx+3:]
		return scheme + path.Join(path.Dir(rest), name)
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(filepath.Dir(vrtPath), filepath.FromSlash(name))
}

// checkPlacement verifies that the probed sources (tiles[i] being the file of
// r.Sources[i]) lie where the VRT draws them, and that the VRT grid is the
// grid of the tiles. It returns the footprint of every source in VRT pixel
// space.
func (r *Reference) checkPlacement(tiles []Tile) ([]Window, error) {
	footprints := make([]Window, len(r.Sources))
	for i, s := range r.Sources {
		t := tiles[i]
		w, err := TranslateWindow(t.Bounds(), t.Extent, r.Extent)
		if err != nil {
			return nil, fmt.Errorf("vrt source %s: %w", s.Path, err)
		}
		if s.Dst != nil && *s.Dst != w {
			return nil, fmt.Errorf("vrt source %s: %w: drawn at %v, georeferenced at %v",
				s.Path, ErrMisalignedGrid, *s.Dst, w)
		}
		footprints[i] = w
	}
	return footprints, nil
}
