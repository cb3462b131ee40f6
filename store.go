package vrtbuffer

import (
	"context"
	"fmt"
	"math"
)

// DataType is the pixel type of a raster band.
type DataType int

const (
	Unknown DataType = iota
	Byte
	UInt16
	Int16
	UInt32
	Int32
	Float32
	Float64
)

func (dt DataType) String() string {
	switch dt {
	case Byte:
		return "Byte"
	case UInt16:
		return "UInt16"
	case Int16:
		return "Int16"
	case UInt32:
		return "UInt32"
	case Int32:
		return "Int32"
	case Float32:
		return "Float32"
	case Float64:
		return "Float64"
	default:
		return fmt.Sprintf("DataType(%d)", int(dt))
	}
}

// DefaultNoData is the fill value used for tiles declaring no nodata value
// when no FillValue option is given: the largest value for unsigned types,
// -9999 otherwise.
func (dt DataType) DefaultNoData() float64 {
	switch dt {
	case Byte:
		return math.MaxUint8
	case UInt16:
		return math.MaxUint16
	case UInt32:
		return math.MaxUint32
	default:
		return -9999
	}
}

// A Tile is the metadata of a single raster file. Tiles are read once per run
// and never modified.
type Tile struct {
	// Name identifies the tile across input, padded and trimmed directories
	// (its base file name).
	Name string
	Path string
	Extent
	Bands      int
	DataType   DataType
	NoData     float64
	HasNoData  bool
	Projection string
}

// Store is the raster I/O collaborator: directory listing, metadata probing
// and band-level pixel access. Band indexes are 0-based. Buffers are
// row-major float64 slices of exactly Width*Height values.
type Store interface {
	// List returns the full paths of the files contained in dir.
	List(ctx context.Context, dir string) ([]string, error)
	// Join returns the path of name inside dir.
	Join(dir, name string) string
	ReadFile(ctx context.Context, path string) ([]byte, error)
	Probe(ctx context.Context, path string) (Tile, error)
	Open(ctx context.Context, path string) (RasterReader, error)
	// Create creates a raster at path with the size, georeferencing, band
	// layout and nodata of t.
	Create(ctx context.Context, path string, t Tile) (RasterWriter, error)
	Remove(ctx context.Context, path string) error
}

type RasterReader interface {
	ReadBand(band int, w Window, buf []float64) error
	Close() error
}

// A RasterWriter is committed by Close. Abort releases it instead, without
// publishing anything at its path.
type RasterWriter interface {
	WriteBand(band int, w Window, buf []float64) error
	Close() error
	Abort() error
}
