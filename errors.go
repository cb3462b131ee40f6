package vrtbuffer

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"go.uber.org/multierr"
)

var (
	// ErrGeometry flags unsupported or inconsistent georeferencing: mixed
	// resolutions, rotated geotransforms, mixed band layouts.
	ErrGeometry = errors.New("geometry error")
	// ErrMisalignedGrid flags tiles whose origins do not fall on a common
	// pixel grid.
	ErrMisalignedGrid = errors.New("misaligned grid")
	// ErrDimensionMismatch flags a padded raster whose size or position is
	// not that of its original tile grown by the margin.
	ErrDimensionMismatch = errors.New("dimension mismatch")
)

type ErrInvalidOption struct {
	msg string
}

func (err ErrInvalidOption) Error() string {
	return err.msg
}

// TileError is a failure attached to a single tile.
type TileError struct {
	Tile string
	Path string
	Op   string
	Err  error
}

func (err *TileError) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", err.Op, err.Tile, err.Path, err.Err)
}

func (err *TileError) Unwrap() error {
	return err.Err
}

// Kind classifies the underlying error: geometry, alignment, dimension, or io
// for everything else.
func (err *TileError) Kind() string {
	switch {
	case errors.Is(err.Err, ErrMisalignedGrid):
		return "alignment"
	case errors.Is(err.Err, ErrGeometry):
		return "geometry"
	case errors.Is(err.Err, ErrDimensionMismatch):
		return "dimension"
	default:
		return "io"
	}
}

// fatal errors invalidate the whole tile set and abort a run
func fatal(err error) bool {
	return errors.Is(err, ErrGeometry) || errors.Is(err, ErrMisalignedGrid)
}

// A Report collects the outcome of every tile processed by a run. It is safe
// for concurrent use.
type Report struct {
	mu        sync.Mutex
	Succeeded []string
	Failed    []*TileError
}

func (r *Report) success(tile string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Succeeded = append(r.Succeeded, tile)
}

func (r *Report) failure(err *TileError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failed = append(r.Failed, err)
}

func (r *Report) sort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.Strings(r.Succeeded)
	sort.Slice(r.Failed, func(i, j int) bool {
		return r.Failed[i].Tile < r.Failed[j].Tile
	})
}

// Err combines all tile failures, or returns nil if every tile succeeded.
func (r *Report) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	for _, f := range r.Failed {
		err = multierr.Append(err, f)
	}
	return err
}

// WriteSummary prints one line per failed tile followed by the totals.
func (r *Report) WriteSummary(w io.Writer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.Failed {
		if _, err := fmt.Fprintf(w, "FAILED %s [%s]: %v\n", f.Tile, f.Kind(), f.Err); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "%d tiles succeeded, %d failed\n", len(r.Succeeded), len(r.Failed))
	return err
}
