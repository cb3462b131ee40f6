package vrtbuffer

import (
	"fmt"
	"sort"

	"github.com/google/hilbert"
)

// Ordering is the order in which tiles are handed to the worker pool.
type Ordering int

const (
	// Hilbert schedules tiles along a Hilbert curve over their mosaic
	// position, so that concurrently running tasks read neighbouring tiles
	// and source blocks stay warm in the raster cache.
	Hilbert Ordering = iota
	// RowMajor schedules tiles top to bottom, left to right.
	RowMajor
)

func (o Ordering) String() string {
	switch o {
	case Hilbert:
		return "hilbert"
	case RowMajor:
		return "rowmajor"
	default:
		return fmt.Sprintf("Ordering(%d)", int(o))
	}
}

// ParseOrdering is the inverse of Ordering.String
func ParseOrdering(s string) (Ordering, error) {
	switch s {
	case "hilbert":
		return Hilbert, nil
	case "rowmajor":
		return RowMajor, nil
	}
	return 0, ErrInvalidOption{fmt.Sprintf("unknown ordering %q", s)}
}

type scheduled struct {
	tile   Tile
	window Window
	key    int
}

// schedule sorts tiles for execution. Ties (and every tile in RowMajor mode)
// are broken by mosaic position then name, so the order is fully determined
// by the inputs.
func schedule(tiles []Tile, m *Mosaic, order Ordering) ([]Tile, error) {
	items := make([]scheduled, len(tiles))
	for i, t := range tiles {
		w, err := m.Footprint(t)
		if err != nil {
			return nil, fmt.Errorf("tile %s: %w", t.Name, err)
		}
		items[i] = scheduled{tile: t, window: w}
	}
	if order == Hilbert && len(items) > 1 {
		if err := hilbertKeys(items, m.Extent()); err != nil {
			return nil, err
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.key != b.key {
			return a.key < b.key
		}
		if a.window.Y != b.window.Y {
			return a.window.Y < b.window.Y
		}
		if a.window.X != b.window.X {
			return a.window.X < b.window.X
		}
		return a.tile.Name < b.tile.Name
	})
	ret := make([]Tile, len(items))
	for i := range items {
		ret[i] = items[i].tile
	}
	return ret, nil
}

// hilbertKeys maps tile centers onto a curve covering the mosaic, expressed in
// units of the largest tile so that the curve stays small.
func hilbertKeys(items []scheduled, mosaic Extent) error {
	cw, ch := 1, 1
	for _, it := range items {
		cw = max(cw, it.window.Width)
		ch = max(ch, it.window.Height)
	}
	cols := (mosaic.Width + cw - 1) / cw
	rows := (mosaic.Height + ch - 1) / ch
	n := 1
	for n < cols || n < rows {
		n <<= 1
	}
	h, err := hilbert.NewHilbert(n)
	if err != nil {
		return fmt.Errorf("hilbert curve of size %d: %w", n, err)
	}
	clamp := func(v int) int {
		return min(max(v, 0), n-1)
	}
	for i := range items {
		w := items[i].window
		x := clamp((w.X + w.Width/2) / cw)
		y := clamp((w.Y + w.Height/2) / ch)
		items[i].key, err = h.MapInverse(x, y)
		if err != nil {
			return fmt.Errorf("hilbert index of %d,%d: %w", x, y, err)
		}
	}
	return nil
}
