package vrtbuffer

import (
	"fmt"
	"sort"
)

// A Mosaic is the union of a set of tiles sharing a pixel grid, seen as a
// single raster. It only holds geometry and never touches pixels.
//
// Tiles keep the order they were given in (construction order). Where tiles
// overlap, the one given last wins, as with a VRT whose later sources are
// drawn over earlier ones. A Mosaic is immutable once built and may be shared
// between goroutines.
type Mosaic struct {
	extent  Extent
	entries []mosaicEntry
}

type mosaicEntry struct {
	tile   Tile
	window Window // footprint in mosaic pixel space
}

// A Piece is the part of a tile intersecting a queried window.
type Piece struct {
	Tile Tile
	// Src is the intersection in the tile's pixel space
	Src Window
	// Dst is the intersection relative to the queried window, i.e. Dst.X==0
	// is the first column of the query
	Dst Window
}

// NewMosaic indexes tiles. All tiles must share the pixel size (ErrGeometry),
// band count and projection, and lie on a common pixel grid
// (ErrMisalignedGrid).
func NewMosaic(tiles []Tile) (*Mosaic, error) {
	if len(tiles) == 0 {
		return nil, fmt.Errorf("cannot build a mosaic from 0 tiles")
	}
	ref := tiles[0]
	offsets := make([][2]int, len(tiles))
	minX, minY := 0, 0
	maxX, maxY := 0, 0
	for i, t := range tiles {
		if err := t.Extent.Validate(); err != nil {
			return nil, fmt.Errorf("tile %s: %w", t.Name, err)
		}
		if t.Bands != ref.Bands {
			return nil, fmt.Errorf("tile %s: %w: %d bands, %s has %d", t.Name, ErrGeometry,
				t.Bands, ref.Name, ref.Bands)
		}
		if t.Projection != "" && ref.Projection != "" && t.Projection != ref.Projection {
			return nil, fmt.Errorf("tile %s: %w: projection differs from %s", t.Name, ErrGeometry, ref.Name)
		}
		dx, dy, err := PixelOffset(t.Extent, ref.Extent)
		if err != nil {
			return nil, fmt.Errorf("tile %s: %w", t.Name, err)
		}
		offsets[i] = [2]int{dx, dy}
		if i == 0 || dx < minX {
			minX = dx
		}
		if i == 0 || dy < minY {
			minY = dy
		}
		if i == 0 || dx+t.Width > maxX {
			maxX = dx + t.Width
		}
		if i == 0 || dy+t.Height > maxY {
			maxY = dy + t.Height
		}
	}
	m := &Mosaic{
		extent:  ref.Extent.Shift(minX, minY),
		entries: make([]mosaicEntry, len(tiles)),
	}
	m.extent.Width = maxX - minX
	m.extent.Height = maxY - minY
	for i, t := range tiles {
		m.entries[i] = mosaicEntry{
			tile: t,
			window: Window{
				X:      offsets[i][0] - minX,
				Y:      offsets[i][1] - minY,
				Width:  t.Width,
				Height: t.Height,
			},
		}
	}
	return m, nil
}

// Extent is the bounding extent of all tiles.
func (m *Mosaic) Extent() Extent {
	return m.extent
}

func (m *Mosaic) Len() int {
	return len(m.entries)
}

// Tiles returns the tiles in construction order.
func (m *Mosaic) Tiles() []Tile {
	ret := make([]Tile, len(m.entries))
	for i, e := range m.entries {
		ret[i] = e.tile
	}
	return ret
}

// Footprint returns the window covered by t in mosaic pixel space. t does not
// need to be part of the mosaic, only to share its grid.
func (m *Mosaic) Footprint(t Tile) (Window, error) {
	return TranslateWindow(t.Bounds(), t.Extent, m.extent)
}

// Locate returns the pieces of every tile overlapping w (in mosaic pixel
// space), in construction order. Areas of w covered by no piece have no
// source. Applying the pieces in order yields the last-writer-wins overlap
// semantics.
func (m *Mosaic) Locate(w Window) []Piece {
	var pieces []Piece
	for _, e := range m.entries {
		iw, ok := Intersect(w, e.window)
		if !ok {
			continue
		}
		pieces = append(pieces, Piece{
			Tile: e.tile,
			Src:  iw.Offset(-e.window.X, -e.window.Y),
			Dst:  iw.Offset(-w.X, -w.Y),
		})
	}
	return pieces
}

// Uncovered returns the parts of the width*height frame not covered by the
// Dst window of any piece, as disjoint windows sorted top to bottom then left
// to right.
func Uncovered(width, height int, pieces []Piece) []Window {
	frame := Window{Width: width, Height: height}
	xs := []int{0, width}
	ys := []int{0, height}
	var rects []Window
	for _, p := range pieces {
		r, ok := Intersect(p.Dst, frame)
		if !ok {
			continue
		}
		rects = append(rects, r)
		xs = append(xs, r.X, r.X+r.Width)
		ys = append(ys, r.Y, r.Y+r.Height)
	}
	xs = uniqueSorted(xs)
	ys = uniqueSorted(ys)

	covered := func(x, y int) bool {
		for _, r := range rects {
			if x >= r.X && x < r.X+r.Width && y >= r.Y && y < r.Y+r.Height {
				return true
			}
		}
		return false
	}

	var ret []Window
	// horizontal runs that may still grow downwards, keyed by x,width
	open := map[[2]int]int{}
	for j := 0; j < len(ys)-1; j++ {
		y0, y1 := ys[j], ys[j+1]
		next := map[[2]int]int{}
		for i := 0; i < len(xs)-1; i++ {
			if covered(xs[i], y0) {
				continue
			}
			x0 := xs[i]
			for i+1 < len(xs)-1 && !covered(xs[i+1], y0) {
				i++
			}
			key := [2]int{x0, xs[i+1] - x0}
			if idx, ok := open[key]; ok {
				ret[idx].Height += y1 - y0
				next[key] = idx
				continue
			}
			ret = append(ret, Window{X: x0, Y: y0, Width: key[1], Height: y1 - y0})
			next[key] = len(ret) - 1
		}
		open = next
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].Y != ret[j].Y {
			return ret[i].Y < ret[j].Y
		}
		return ret[i].X < ret[j].X
	})
	return ret
}

func uniqueSorted(v []int) []int {
	sort.Ints(v)
	ret := v[:0]
	for i, x := range v {
		if i == 0 || x != v[i-1] {
			ret = append(ret, x)
		}
	}
	return ret
}
