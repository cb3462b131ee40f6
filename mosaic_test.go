package vrtbuffer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gridTiles(rows, cols, size int) []Tile {
	var tiles []Tile
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			t, _ := gridTile(r, c, size)
			t.Name = tileName(r, c)
			t.Path = "in/" + t.Name
			tiles = append(tiles, t)
		}
	}
	return tiles
}

func TestMosaicExtent(t *testing.T) {
	tiles := gridTiles(3, 3, 100)
	// construction order does not change the extent
	tiles[0], tiles[8] = tiles[8], tiles[0]
	m, err := NewMosaic(tiles)
	require.NoError(t, err)
	assert.Equal(t, 9, m.Len())
	assert.Equal(t, Extent{
		GeoTransform: GeoTransform{0, 1, 0, 0, 0, -1},
		Width:        300,
		Height:       300,
	}, m.Extent())
	assert.Equal(t, "r2c2.tif", m.Tiles()[0].Name)

	w, err := m.Footprint(tiles[5])
	require.NoError(t, err)
	assert.Equal(t, Window{X: 200, Y: 100, Width: 100, Height: 100}, w)
}

func TestMosaicWithHoles(t *testing.T) {
	// an L shaped mosaic: the bounding extent includes the missing tile
	tiles := gridTiles(2, 2, 10)
	m, err := NewMosaic(tiles[:3])
	require.NoError(t, err)
	assert.Equal(t, 20, m.Extent().Width)
	assert.Equal(t, 20, m.Extent().Height)
	assert.Empty(t, m.Locate(Window{X: 10, Y: 10, Width: 10, Height: 10}))
	assert.Empty(t, m.Locate(Window{X: -5, Y: -5, Width: 5, Height: 5}))
}

func TestLocate(t *testing.T) {
	tiles := gridTiles(3, 3, 100)
	m, err := NewMosaic(tiles)
	require.NoError(t, err)

	// padded window of the top left tile
	pieces := m.Locate(Window{X: -10, Y: -10, Width: 120, Height: 120})
	names := func(p Piece) string { return p.Tile.Name }
	exp := []Piece{
		{Tile: tiles[0], Src: Window{0, 0, 100, 100}, Dst: Window{10, 10, 100, 100}},
		{Tile: tiles[1], Src: Window{0, 0, 10, 100}, Dst: Window{110, 10, 10, 100}},
		{Tile: tiles[3], Src: Window{0, 0, 100, 10}, Dst: Window{10, 110, 100, 10}},
		{Tile: tiles[4], Src: Window{0, 0, 10, 10}, Dst: Window{110, 110, 10, 10}},
	}
	if diff := cmp.Diff(exp, pieces); diff != "" {
		t.Errorf("locate mismatch (-want +got):\n%s", diff)
	}

	pieces = m.Locate(Window{X: 90, Y: 90, Width: 120, Height: 120})
	require.Len(t, pieces, 9)
	assert.Equal(t, "r0c0.tif", names(pieces[0]))
	assert.Equal(t, Window{90, 90, 10, 10}, pieces[0].Src)
	assert.Equal(t, Window{0, 0, 10, 10}, pieces[0].Dst)
	assert.Equal(t, Window{0, 0, 100, 100}, pieces[4].Src)
	assert.Equal(t, Window{10, 10, 100, 100}, pieces[4].Dst)
	assert.Equal(t, Window{0, 0, 10, 10}, pieces[8].Src)
	assert.Equal(t, Window{110, 110, 10, 10}, pieces[8].Dst)
	area := 0
	for _, p := range pieces {
		area += p.Dst.Area()
	}
	assert.Equal(t, 120*120, area)
}

func TestLocateOverlap(t *testing.T) {
	tiles := gridTiles(1, 2, 10)
	over := tiles[0]
	over.Name = "over.tif"
	over.Extent = over.Extent.Shift(5, 0)
	m, err := NewMosaic([]Tile{tiles[0], tiles[1], over})
	require.NoError(t, err)
	pieces := m.Locate(Window{X: 0, Y: 0, Width: 20, Height: 10})
	require.Len(t, pieces, 3)
	// construction order is preserved so that the last one is drawn last
	assert.Equal(t, "over.tif", pieces[2].Tile.Name)
	assert.Equal(t, Window{5, 0, 10, 10}, pieces[2].Dst)
}

func TestMosaicErrors(t *testing.T) {
	_, err := NewMosaic(nil)
	assert.Error(t, err)

	tiles := gridTiles(1, 2, 10)
	shifted := tiles[1]
	shifted.GeoTransform[0] += 0.5
	_, err = NewMosaic([]Tile{tiles[0], shifted})
	assert.ErrorIs(t, err, ErrMisalignedGrid)

	coarse := tiles[1]
	coarse.GeoTransform[1] = 2
	_, err = NewMosaic([]Tile{tiles[0], coarse})
	assert.ErrorIs(t, err, ErrGeometry)

	rgb := tiles[1]
	rgb.Bands = 3
	_, err = NewMosaic([]Tile{tiles[0], rgb})
	assert.ErrorIs(t, err, ErrGeometry)

	other := tiles[1]
	other.Projection = "EPSG:4326"
	_, err = NewMosaic([]Tile{tiles[0], other})
	assert.ErrorIs(t, err, ErrGeometry)

	rotated := tiles[1]
	rotated.GeoTransform[4] = 0.01
	_, err = NewMosaic([]Tile{tiles[0], rotated})
	assert.ErrorIs(t, err, ErrGeometry)
}

func TestUncovered(t *testing.T) {
	m, err := NewMosaic(gridTiles(3, 3, 100))
	require.NoError(t, err)

	corner := Uncovered(120, 120, m.Locate(Window{X: -10, Y: -10, Width: 120, Height: 120}))
	assert.Equal(t, []Window{
		{X: 0, Y: 0, Width: 120, Height: 10},
		{X: 0, Y: 10, Width: 10, Height: 110},
	}, corner)

	edge := Uncovered(120, 120, m.Locate(Window{X: 190, Y: 90, Width: 120, Height: 120}))
	assert.Equal(t, []Window{{X: 110, Y: 0, Width: 10, Height: 120}}, edge)

	assert.Empty(t, Uncovered(120, 120, m.Locate(Window{X: 90, Y: 90, Width: 120, Height: 120})))
	assert.Equal(t, []Window{{Width: 7, Height: 3}}, Uncovered(7, 3, nil))

	// a hole in the middle
	ring := []Piece{
		{Dst: Window{0, 0, 30, 10}},
		{Dst: Window{0, 10, 10, 10}},
		{Dst: Window{20, 10, 10, 10}},
		{Dst: Window{0, 20, 30, 10}},
	}
	assert.Equal(t, []Window{{X: 10, Y: 10, Width: 10, Height: 10}}, Uncovered(30, 30, ring))
}
