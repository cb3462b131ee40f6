package vrtbuffer

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestTileErrorKind(t *testing.T) {
	cases := map[error]string{
		fmt.Errorf("x: %w", ErrMisalignedGrid):    "alignment",
		fmt.Errorf("x: %w", ErrGeometry):          "geometry",
		fmt.Errorf("x: %w", ErrDimensionMismatch): "dimension",
		errInjected:                               "io",
	}
	for err, kind := range cases {
		te := &TileError{Tile: "a.tif", Path: "out/a.tif", Op: "pad", Err: err}
		assert.Equal(t, kind, te.Kind())
		assert.ErrorIs(t, te, err)
	}
	assert.True(t, fatal(fmt.Errorf("x: %w", ErrGeometry)))
	assert.False(t, fatal(ErrDimensionMismatch))
}

func TestReport(t *testing.T) {
	r := &Report{}
	assert.NoError(t, r.Err())
	r.success("b.tif")
	r.success("a.tif")
	r.failure(&TileError{Tile: "d.tif", Path: "out/d.tif", Op: "crop", Err: ErrDimensionMismatch})
	r.failure(&TileError{Tile: "c.tif", Path: "out/c.tif", Op: "pad", Err: errInjected})
	r.sort()
	assert.Equal(t, []string{"a.tif", "b.tif"}, r.Succeeded)

	err := r.Err()
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	buf := bytes.Buffer{}
	require.NoError(t, r.WriteSummary(&buf))
	assert.Equal(t, "FAILED c.tif [io]: injected failure\n"+
		"FAILED d.tif [dimension]: dimension mismatch\n"+
		"2 tiles succeeded, 2 failed\n", buf.String())
}

func TestOptions(t *testing.T) {
	c, err := newConfig()
	require.NoError(t, err)
	assert.True(t, c.workers >= 1)
	assert.Equal(t, Hilbert, c.order)
	assert.True(t, c.isTile("A.TIF"))
	assert.True(t, c.isTile("b.tiff"))
	assert.False(t, c.isTile("c.vrt"))
	assert.True(t, c.selected("anything"))

	c, err = newConfig(Extensions("img", ".JP2"), Only("x.img"))
	require.NoError(t, err)
	assert.True(t, c.isTile("x.IMG"))
	assert.True(t, c.isTile("y.jp2"))
	assert.False(t, c.isTile("z.tif"))
	assert.True(t, c.selected("x.img"))
	assert.False(t, c.selected("y.jp2"))

	_, err = newConfig(Workers(0))
	assert.Error(t, err)
	_, err = newConfig(Extensions())
	assert.Error(t, err)
	_, err = newConfig(Only(""))
	assert.Error(t, err)

	nd := Tile{DataType: UInt16}
	assert.Equal(t, 65535.0, c.fillValue(nd))
	c, _ = newConfig(FillValue(3))
	assert.Equal(t, 3.0, c.fillValue(nd))
	nd.HasNoData = true
	assert.Equal(t, 0.0, c.fillValue(nd))
	assert.Equal(t, -9999.0, Float32.DefaultNoData())
	assert.Equal(t, "Int16", Int16.String())
}
