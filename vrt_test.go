package vrtbuffer

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoBandVRT = `<VRTDataset rasterXSize="512" rasterYSize="256">
  <SRS dataAxisToSRSAxisMapping="1,2">PROJCS["WGS 84 / UTM zone 31N"]</SRS>
  <GeoTransform>  4.4072000000000000e+05,  6.0000000000000000e+01,  0.0000000000000000e+00,  3.7513200000000000e+06,  0.0000000000000000e+00, -6.0000000000000000e+01</GeoTransform>
  <VRTRasterBand dataType="UInt16" band="1">
    <NoDataValue>0</NoDataValue>
    <ColorInterp>Gray</ColorInterp>
    <SimpleSource>
      <SourceFilename relativeToVRT="1">tiles/a.tif</SourceFilename>
      <SourceBand>1</SourceBand>
      <SrcRect xOff="0" yOff="0" xSize="256" ySize="256" />
      <DstRect xOff="0" yOff="0" xSize="256" ySize="256" />
    </SimpleSource>
    <ComplexSource>
      <SourceFilename relativeToVRT="0">/data/b.tif</SourceFilename>
      <SourceBand>1</SourceBand>
      <DstRect xOff="256" yOff="0" xSize="256" ySize="256" />
      <NODATA>0</NODATA>
    </ComplexSource>
  </VRTRasterBand>
  <VRTRasterBand dataType="UInt16" band="2">
    <SimpleSource>
      <SourceFilename relativeToVRT="1">tiles/a.tif</SourceFilename>
      <SourceBand>2</SourceBand>
    </SimpleSource>
    <SimpleSource>
      <SourceFilename relativeToVRT="0">/data/b.tif</SourceFilename>
      <SourceBand>2</SourceBand>
    </SimpleSource>
  </VRTRasterBand>
</VRTDataset>`

func TestParseVRT(t *testing.T) {
	ref, err := ParseVRT([]byte(twoBandVRT), "/mosaics/m.vrt")
	require.NoError(t, err)
	assert.Equal(t, Extent{
		GeoTransform: GeoTransform{440720, 60, 0, 3751320, 0, -60},
		Width:        512,
		Height:       256,
	}, ref.Extent)
	assert.Equal(t, `PROJCS["WGS 84 / UTM zone 31N"]`, ref.Projection)
	exp := []Source{
		{Path: "/mosaics/tiles/a.tif", Dst: &Window{0, 0, 256, 256}},
		{Path: "/data/b.tif", Dst: &Window{256, 0, 256, 256}},
	}
	if diff := cmp.Diff(exp, ref.Sources); diff != "" {
		t.Errorf("sources mismatch (-want +got):\n%s", diff)
	}
}

func TestParseVRTRemote(t *testing.T) {
	ref, err := ParseVRT([]byte(twoBandVRT), "gs://bucket/mosaics/m.vrt")
	require.NoError(t, err)
	assert.Equal(t, "gs://bucket/mosaics/tiles/a.tif", ref.Sources[0].Path)

	rel := `<VRTDataset rasterXSize="1" rasterYSize="1"><GeoTransform>0,1,0,0,0,-1</GeoTransform>
<VRTRasterBand band="1"><SimpleSource><SourceFilename relativeToVRT="1">../x.tif</SourceFilename></SimpleSource></VRTRasterBand>
</VRTDataset>`
	ref, err = ParseVRT([]byte(rel), "gs://bucket/mosaics/m.vrt")
	require.NoError(t, err)
	assert.Equal(t, "gs://bucket/x.tif", ref.Sources[0].Path)
	assert.Nil(t, ref.Sources[0].Dst)
}

func TestParseVRTErrors(t *testing.T) {
	_, err := ParseVRT([]byte("<notxml"), "a.vrt")
	assert.Error(t, err)

	_, err = ParseVRT([]byte(`<VRTDataset rasterXSize="1" rasterYSize="1"><GeoTransform>0,1,0</GeoTransform></VRTDataset>`), "a.vrt")
	assert.ErrorIs(t, err, ErrGeometry)

	_, err = ParseVRT([]byte(`<VRTDataset rasterXSize="1" rasterYSize="1"><GeoTransform>0,1,0.5,0,0,-1</GeoTransform>
<VRTRasterBand band="1"><SimpleSource><SourceFilename>x.tif</SourceFilename></SimpleSource></VRTRasterBand></VRTDataset>`), "a.vrt")
	assert.ErrorIs(t, err, ErrGeometry)

	_, err = ParseVRT([]byte(`<VRTDataset rasterXSize="1" rasterYSize="1"><GeoTransform>0,1,0,0,0,-1</GeoTransform>
<VRTRasterBand band="1"></VRTRasterBand></VRTDataset>`), "a.vrt")
	assert.Error(t, err)

	_, err = ParseVRT([]byte(`<VRTDataset rasterXSize="1" rasterYSize="1"><GeoTransform>0,1,0,0,0,-1</GeoTransform>
<VRTRasterBand band="1"><SimpleSource></SimpleSource></VRTRasterBand></VRTDataset>`), "a.vrt")
	assert.Error(t, err)
}

func TestCheckPlacement(t *testing.T) {
	ref, err := ParseVRT([]byte(twoBandVRT), "/mosaics/m.vrt")
	require.NoError(t, err)
	a := Tile{Name: "a.tif", Extent: Extent{GeoTransform: ref.GeoTransform, Width: 256, Height: 256}, Bands: 2}
	b := a
	b.Name = "b.tif"
	b.Extent = a.Extent.Shift(256, 0)
	footprints, err := ref.checkPlacement([]Tile{a, b})
	require.NoError(t, err)
	assert.Equal(t, []Window{{Width: 256, Height: 256}, {X: 256, Width: 256, Height: 256}}, footprints)
	_, err = ref.checkPlacement([]Tile{b, a})
	assert.ErrorIs(t, err, ErrMisalignedGrid)

	b.GeoTransform[1] = 30
	_, err = ref.checkPlacement([]Tile{a, b})
	assert.ErrorIs(t, err, ErrGeometry)
}
