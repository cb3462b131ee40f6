package vrtbuffer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
)

// memStore is an in-memory Store. Paths are slash separated.
type memStore struct {
	mu      sync.Mutex
	rasters map[string]*memRaster
	files   map[string][]byte
	// injected failures, by path
	failOpen  map[string]error
	failWrite map[string]error
	// outcome of every writer, by path: "closed" or "aborted"
	outcome map[string]string
}

type memRaster struct {
	tile  Tile
	bands [][]float64
}

func newMemStore() *memStore {
	return &memStore{
		rasters:   map[string]*memRaster{},
		files:     map[string][]byte{},
		failOpen:  map[string]error{},
		failWrite: map[string]error{},
		outcome:   map[string]string{},
	}
}

var errInjected = errors.New("injected failure")

func (s *memStore) put(p string, t Tile, bands ...[]float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.Path = p
	t.Name = baseName(p)
	s.rasters[p] = &memRaster{tile: t, bands: bands}
}

func (s *memStore) get(p string) (*memRaster, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rasters[p]
	return r, ok
}

func (s *memStore) List(ctx context.Context, dir string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := strings.TrimSuffix(dir, "/") + "/"
	var ret []string
	add := func(p string) {
		if strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], "/") {
			ret = append(ret, p)
		}
	}
	for p := range s.rasters {
		add(p)
	}
	for p := range s.files {
		add(p)
	}
	sort.Strings(ret)
	// unsorted listing, as a filesystem would
	for i, j := 0, len(ret)-1; i < j; i, j = i+1, j-1 {
		ret[i], ret[j] = ret[j], ret[i]
	}
	return ret, nil
}

func (s *memStore) Join(dir, name string) string {
	return strings.TrimSuffix(dir, "/") + "/" + name
}

func (s *memStore) ReadFile(ctx context.Context, p string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.files[p]
	if !ok {
		return nil, fmt.Errorf("%s: not found", p)
	}
	return d, nil
}

func (s *memStore) Probe(ctx context.Context, p string) (Tile, error) {
	r, ok := s.get(p)
	if !ok {
		return Tile{}, fmt.Errorf("%s: not found", p)
	}
	return r.tile, nil
}

func (s *memStore) Open(ctx context.Context, p string) (RasterReader, error) {
	s.mu.Lock()
	err := s.failOpen[p]
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	r, ok := s.get(p)
	if !ok {
		return nil, fmt.Errorf("%s: not found", p)
	}
	return memReader{r}, nil
}

func (s *memStore) Create(ctx context.Context, p string, t Tile) (RasterWriter, error) {
	t.Path = p
	t.Name = baseName(p)
	r := &memRaster{tile: t, bands: make([][]float64, t.Bands)}
	for b := range r.bands {
		r.bands[b] = make([]float64, t.Width*t.Height)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rasters[p] = r
	return &memWriter{s: s, path: p, r: r, err: s.failWrite[p]}, nil
}

func (s *memStore) Remove(ctx context.Context, p string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rasters, p)
	return nil
}

type memReader struct {
	r *memRaster
}

func (mr memReader) ReadBand(band int, w Window, buf []float64) error {
	t := mr.r.tile
	if band < 0 || band >= len(mr.r.bands) {
		return fmt.Errorf("invalid band %d", band)
	}
	if c, ok := Intersect(w, t.Bounds()); !ok || c != w {
		return fmt.Errorf("window %v outside of %dx%d raster", w, t.Width, t.Height)
	}
	if len(buf) != w.Area() {
		return fmt.Errorf("buffer of %d for window %v", len(buf), w)
	}
	for row := 0; row < w.Height; row++ {
		off := (w.Y+row)*t.Width + w.X
		copy(buf[row*w.Width:(row+1)*w.Width], mr.r.bands[band][off:off+w.Width])
	}
	return nil
}

func (mr memReader) Close() error { return nil }

type memWriter struct {
	s    *memStore
	path string
	r    *memRaster
	err  error
}

func (mw *memWriter) WriteBand(band int, w Window, buf []float64) error {
	if mw.err != nil {
		return mw.err
	}
	t := mw.r.tile
	if w != t.Bounds() {
		return fmt.Errorf("partial writes not supported")
	}
	copy(mw.r.bands[band], buf)
	return nil
}

func (mw *memWriter) Close() error {
	mw.s.mu.Lock()
	defer mw.s.mu.Unlock()
	mw.s.outcome[mw.path] = "closed"
	return nil
}

func (mw *memWriter) Abort() error {
	mw.s.mu.Lock()
	defer mw.s.mu.Unlock()
	mw.s.outcome[mw.path] = "aborted"
	return nil
}

// gridTile returns a size*size single band tile at row,col of a grid with 1.0
// pixels, whose pixels hold their global mosaic position as y*10000+x.
func gridTile(row, col, size int) (Tile, []float64) {
	t := Tile{
		Extent: Extent{
			GeoTransform: GeoTransform{float64(col * size), 1, 0, float64(-row * size), 0, -1},
			Width:        size,
			Height:       size,
		},
		Bands:      1,
		DataType:   Float32,
		NoData:     -1,
		HasNoData:  true,
		Projection: "EPSG:32631",
	}
	return t, gridValues(row*size, col*size, size, size)
}

func gridValues(y0, x0, w, h int) []float64 {
	data := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			data[y*w+x] = float64((y0+y)*10000 + x0 + x)
		}
	}
	return data
}

func tileName(row, col int) string {
	return fmt.Sprintf("r%dc%d.tif", row, col)
}

// newGrid fills dir with a rows*cols grid of size*size tiles
func newGrid(s *memStore, dir string, rows, cols, size int) {
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			t, data := gridTile(r, c, size)
			s.put(s.Join(dir, tileName(r, c)), t, data)
		}
	}
}

func mustRaster(t *testing.T, s *memStore, p string) *memRaster {
	t.Helper()
	r, ok := s.get(p)
	if !ok {
		t.Fatalf("%s not written", p)
	}
	return r
}
