// Package gdalio implements vrtbuffer.Store on top of GDAL through godal.
//
// Local paths are read and written in place. gs:// paths are read through
// the osio VSI handler installed by RegisterGCS, listed with the storage
// client, and written to a local temporary file uploaded on Close.
package gdalio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/vrtbuffer"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
)

// Store reads and writes rasters with GDAL.
type Store struct {
	gcs        *storage.Client
	copts      []string
	configOpts []string
	tmpDir     string
}

type Option func(s *Store)

// GCSClient enables gs:// listing, reading of plain files and uploads.
func GCSClient(cl *storage.Client) Option {
	return func(s *Store) {
		s.gcs = cl
	}
}

// CreationOptions are the GTiff creation options (KEY=VALUE) used for every
// output, e.g. COMPRESS=DEFLATE or TILED=YES.
func CreationOptions(co ...string) Option {
	return func(s *Store) {
		s.copts = append(s.copts, co...)
	}
}

// ConfigOptions are GDAL configuration options (KEY=VALUE) applied when
// opening datasets.
func ConfigOptions(co ...string) Option {
	return func(s *Store) {
		s.configOpts = append(s.configOpts, co...)
	}
}

// TempDir sets where gs:// outputs are staged before upload. Defaults to
// os.TempDir()
func TempDir(dir string) Option {
	return func(s *Store) {
		s.tmpDir = dir
	}
}

func New(opts ...Option) *Store {
	s := &Store{}
	for _, o := range opts {
		o(s)
	}
	if s.tmpDir == "" {
		s.tmpDir = os.TempDir()
	}
	return s
}

func isRemote(path string) bool {
	return strings.HasPrefix(path, "gs://")
}

// splitGS returns the bucket and object of a gs://bucket/object url.
func splitGS(path string) (bucket, object string, err error) {
	if !isRemote(path) {
		return "", "", fmt.Errorf("%s is not a gs:// url", path)
	}
	rest := strings.TrimPrefix(path, "gs://")
	idx := strings.Index(rest, "/")
	if idx <= 0 {
		return rest, "", nil
	}
	return rest[:idx], rest[idx+1:], nil
}

func (s *Store) object(path string) (*storage.ObjectHandle, error) {
	if s.gcs == nil {
		return nil, fmt.Errorf("%s: no gcs client configured", path)
	}
	bucket, object, err := splitGS(path)
	if err != nil {
		return nil, err
	}
	if bucket == "" || object == "" {
		return nil, fmt.Errorf("invalid object url %s", path)
	}
	return s.gcs.Bucket(bucket).Object(object), nil
}

func (s *Store) List(ctx context.Context, dir string) ([]string, error) {
	if !isRemote(dir) {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, err
		}
		var ret []string
		for _, e := range entries {
			if !e.IsDir() {
				ret = append(ret, filepath.Join(dir, e.Name()))
			}
		}
		return ret, nil
	}
	if s.gcs == nil {
		return nil, fmt.Errorf("%s: no gcs client configured", dir)
	}
	bucket, prefix, err := splitGS(dir)
	if err != nil {
		return nil, err
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	it := s.gcs.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})
	var ret []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list gs://%s/%s: %w", bucket, prefix, err)
		}
		if attrs.Name == "" || strings.HasSuffix(attrs.Name, "/") {
			// sub-"directory" placeholders
			continue
		}
		ret = append(ret, "gs://"+bucket+"/"+attrs.Name)
	}
	sort.Strings(ret)
	return ret, nil
}

func (s *Store) Join(dir, name string) string {
	if isRemote(dir) {
		return strings.TrimSuffix(dir, "/") + "/" + name
	}
	return filepath.Join(dir, name)
}

func (s *Store) ReadFile(ctx context.Context, path string) ([]byte, error) {
	if !isRemote(path) {
		return os.ReadFile(path)
	}
	obj, err := s.object(path)
	if err != nil {
		return nil, err
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (s *Store) open(path string) (*godal.Dataset, error) {
	ds, err := godal.Open(path, godal.RasterOnly(), godal.ConfigOption(s.configOpts...))
	if err != nil {
		return nil, fmt.Errorf("godal.open %s: %w", path, err)
	}
	return ds, nil
}

// Probe reads the georeferencing and band layout of path. The nodata value
// of the first band is used for the whole raster.
func (s *Store) Probe(ctx context.Context, path string) (vrtbuffer.Tile, error) {
	ds, err := s.open(path)
	if err != nil {
		return vrtbuffer.Tile{}, err
	}
	defer ds.Close()
	str := ds.Structure()
	gt, err := ds.GeoTransform()
	if err != nil {
		return vrtbuffer.Tile{}, fmt.Errorf("%s: %w: no geotransform: %v", path, vrtbuffer.ErrGeometry, err)
	}
	dt, err := fromGDAL(str.DataType)
	if err != nil {
		return vrtbuffer.Tile{}, fmt.Errorf("%s: %w", path, err)
	}
	t := vrtbuffer.Tile{
		Path: path,
		Extent: vrtbuffer.Extent{
			GeoTransform: vrtbuffer.GeoTransform(gt),
			Width:        str.SizeX,
			Height:       str.SizeY,
		},
		Bands:      str.NBands,
		DataType:   dt,
		Projection: ds.Projection(),
	}
	if bands := ds.Bands(); len(bands) > 0 {
		t.NoData, t.HasNoData = bands[0].NoData()
	}
	return t, nil
}

type reader struct {
	path string
	ds   *godal.Dataset
}

func (s *Store) Open(ctx context.Context, path string) (vrtbuffer.RasterReader, error) {
	ds, err := s.open(path)
	if err != nil {
		return nil, err
	}
	return &reader{path: path, ds: ds}, nil
}

func (r *reader) ReadBand(band int, w vrtbuffer.Window, buf []float64) error {
	bands := r.ds.Bands()
	if band < 0 || band >= len(bands) {
		return fmt.Errorf("%s: no band %d", r.path, band+1)
	}
	return bands[band].Read(w.X, w.Y, buf, w.Width, w.Height)
}

func (r *reader) Close() error {
	return r.ds.Close()
}

type writer struct {
	s      *Store
	ctx    context.Context
	ds     *godal.Dataset
	local  string
	remote string
}

// Create creates a GTiff at path. Parent directories of local paths are
// created as needed.
func (s *Store) Create(ctx context.Context, path string, t vrtbuffer.Tile) (vrtbuffer.RasterWriter, error) {
	dt, err := toGDAL(t.DataType)
	if err != nil {
		return nil, err
	}
	w := &writer{s: s, ctx: ctx, local: path}
	if isRemote(path) {
		if _, err := s.object(path); err != nil {
			return nil, err
		}
		w.remote = path
		w.local = filepath.Join(s.tmpDir, "vrtbuffer-"+uuid.New().String()+".tif")
	} else if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	w.ds, err = godal.Create(godal.GTiff, w.local, t.Bands, dt, t.Width, t.Height,
		godal.CreationOption(s.copts...))
	if err != nil {
		return nil, fmt.Errorf("godal.create %s: %w", path, err)
	}
	if err := w.setup(t); err != nil {
		_ = w.ds.Close()
		_ = os.Remove(w.local)
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return w, nil
}

func (w *writer) setup(t vrtbuffer.Tile) error {
	if err := w.ds.SetGeoTransform([6]float64(t.GeoTransform)); err != nil {
		return fmt.Errorf("set geotransform: %w", err)
	}
	if t.Projection != "" {
		if err := w.ds.SetProjection(t.Projection); err != nil {
			return fmt.Errorf("set projection: %w", err)
		}
	}
	if t.HasNoData {
		for _, b := range w.ds.Bands() {
			if err := b.SetNoData(t.NoData); err != nil {
				return fmt.Errorf("set nodata: %w", err)
			}
		}
	}
	return nil
}

func (w *writer) WriteBand(band int, win vrtbuffer.Window, buf []float64) error {
	bands := w.ds.Bands()
	if band < 0 || band >= len(bands) {
		return fmt.Errorf("%s: no band %d", w.local, band+1)
	}
	return bands[band].Write(win.X, win.Y, buf, win.Width, win.Height)
}

// Close flushes the dataset, and uploads it for gs:// outputs.
func (w *writer) Close() error {
	if err := w.ds.Close(); err != nil {
		return fmt.Errorf("godal.close %s: %w", w.local, err)
	}
	if w.remote == "" {
		return nil
	}
	defer os.Remove(w.local)
	return w.s.upload(w.ctx, w.local, w.remote)
}

// Abort closes the dataset and discards it. Nothing is uploaded for gs://
// outputs.
func (w *writer) Abort() error {
	err := w.ds.Close()
	if w.remote != "" {
		if rerr := os.Remove(w.local); rerr != nil && err == nil {
			err = rerr
		}
	}
	if err != nil {
		return fmt.Errorf("abort %s: %w", w.local, err)
	}
	return nil
}

func (s *Store) upload(ctx context.Context, local, remote string) error {
	obj, err := s.object(remote)
	if err != nil {
		return err
	}
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer f.Close()
	ow := obj.NewWriter(ctx)
	if _, err := io.Copy(ow, f); err != nil {
		_ = ow.Close()
		return fmt.Errorf("upload %s: %w", remote, err)
	}
	if err := ow.Close(); err != nil {
		return fmt.Errorf("upload %s: %w", remote, err)
	}
	vrtbuffer.Logger(ctx).Debug("uploaded", zap.String("path", remote))
	return nil
}

func (s *Store) Remove(ctx context.Context, path string) error {
	if !isRemote(path) {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	}
	obj, err := s.object(path)
	if err != nil {
		return err
	}
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return err
	}
	return nil
}

func fromGDAL(dt godal.DataType) (vrtbuffer.DataType, error) {
	switch dt {
	case godal.Byte:
		return vrtbuffer.Byte, nil
	case godal.UInt16:
		return vrtbuffer.UInt16, nil
	case godal.Int16:
		return vrtbuffer.Int16, nil
	case godal.UInt32:
		return vrtbuffer.UInt32, nil
	case godal.Int32:
		return vrtbuffer.Int32, nil
	case godal.Float32:
		return vrtbuffer.Float32, nil
	case godal.Float64:
		return vrtbuffer.Float64, nil
	default:
		return vrtbuffer.Unknown, fmt.Errorf("unsupported data type %v", dt)
	}
}

func toGDAL(dt vrtbuffer.DataType) (godal.DataType, error) {
	switch dt {
	case vrtbuffer.Byte:
		return godal.Byte, nil
	case vrtbuffer.UInt16:
		return godal.UInt16, nil
	case vrtbuffer.Int16:
		return godal.Int16, nil
	case vrtbuffer.UInt32:
		return godal.UInt32, nil
	case vrtbuffer.Int32:
		return godal.Int32, nil
	case vrtbuffer.Float32:
		return godal.Float32, nil
	case vrtbuffer.Float64:
		return godal.Float64, nil
	default:
		return godal.Unknown, fmt.Errorf("unsupported data type %v", dt)
	}
}

var _ vrtbuffer.Store = (*Store)(nil)
