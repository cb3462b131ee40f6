package gdalio

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"cloud.google.com/go/storage"
	"github.com/airbusgeo/godal"
	"github.com/airbusgeo/osio"
	"github.com/airbusgeo/osio/gcs"
	"github.com/google/uuid"
	"github.com/tbonfort/gobs"
)

// RegisterGCS makes gs:// urls readable by GDAL, through a block cache of
// numBlocks blocks of blockSize (e.g. "512k").
func RegisterGCS(ctx context.Context, cl *storage.Client, blockSize string, numBlocks int) error {
	gcsh, err := gcs.Handle(ctx, gcs.GCSClient(cl))
	if err != nil {
		return fmt.Errorf("gcs.handle: %w", err)
	}
	gcsa, err := osio.NewAdapter(gcsh, osio.BlockSize(blockSize), osio.NumCachedBlocks(numBlocks))
	if err != nil {
		return fmt.Errorf("osio.new: %w", err)
	}
	if err := godal.RegisterVSIHandler("gs://", gcsa); err != nil {
		return fmt.Errorf("register osio: %w", err)
	}
	return nil
}

// preload opens every dataset once, in parallel, so that their headers are
// in the block cache before GDAL scans them sequentially.
func (s *Store) preload(datasets []string, parallelism int) error {
	pool := gobs.NewPool(parallelism)
	batch := pool.Batch()
	for _, dsn := range datasets {
		dsn := dsn
		batch.Submit(func() error {
			ds, err := s.open(dsn)
			if err != nil {
				return err
			}
			return ds.Close()
		})
	}
	return batch.Wait()
}

// BuildVRT writes to dst a VRT mosaic of srcs, drawn in the given order.
// Source paths are written relative to the VRT when possible.
func (s *Store) BuildVRT(ctx context.Context, dst string, srcs []string, parallelism int) error {
	if len(srcs) == 0 {
		return fmt.Errorf("no source for %s", dst)
	}
	if parallelism < 1 {
		parallelism = 1
	}
	if err := s.preload(srcs, parallelism); err != nil {
		return err
	}
	local := dst
	if isRemote(dst) {
		if _, err := s.object(dst); err != nil {
			return err
		}
		local = filepath.Join(s.tmpDir, "vrtbuffer-"+uuid.New().String()+".vrt")
		defer os.Remove(local)
	} else if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	ds, err := godal.BuildVRT(local, srcs, nil)
	if err != nil {
		return fmt.Errorf("create vrt: %w", err)
	}
	if err = ds.Close(); err != nil {
		return fmt.Errorf("close vrt: %w", err)
	}
	if isRemote(dst) {
		return s.upload(ctx, local, dst)
	}
	return nil
}
