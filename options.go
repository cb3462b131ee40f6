package vrtbuffer

import (
	"runtime"
	"strings"
)

type config struct {
	workers    int
	fill       *float64
	only       map[string]bool
	order      Ordering
	extensions []string
}

// Option configures a Pad or Crop run.
type Option func(c *config) error

// Workers sets the number of tiles processed concurrently. Defaults to the
// number of CPUs.
func Workers(n int) Option {
	return func(c *config) error {
		if n < 1 {
			return ErrInvalidOption{"worker count must be >=1"}
		}
		c.workers = n
		return nil
	}
}

// FillValue overrides the value written where no source tile covers the
// margin, for tiles that declare no nodata value of their own. Tiles with a
// nodata value always use it.
func FillValue(v float64) Option {
	return func(c *config) error {
		c.fill = &v
		return nil
	}
}

// Only restricts processing to the tiles with the given names. The mosaic
// still spans every tile.
func Only(names ...string) Option {
	return func(c *config) error {
		if c.only == nil {
			c.only = make(map[string]bool)
		}
		for _, n := range names {
			if n == "" {
				return ErrInvalidOption{"empty tile name"}
			}
			c.only[n] = true
		}
		return nil
	}
}

// Order sets the order in which pad tasks are scheduled. Results do not
// depend on it.
func Order(o Ordering) Option {
	return func(c *config) error {
		if o != Hilbert && o != RowMajor {
			return ErrInvalidOption{"unknown ordering"}
		}
		c.order = o
		return nil
	}
}

// Extensions sets the file extensions (case insensitive, with the leading dot)
// identifying tiles inside a directory. Defaults to .tif and .tiff
func Extensions(exts ...string) Option {
	return func(c *config) error {
		if len(exts) == 0 {
			return ErrInvalidOption{"at least one extension is required"}
		}
		c.extensions = c.extensions[:0]
		for _, e := range exts {
			if !strings.HasPrefix(e, ".") {
				e = "." + e
			}
			c.extensions = append(c.extensions, strings.ToLower(e))
		}
		return nil
	}
}

func newConfig(options ...Option) (config, error) {
	c := config{
		workers:    runtime.NumCPU(),
		order:      Hilbert,
		extensions: []string{".tif", ".tiff"},
	}
	for _, o := range options {
		if err := o(&c); err != nil {
			return c, err
		}
	}
	return c, nil
}

func (c config) selected(name string) bool {
	return c.only == nil || c.only[name]
}

func (c config) isTile(name string) bool {
	lname := strings.ToLower(name)
	for _, e := range c.extensions {
		if strings.HasSuffix(lname, e) {
			return true
		}
	}
	return false
}
