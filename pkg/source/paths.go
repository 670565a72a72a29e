// Package source walks a directory tree and hands out image paths one at a
// time. The walk is lazy: a directory is only listed when the cursor reaches
// it, so very large acquisitions never need to be materialized in memory.
package source

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"
)

// DefaultExtensions are the tile formats produced by the acquisition software
var DefaultExtensions = []string{"raw", "tif", "tiff"}

// Cursor is a forward-only sequence of image paths under a root directory.
// Files of a directory come first, sorted by name, followed by its
// subdirectories in name order, depth first. A Cursor is not safe for
// concurrent use; it is meant to be driven by a single controller.
type Cursor struct {
	exts   map[string]struct{}
	logger zerolog.Logger

	// dirs is a stack of directories still to be listed
	dirs []string

	// files holds the pending image paths of the current directory
	files []string

	exhausted bool
	yielded   int
	skipped   int
}

// New creates a cursor over root accepting the given extensions (with or
// without leading dot, any case). A missing root gives an empty sequence.
func New(root string, exts []string, logger zerolog.Logger) *Cursor {
	if len(exts) == 0 {
		exts = DefaultExtensions
	}
	set := make(map[string]struct{}, len(exts))
	for _, ext := range exts {
		ext = strings.ToLower(strings.TrimPrefix(ext, "."))
		if ext != "" {
			set["."+ext] = struct{}{}
		}
	}

	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}

	return &Cursor{
		exts:   set,
		logger: logger,
		dirs:   []string{abs},
	}
}

// Next returns the next image path. ok is false once the tree is exhausted.
func (c *Cursor) Next() (path string, ok bool) {
	path, ok = c.advance()
	if ok {
		c.yielded++
	}
	return path, ok
}

// Skip discards up to n upcoming paths and returns how many were discarded.
// Fewer than n means the sequence ran out.
func (c *Cursor) Skip(n int) int {
	skipped := 0
	for skipped < n {
		if _, ok := c.advance(); !ok {
			break
		}
		skipped++
	}
	c.skipped += skipped
	return skipped
}

// Exhausted reports whether the cursor has returned its end-of-sequence signal
func (c *Cursor) Exhausted() bool {
	return c.exhausted
}

// Yielded is the number of paths returned by Next
func (c *Cursor) Yielded() int {
	return c.yielded
}

// Skipped is the number of paths discarded by Skip
func (c *Cursor) Skipped() int {
	return c.skipped
}

func (c *Cursor) advance() (string, bool) {
	for len(c.files) == 0 {
		if len(c.dirs) == 0 {
			c.exhausted = true
			return "", false
		}
		dir := c.dirs[len(c.dirs)-1]
		c.dirs = c.dirs[:len(c.dirs)-1]
		c.list(dir)
	}
	path := c.files[0]
	c.files = c.files[1:]
	return path, true
}

// list loads the image files of dir and pushes its subdirectories so that
// the first one in name order is visited next.
func (c *Cursor) list(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			c.logger.Warn().Err(err).Str("dir", dir).Msg("skipping unreadable directory")
		}
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	var subdirs []string
	for _, entry := range entries {
		name := entry.Name()
		full := filepath.Join(dir, name)
		if entry.IsDir() {
			subdirs = append(subdirs, full)
			continue
		}
		if _, ok := c.exts[strings.ToLower(filepath.Ext(name))]; ok {
			c.files = append(c.files, full)
		}
	}
	for i := len(subdirs) - 1; i >= 0; i-- {
		c.dirs = append(c.dirs, subdirs[i])
	}
}
