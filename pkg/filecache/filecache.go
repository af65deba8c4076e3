// Package filecache implements the open-file cache that backs GET
// requests: a resource is opened once per inode and shared (refcounted)
// across every connection currently reading it.
//
// The original C implementation keyed this by inode number in a
// tsearch/tfind binary tree, rebuilt on every lookup. Since every
// operation here only ever runs on the event loop's own goroutine
// (workers never touch the cache directly), a plain Go map does the
// same job with no locking and far less code.
package filecache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// entry tracks one cached, still-open resource.
type entry struct {
	file *os.File
	refs int
}

// Cache resolves request URIs under a root directory and caches
// read-only descriptors by inode number.
type Cache struct {
	root    string
	entries map[uint64]*entry
}

// New returns a cache rooted at root. The root is not validated here;
// callers should confirm it exists before serving requests.
func New(root string) *Cache {
	return &Cache{root: root, entries: make(map[uint64]*entry)}
}

// Root returns the directory all requests are resolved under.
func (c *Cache) Root() string {
	return c.root
}

// Len reports the number of distinct cached inodes, used by the metrics
// snapshot.
func (c *Cache) Len() int {
	return len(c.entries)
}

// Open resolves uri under the cache's root and returns a shared,
// refcounted read-only descriptor for it along with its size and inode
// number. PUT requests must never call this -- see OpenForWrite.
func (c *Cache) Open(uri string) (file *os.File, size int64, inode uint64, err error) {
	path, err := c.resolve(uri)
	if err != nil {
		return nil, 0, 0, err
	}

	st, err := os.Stat(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("filecache: stat %s: %w", uri, err)
	}

	sysStat, ok := st.Sys().(*syscall.Stat_t)
	if !ok {
		return nil, 0, 0, fmt.Errorf("filecache: unsupported stat type for %s", uri)
	}
	inode = sysStat.Ino

	if e, found := c.entries[inode]; found {
		e.refs++
		return e.file, st.Size(), inode, nil
	}

	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("filecache: open %s: %w", uri, err)
	}

	c.entries[inode] = &entry{file: f, refs: 1}
	return f, st.Size(), inode, nil
}

// Release decrements the reference count for inode, closing and
// evicting the descriptor once the count reaches zero. The returned bool
// reports whether this call actually closed the descriptor, so a caller
// tracking the fd elsewhere (e.g. the event loop's worker-resolution
// table) knows when it is safe to forget it.
func (c *Cache) Release(inode uint64) (closed bool, err error) {
	e, ok := c.entries[inode]
	if !ok {
		return false, fmt.Errorf("filecache: release unknown inode %d", inode)
	}

	e.refs--
	if e.refs <= 0 {
		delete(c.entries, inode)
		return true, e.file.Close()
	}
	return false, nil
}

// OpenForWrite resolves uri under the cache's root and opens (creating
// if necessary) a fresh, uncached, write-only descriptor, bypassing the
// GET cache entirely -- the spec fixes the original's bug of writing
// into the server's working directory instead of the requested path.
func (c *Cache) OpenForWrite(uri string) (*os.File, error) {
	path, err := c.resolve(uri)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("filecache: create parent dirs for %s: %w", uri, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("filecache: open %s for writing: %w", uri, err)
	}
	return f, nil
}

// resolve joins uri onto the cache's root. The uri is cleaned as an
// absolute path first, so leading ".." elements are dropped and the
// result stays under root; the Rel check rejects anything that still
// lands outside it.
func (c *Cache) resolve(uri string) (string, error) {
	clean := filepath.Clean("/" + uri)
	full := filepath.Join(c.root, clean)

	rel, err := filepath.Rel(c.root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("filecache: uri %q escapes root", uri)
	}
	return full, nil
}
