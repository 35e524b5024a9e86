// Package cache stores extracted package trees on local disk, keyed
// by (name, version).
package cache

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsafeArchive marks a tarball whose entries would escape the
// extraction directory or otherwise cannot be extracted safely.
var ErrUnsafeArchive = errors.New("unsafe archive")

// maxEntryBytes bounds a single extracted file.
const maxEntryBytes = 256 << 20

// Cache is the on-disk artifact store. Entries are immutable once
// written; Put extracts into a temp directory and renames it in, so a
// crashed extraction never leaves a half-populated entry visible.
type Cache struct {
	root   string
	logger *slog.Logger
}

// New opens (creating if needed) a cache rooted at dir.
func New(dir string, logger *slog.Logger) (*Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache root: %w", err)
	}
	return &Cache{root: dir, logger: logger}, nil
}

// Entry describes one cached package tree.
type Entry struct {
	Path      string
	TotalSize int64  // sum of extracted file sizes
	Checksum  string // digest of the source tarball
}

// Path returns the directory a (name, version) pair would occupy.
func (c *Cache) Path(name, version string) string {
	return filepath.Join(c.root, sanitize(name)+"@"+sanitize(version))
}

// Get returns the cached entry for (name, version), or false when the
// package has not been cached.
func (c *Cache) Get(name, version string) (*Entry, bool) {
	dir := c.Path(name, version)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, false
	}
	size, err := treeSize(dir)
	if err != nil {
		return nil, false
	}
	checksum, _ := os.ReadFile(dir + checksumSuffix)
	return &Entry{Path: dir, TotalSize: size, Checksum: strings.TrimSpace(string(checksum))}, true
}

// checksumSuffix names the sidecar file holding the source tarball's
// digest, next to (not inside) the extracted tree.
const checksumSuffix = ".checksum"

// Put extracts a gzipped tarball into the cache. Replays over an
// existing entry return that entry untouched.
func (c *Cache) Put(name, version string, tarball io.Reader, checksum string) (*Entry, error) {
	if entry, ok := c.Get(name, version); ok {
		return entry, nil
	}

	dest := c.Path(name, version)
	tmp, err := os.MkdirTemp(c.root, ".extract-*")
	if err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(tmp) }()

	size, err := extract(tarball, tmp)
	if err != nil {
		return nil, err
	}
	if err := os.Rename(tmp, dest); err != nil {
		// A concurrent extraction may have won the rename.
		if entry, ok := c.Get(name, version); ok {
			return entry, nil
		}
		return nil, fmt.Errorf("commit cache entry: %w", err)
	}
	if checksum != "" {
		if err := os.WriteFile(dest+checksumSuffix, []byte(checksum), 0o644); err != nil {
			c.logger.Warn("failed to record cache checksum",
				"package", name, "version", version, "error", err)
		}
	}
	c.logger.Debug("cached package tree",
		"package", name, "version", version, "bytes", size)
	return &Entry{Path: dest, TotalSize: size, Checksum: checksum}, nil
}

// Remove deletes a cached entry. Missing entries are not an error.
func (c *Cache) Remove(name, version string) error {
	if err := os.Remove(c.Path(name, version) + checksumSuffix); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.RemoveAll(c.Path(name, version))
}

// extract unpacks a gzipped tar stream into dir, rejecting absolute
// paths, parent traversal, and link entries.
func extract(r io.Reader, dir string) (int64, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("open gzip stream: %w", err)
	}
	defer func() { _ = gz.Close() }()

	var total int64
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return 0, fmt.Errorf("read tar entry: %w", err)
		}

		target, err := safeJoin(dir, hdr.Name)
		if err != nil {
			return 0, err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return 0, fmt.Errorf("create dir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if hdr.Size > maxEntryBytes {
				return 0, fmt.Errorf("%w: entry %s exceeds size limit", ErrUnsafeArchive, hdr.Name)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return 0, fmt.Errorf("create parent for %s: %w", hdr.Name, err)
			}
			n, err := writeFile(target, tr)
			if err != nil {
				return 0, fmt.Errorf("write %s: %w", hdr.Name, err)
			}
			total += n
		case tar.TypeSymlink, tar.TypeLink:
			return 0, fmt.Errorf("%w: link entry %s", ErrUnsafeArchive, hdr.Name)
		default:
			// Character devices, fifos and the like have no place in a
			// package tarball.
			return 0, fmt.Errorf("%w: entry %s has type %d", ErrUnsafeArchive, hdr.Name, hdr.Typeflag)
		}
	}
}

func writeFile(target string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, io.LimitReader(r, maxEntryBytes+1))
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return 0, err
	}
	if n > maxEntryBytes {
		return 0, fmt.Errorf("%w: entry exceeds size limit", ErrUnsafeArchive)
	}
	return n, nil
}

// safeJoin resolves an archive member path under dir, rejecting
// anything that would land outside it.
func safeJoin(dir, name string) (string, error) {
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: absolute path %s", ErrUnsafeArchive, name)
	}
	target := filepath.Join(dir, filepath.Clean(name))
	if target != dir && !strings.HasPrefix(target, dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: path %s escapes extraction root", ErrUnsafeArchive, name)
	}
	return target, nil
}

// sanitize makes a name or version safe as a single directory
// component. npm scopes keep their "@" but the slash becomes "+".
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "/", "+")
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_' || r == '+' || r == '@':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func treeSize(dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	return total, err
}
