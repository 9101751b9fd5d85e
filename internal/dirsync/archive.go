package dirsync

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/klauspost/compress/gzip"
	"github.com/openmined/dirsync/internal/utils"
)

// ArchiveExt is the suffix of every archive and remote key
const ArchiveExt = ".tar.gz"

var ErrUnsafeArchive = errors.New("unsafe archive entry")

// ArchivePath returns the transient archive file kept next to root
func ArchivePath(root string) string {
	return filepath.Clean(root) + ArchiveExt
}

// withFileLock runs fn while holding an exclusive lock on path + ".lock"
func withFileLock(path string, fn func() error) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			slog.Warn("dirsync unlock", "path", lock.Path(), "error", err)
			return
		}
		os.Remove(lock.Path())
	}()

	return fn()
}

// Archiver packs a whole directory tree into a gzip compressed tar
type Archiver struct {
	ignore *IgnoreList
}

func NewArchiver(ignore *IgnoreList) *Archiver {
	return &Archiver{ignore: ignore}
}

// Snapshot writes the full tree under root to ArchivePath(root) and returns its bytes.
// The archive has a single top level entry named after the root's base name.
// The transient file is left in place.
func (a *Archiver) Snapshot(root string) ([]byte, error) {
	archivePath := ArchivePath(root)

	var data []byte
	err := withFileLock(archivePath, func() error {
		if err := a.writeArchive(root, archivePath); err != nil {
			return err
		}
		var err error
		data, err = os.ReadFile(archivePath)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", root, err)
	}
	return data, nil
}

func (a *Archiver) writeArchive(root, archivePath string) error {
	f, err := os.Create(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := a.Write(f, root); err != nil {
		return err
	}
	return f.Close()
}

// Write streams the archive of root to w
func (a *Archiver) Write(w io.Writer, root string) error {
	gw := gzip.NewWriter(w)
	tw := tar.NewWriter(gw)
	base := filepath.Base(filepath.Clean(root))

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) && p != root {
				return nil
			}
			return walkErr
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if a.ignore.ShouldIgnore(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}

		return addEntry(tw, p, path.Join(base, filepath.ToSlash(rel)), info)
	})
	if err != nil {
		return fmt.Errorf("archive %s: %w", root, err)
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gw.Close()
}

func addEntry(tw *tar.Writer, p, name string, info fs.FileInfo) error {
	var link string
	if info.Mode()&fs.ModeSymlink != 0 {
		target, err := os.Readlink(p)
		if err != nil {
			return err
		}
		link = target
	} else if !info.Mode().IsRegular() && !info.IsDir() {
		// sockets, devices and pipes have no place in a snapshot
		return nil
	}

	hdr, err := tar.FileInfoHeader(info, link)
	if err != nil {
		return fmt.Errorf("header %s: %w", p, err)
	}
	hdr.Name = path.Clean(name)
	if info.IsDir() {
		hdr.Name += "/"
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !info.Mode().IsRegular() {
		return nil
	}

	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	// a file that grows while being read is truncated to the header size
	if _, err := io.CopyN(tw, f, hdr.Size); err != nil {
		return fmt.Errorf("copy %s: %w", p, err)
	}
	return nil
}

// ExtractFile unpacks the archive at archivePath below dest
func ExtractFile(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	return Extract(f, dest)
}

// Extract unpacks a gzip compressed tar below dest. Entries that would land
// outside of dest, directly or through symlinks, are rejected with ErrUnsafeArchive.
// Directories and files are created through an os.Root opened on dest.
func Extract(r io.Reader, dest string) error {
	dest = filepath.Clean(dest)
	if err := utils.EnsureDir(dest); err != nil {
		return err
	}

	realDest, err := resolvePath(dest)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", dest, err)
	}

	root, err := os.OpenRoot(dest)
	if err != nil {
		return err
	}
	defer root.Close()

	gr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer gr.Close()

	x := &extractor{dest: dest, realDest: realDest, root: root}

	tr := tar.NewReader(gr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read archive: %w", err)
		}

		rel, err := entryName(hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			err = x.mkdirAll(rel)
		case tar.TypeReg:
			err = x.writeFile(tr, rel, hdr.FileInfo().Mode().Perm())
		case tar.TypeSymlink:
			err = x.symlink(rel, hdr.Linkname)
		default:
			slog.Debug("dirsync extract skip", "name", hdr.Name, "type", hdr.Typeflag)
		}
		if err != nil {
			return err
		}
	}

	// links extracted before their targets are only checked once the whole tree exists
	return x.checkLinks()
}

func entryName(name string) (string, error) {
	clean := filepath.FromSlash(strings.TrimSuffix(name, "/"))
	if clean == "" || filepath.IsAbs(clean) || !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %q", ErrUnsafeArchive, name)
	}
	return filepath.Clean(clean), nil
}

type extractor struct {
	dest     string
	realDest string
	root     *os.Root
	links    []string
}

// within fails with ErrUnsafeArchive when rel resolves to a path outside of dest
func (x *extractor) within(rel string) error {
	resolved, err := resolvePath(filepath.Join(x.dest, rel))
	if err != nil {
		return fmt.Errorf("resolve %s: %w", rel, err)
	}
	if !utils.IsWithin(x.realDest, resolved) {
		return fmt.Errorf("%w: %q resolves to %q", ErrUnsafeArchive, rel, resolved)
	}
	return nil
}

func (x *extractor) mkdirAll(rel string) error {
	if rel == "." {
		return nil
	}
	if err := x.within(rel); err != nil {
		return err
	}

	cur := ""
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		cur = filepath.Join(cur, part)
		if err := x.root.Mkdir(cur, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("extract %s: %w", cur, err)
		}
	}
	return nil
}

func (x *extractor) writeFile(r io.Reader, rel string, perm fs.FileMode) error {
	if err := x.mkdirAll(filepath.Dir(rel)); err != nil {
		return err
	}
	if err := x.replace(rel); err != nil {
		return err
	}
	if perm&0o600 == 0 {
		perm |= 0o600
	}

	out, err := x.root.OpenFile(rel, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("extract %s: %w", rel, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", rel, err)
	}
	return out.Close()
}

func (x *extractor) symlink(rel, linkname string) error {
	if filepath.IsAbs(linkname) {
		return fmt.Errorf("%w: link %q -> %q", ErrUnsafeArchive, rel, linkname)
	}
	if err := x.mkdirAll(filepath.Dir(rel)); err != nil {
		return err
	}
	if err := x.replace(rel); err != nil {
		return err
	}

	parent, err := resolvePath(filepath.Join(x.dest, filepath.Dir(rel)))
	if err != nil {
		return err
	}
	if !utils.IsWithin(x.realDest, parent) {
		return fmt.Errorf("%w: %q", ErrUnsafeArchive, rel)
	}

	link := filepath.Join(parent, filepath.Base(rel))
	if err := os.Symlink(linkname, link); err != nil {
		return err
	}
	if err := x.within(rel); err != nil {
		os.Remove(link)
		return err
	}

	x.links = append(x.links, rel)
	return nil
}

// replace drops an existing symlink at rel so the new entry is not written through it
func (x *extractor) replace(rel string) error {
	info, err := x.root.Lstat(rel)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if info.Mode()&fs.ModeSymlink == 0 {
		return nil
	}
	return x.root.Remove(rel)
}

func (x *extractor) checkLinks() error {
	var errs []error
	for _, rel := range x.links {
		if err := x.within(rel); err != nil {
			os.Remove(filepath.Join(x.dest, rel))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

const maxLinkDepth = 40

// resolvePath resolves every symlink in the absolute form of p, one component at a
// time, the way the kernel would. Components that do not exist are joined as is.
func resolvePath(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return resolveFrom(abs, 0)
}

func resolveFrom(p string, depth int) (string, error) {
	if depth > maxLinkDepth {
		return "", fmt.Errorf("too many links resolving %s", p)
	}

	vol := filepath.VolumeName(p)
	cur := vol + string(filepath.Separator)
	for _, part := range strings.Split(p[len(vol):], string(filepath.Separator)) {
		switch part {
		case "", ".":
			continue
		case "..":
			cur = filepath.Dir(cur)
			continue
		}

		next := filepath.Join(cur, part)
		info, err := os.Lstat(next)
		if errors.Is(err, fs.ErrNotExist) {
			cur = next
			continue
		}
		if err != nil {
			return "", err
		}
		if info.Mode()&fs.ModeSymlink == 0 {
			cur = next
			continue
		}

		target, err := os.Readlink(next)
		if err != nil {
			return "", err
		}
		if !filepath.IsAbs(target) {
			// unjoined so ".." applies after earlier links are resolved
			target = cur + string(filepath.Separator) + target
		}
		if cur, err = resolveFrom(target, depth+1); err != nil {
			return "", err
		}
	}
	return cur, nil
}
