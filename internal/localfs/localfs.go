// Package localfs implements the blockcache.LocalFs capability against the
// real host filesystem: posix file I/O, hardlinking, O_DIRECT probing, and
// the page-cache-drop advisory used by the uploader's stage-file reads.
package localfs

import (
	stderrors "errors"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/dingodb/dingofs-blockcache/pkg/blockcache"
	"github.com/dingodb/dingofs-blockcache/pkg/errors"
)

// Posix is the default blockcache.LocalFs implementation, backed directly by
// the OS. It carries no state beyond what os/unix already track.
type Posix struct{}

// New returns a Posix LocalFs.
func New() *Posix { return &Posix{} }

func (p *Posix) MkdirAll(path string) error {
	if err := os.MkdirAll(path, 0750); err != nil {
		return errors.New(errors.CodeIO, "mkdir failed").WithCause(err).WithContext("path", path)
	}
	return nil
}

func (p *Posix) ReadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.CodeNotFound, "file not found").WithCause(err).WithContext("path", path)
		}
		return nil, errors.New(errors.CodeIO, "read failed").WithCause(err).WithContext("path", path)
	}
	return data, nil
}

// WriteFile writes buf to path, replacing any existing content, and fsyncs
// before returning so the write is durable on this disk. When direct is true
// it opens with O_DIRECT; callers should only pass true when
// SupportsDirectIO has already confirmed the filesystem accepts it. If the
// O_DIRECT write itself is rejected with EINVAL (a buffer whose address or
// length is not block-aligned), the file is rewritten without O_DIRECT.
func (p *Posix) WriteFile(path string, buf []byte, direct bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if direct {
		flags |= unix.O_DIRECT
	}

	f, err := os.OpenFile(path, flags, 0640)
	if err != nil {
		return errors.New(errors.CodeIO, "open for write failed").WithCause(err).WithContext("path", path)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.Write(buf); err != nil {
		_ = os.Remove(path)
		if direct && stderrors.Is(err, unix.EINVAL) {
			return p.WriteFile(path, buf, false)
		}
		return errors.New(errors.CodeIO, "write failed").WithCause(err).WithContext("path", path)
	}

	if err := f.Sync(); err != nil {
		return errors.New(errors.CodeIO, "fsync failed").WithCause(err).WithContext("path", path)
	}

	return nil
}

// Hardlink links newPath to oldPath's inode. Both must be on the same
// filesystem; the caller (DiskCache.Stage) treats failure as non-fatal.
func (p *Posix) Hardlink(oldPath, newPath string) error {
	if err := os.Link(oldPath, newPath); err != nil {
		return errors.New(errors.CodeIO, "hardlink failed").WithCause(err).
			WithContext("old_path", oldPath).WithContext("new_path", newPath)
	}
	return nil
}

func (p *Posix) Unlink(path string) error {
	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return errors.New(errors.CodeNotFound, "file not found").WithCause(err).WithContext("path", path)
		}
		return errors.New(errors.CodeIO, "unlink failed").WithCause(err).WithContext("path", path)
	}
	return nil
}

func (p *Posix) Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (p *Posix) FileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.New(errors.CodeNotFound, "file not found").WithCause(err).WithContext("path", path)
		}
		return 0, errors.New(errors.CodeIO, "stat failed").WithCause(err).WithContext("path", path)
	}
	return info.Size(), nil
}

func (p *Posix) Open(path string) (blockcache.BlockReader, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.CodeNotFound, "file not found").WithCause(err).WithContext("path", path)
		}
		return nil, errors.New(errors.CodeIO, "open failed").WithCause(err).WithContext("path", path)
	}
	return &fileReader{f: f}, nil
}

type fileReader struct {
	f *os.File
}

func (r *fileReader) ReadAt(offset int64, length int) ([]byte, error) {
	buf := make([]byte, length)
	n, err := r.f.ReadAt(buf, offset)
	// ReadAt returning io.EOF with a full read is expected at end of file;
	// only treat a short read paired with an error as failure.
	if err != nil && n < length {
		return nil, errors.New(errors.CodeIO, "read failed").WithCause(err)
	}
	return buf[:n], nil
}

func (r *fileReader) Close() error {
	if err := r.f.Close(); err != nil {
		return errors.New(errors.CodeIO, "close failed").WithCause(err)
	}
	return nil
}

// SupportsDirectIO probes O_DIRECT support by creating, closing, and
// unlinking a throwaway file named "detect" under dir. Filesystems like
// tmpfs reject O_DIRECT; callers fall back to buffered I/O in that case.
func (p *Posix) SupportsDirectIO(dir string) bool {
	path := filepath.Join(dir, "detect")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|unix.O_DIRECT, 0640)
	if err != nil {
		return false
	}
	_ = f.Close()
	_ = os.Remove(path)
	return true
}

// ListDir returns the base names of dir's regular-file entries.
func (p *Posix) ListDir(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.CodeNotFound, "directory not found").WithCause(err).WithContext("path", dir)
		}
		return nil, errors.New(errors.CodeIO, "readdir failed").WithCause(err).WithContext("path", dir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// ReadFileDropCache reads path exactly like ReadFile, then advises the
// kernel to drop the pages it just populated in the page cache. Used by the
// uploader's stage-file read when the drop_page_cache option is set, so that
// large upload backlogs don't evict the working set from cache.
func ReadFileDropCache(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.CodeNotFound, "file not found").WithCause(err).WithContext("path", path)
		}
		return nil, errors.New(errors.CodeIO, "open failed").WithCause(err).WithContext("path", path)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.New(errors.CodeIO, "stat failed").WithCause(err).WithContext("path", path)
	}

	buf := make([]byte, info.Size())
	if _, err := readFull(f, buf); err != nil {
		return nil, errors.New(errors.CodeIO, "read failed").WithCause(err).WithContext("path", path)
	}

	// Best effort: a failed advisory does not invalidate the read.
	_ = unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_DONTNEED)

	return buf, nil
}

func readFull(f *os.File, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := f.Read(buf[total:])
		total += n
		if err != nil {
			if total == len(buf) {
				return total, nil
			}
			return total, err
		}
		if n == 0 {
			break
		}
	}
	return total, nil
}
