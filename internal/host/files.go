package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"

	"github.com/chainguard-dev/hivessh/internal/log"
	"github.com/pkg/sftp"
)

var ErrSFTP = fmt.Errorf("sftp operation failed")

// Files accesses the host's file system over SFTP. It is created on first
// use by Host.Files and closed when the host disconnects or faults.
type Files struct {
	host   *Host
	client *sftp.Client
}

// FileStat is a directory entry returned by ReadDir.
type FileStat struct {
	fs.FileInfo
	// Path is the directory the entry was listed from.
	Path     string
	Filename string
}

// FullPath joins Path and Filename.
func (s FileStat) FullPath() string {
	return path.Join(s.Path, s.Filename)
}

// Files returns the host's SFTP facade, starting the SFTP subsystem on first
// use. Starting it does not hold up liveness checks or faults; a fault while
// it starts fails the call with the fault reason.
func (h *Host) Files(ctx context.Context) (*Files, error) {
	h.filesMu.Lock()
	defer h.filesMu.Unlock()

	h.mu.Lock()
	files, err := h.files, h.errLocked()
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if files != nil {
		return files, nil
	}

	client, err := sftp.NewClient(h.chain.Client)
	if err != nil {
		if herr := h.Err(); herr != nil {
			return nil, herr
		}
		return nil, fmt.Errorf("%w: starting subsystem: %w", ErrSFTP, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.errLocked(); err != nil {
		client.Close()
		return nil, err
	}
	log.Debug(ctx, "started sftp subsystem", "host", h.Settings.ID)
	h.files = &Files{host: h, client: client}
	return h.files, nil
}

func (f *Files) close() {
	if err := f.client.Close(); err != nil && !errors.Is(err, io.EOF) {
		log.Debug(f.host.ctx, "closing sftp client", "error", err)
	}
}

// check fails once the host is gone or 'ctx' is done.
func (f *Files) check(ctx context.Context) error {
	if err := f.host.Err(); err != nil {
		return err
	}
	return context.Cause(ctx)
}

func wrap(op, p string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s %s: %w", ErrSFTP, op, p, err)
}

func (f *Files) ReadFile(ctx context.Context, p string) ([]byte, error) {
	if err := f.check(ctx); err != nil {
		return nil, err
	}
	file, err := f.client.Open(p)
	if err != nil {
		return nil, wrap("open", p, err)
	}
	defer file.Close()
	data, err := io.ReadAll(contextReader{ctx, file})
	return data, wrap("read", p, err)
}

// WriteFile creates or truncates 'p' and writes 'data' to it.
func (f *Files) WriteFile(ctx context.Context, p string, data []byte, perm fs.FileMode) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	file, err := f.client.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return wrap("open", p, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return wrap("write", p, err)
	}
	if err := file.Chmod(perm); err != nil {
		file.Close()
		return wrap("chmod", p, err)
	}
	return wrap("close", p, file.Close())
}

// AppendFile writes 'data' to the end of 'p', creating it if needed.
func (f *Files) AppendFile(ctx context.Context, p string, data []byte) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	// Seeking to the end rather than O_APPEND, which not every server
	// supports for positioned writes.
	file, err := f.client.OpenFile(p, os.O_WRONLY|os.O_CREATE)
	if err != nil {
		return wrap("open", p, err)
	}
	if _, err := file.Seek(0, io.SeekEnd); err != nil {
		file.Close()
		return wrap("seek", p, err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return wrap("write", p, err)
	}
	return wrap("close", p, file.Close())
}

func (f *Files) ReadDir(ctx context.Context, p string) ([]FileStat, error) {
	if err := f.check(ctx); err != nil {
		return nil, err
	}
	infos, err := f.client.ReadDir(p)
	if err != nil {
		return nil, wrap("readdir", p, err)
	}
	stats := make([]FileStat, 0, len(infos))
	for _, info := range infos {
		stats = append(stats, FileStat{FileInfo: info, Path: p, Filename: info.Name()})
	}
	return stats, nil
}

func (f *Files) Stat(ctx context.Context, p string) (fs.FileInfo, error) {
	if err := f.check(ctx); err != nil {
		return nil, err
	}
	info, err := f.client.Stat(p)
	return info, wrap("stat", p, err)
}

func (f *Files) Mkdir(ctx context.Context, p string) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	return wrap("mkdir", p, f.client.Mkdir(p))
}

func (f *Files) MkdirAll(ctx context.Context, p string) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	return wrap("mkdir", p, f.client.MkdirAll(p))
}

// Remove removes a file or an empty directory.
func (f *Files) Remove(ctx context.Context, p string) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	return wrap("remove", p, f.client.Remove(p))
}

func (f *Files) Rename(ctx context.Context, from, to string) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	return wrap("rename", from, f.client.Rename(from, to))
}

// Symlink creates 'link' pointing at 'target'.
func (f *Files) Symlink(ctx context.Context, target, link string) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	return wrap("symlink", link, f.client.Symlink(target, link))
}

func (f *Files) Chmod(ctx context.Context, p string, mode fs.FileMode) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	return wrap("chmod", p, f.client.Chmod(p, mode))
}

// Get downloads the remote file 'remote' to 'local'.
func (f *Files) Get(ctx context.Context, remote, local string) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	src, err := f.client.Open(remote)
	if err != nil {
		return wrap("open", remote, err)
	}
	defer src.Close()
	dst, err := os.Create(local)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, contextReader{ctx, src}); err != nil {
		dst.Close()
		return wrap("download", remote, err)
	}
	return dst.Close()
}

// Put uploads the local file 'local' to 'remote'.
func (f *Files) Put(ctx context.Context, local, remote string) error {
	if err := f.check(ctx); err != nil {
		return err
	}
	src, err := os.Open(local)
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := f.client.Create(remote)
	if err != nil {
		return wrap("create", remote, err)
	}
	if _, err := io.Copy(dst, contextReader{ctx, src}); err != nil {
		dst.Close()
		return wrap("upload", remote, err)
	}
	return wrap("close", remote, dst.Close())
}

// contextReader stops a copy between reads once its context is done.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (r contextReader) Read(p []byte) (int, error) {
	if err := context.Cause(r.ctx); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
