package archive

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
)

// createContainerFile creates (or truncates) the container file at p.
func createContainerFile(p string) (*os.File, error) {
	if info, err := os.Stat(p); err == nil && info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", p)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return nil, fmt.Errorf("create container parent directory: %w", err)
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create container file: %w", err)
	}
	return f, nil
}

// tarBackend streams entries into a tar file, optionally gzip-compressed.
type tarBackend struct {
	file *os.File
	gz   *gzip.Writer
	tw   *tar.Writer
	now  func() time.Time
}

func openTar(p string, compress bool, now func() time.Time) (*tarBackend, error) {
	f, err := createContainerFile(p)
	if err != nil {
		return nil, err
	}

	b := &tarBackend{file: f, now: now}
	var w io.Writer = f
	if compress {
		b.gz = gzip.NewWriter(f)
		w = b.gz
	}
	b.tw = tar.NewWriter(w)
	return b, nil
}

// mkdir is a no-op: tar readers create parent directories from entry names.
func (b *tarBackend) mkdir(string) error { return nil }

func (b *tarBackend) write(name string, data []byte) error {
	hdr := &tar.Header{
		Name:     name,
		Mode:     0o644,
		Size:     int64(len(data)),
		ModTime:  b.now(),
		Typeflag: tar.TypeReg,
		Format:   tar.FormatPAX,
	}
	if err := b.tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := b.tw.Write(data); err != nil {
		return fmt.Errorf("write tar body: %w", err)
	}
	return nil
}

func (b *tarBackend) close() error {
	var errs []error
	if err := b.tw.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close tar writer: %w", err))
	}
	if b.gz != nil {
		if err := b.gz.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gzip writer: %w", err))
		}
	}
	if err := b.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync container file: %w", err))
	}
	if err := b.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close container file: %w", err))
	}
	return errors.Join(errs...)
}

// zipBackend streams deflate-compressed entries into a zip file.
type zipBackend struct {
	file *os.File
	zw   *zip.Writer
	now  func() time.Time
}

func openZip(p string, now func() time.Time) (*zipBackend, error) {
	f, err := createContainerFile(p)
	if err != nil {
		return nil, err
	}
	return &zipBackend{file: f, zw: zip.NewWriter(f), now: now}, nil
}

// mkdir is a no-op: zip entries carry their full path.
func (b *zipBackend) mkdir(string) error { return nil }

func (b *zipBackend) write(name string, data []byte) error {
	w, err := b.zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: b.now(),
	})
	if err != nil {
		return fmt.Errorf("create zip entry: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write zip entry: %w", err)
	}
	return nil
}

func (b *zipBackend) close() error {
	var errs []error
	if err := b.zw.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close zip writer: %w", err))
	}
	if err := b.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("sync container file: %w", err))
	}
	if err := b.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close container file: %w", err))
	}
	return errors.Join(errs...)
}
