package archive

import (
	"archive/tar"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/zeebo/blake3"
)

// Scan reads back every regular file stored at destination and returns its
// entries keyed by name, digested the same way Sink records them.
func Scan(destination string) (map[string]Entry, error) {
	trimmed := strings.TrimSpace(destination)
	if trimmed == "" {
		return nil, &InvalidDestinationError{Path: destination, Err: errors.New("destination is empty")}
	}
	root, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, &InvalidDestinationError{Path: destination, Err: err}
	}

	switch KindOf(trimmed) {
	case KindZip:
		return scanZip(root)
	case KindTar:
		return scanTar(root, false)
	case KindTarGzip:
		return scanTar(root, true)
	default:
		return scanDir(root)
	}
}

func digestReader(name string, r io.Reader) (Entry, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Entry{}, fmt.Errorf("read %q: %w", name, err)
	}
	return Entry{Name: name, Size: n, Digest: hex.EncodeToString(h.Sum(nil))}, nil
}

func scanDir(root string) (map[string]Entry, error) {
	out := make(map[string]Entry)
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		f, err := os.Open(p)
		if err != nil {
			return err
		}
		defer f.Close()

		e, err := digestReader(filepath.ToSlash(rel), f)
		if err != nil {
			return err
		}
		out[e.Name] = e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan directory %s: %w", root, err)
	}
	return out, nil
}

func scanTar(p string, compressed bool) (map[string]Entry, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, fmt.Errorf("open tar archive: %w", err)
	}
	defer f.Close()

	var r io.Reader = f
	if compressed {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream %s: %w", p, err)
		}
		defer gz.Close()
		r = gz
	}

	out := make(map[string]Entry)
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read tar archive %s: %w", p, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		e, err := digestReader(hdr.Name, tr)
		if err != nil {
			return nil, err
		}
		out[e.Name] = e
	}
}

func scanZip(p string) (map[string]Entry, error) {
	zr, err := zip.OpenReader(p)
	if err != nil {
		return nil, fmt.Errorf("open zip archive %s: %w", p, err)
	}
	defer zr.Close()

	out := make(map[string]Entry)
	for _, zf := range zr.File {
		if zf.FileInfo().IsDir() {
			continue
		}
		rc, err := zf.Open()
		if err != nil {
			return nil, fmt.Errorf("open zip entry %q: %w", zf.Name, err)
		}
		e, err := digestReader(zf.Name, rc)
		rc.Close()
		if err != nil {
			return nil, err
		}
		out[e.Name] = e
	}
	return out, nil
}
