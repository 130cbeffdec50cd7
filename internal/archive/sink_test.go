package archive

import (
	"archive/tar"
	stdzip "archive/zip"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOf(t *testing.T) {
	tests := map[string]Kind{
		"out/actions.zip":    KindZip,
		"out/ACTIONS.ZIP":    KindZip,
		"out/actions.tar.gz": KindTarGzip,
		"out/actions.tgz":    KindTarGzip,
		"out/actions.tar":    KindTar,
		"./aarchive":         KindDirectory,
		"out/actions.gz":     KindDirectory,
		"out/zip":            KindDirectory,
	}
	for in, want := range tests {
		assert.Equal(t, want, KindOf(in), "KindOf(%q)", in)
	}
	assert.False(t, KindDirectory.IsContainer())
	assert.True(t, KindZip.IsContainer())
}

func TestDirectorySink(t *testing.T) {
	t.Parallel()

	root := filepath.Join(t.TempDir(), "nested", "archive")
	s, err := Open(root)
	require.NoError(t, err)
	assert.Equal(t, KindDirectory, s.Kind())

	issuerDir := s.ResolvePath("operator")
	assert.Equal(t, filepath.Join(root, "operator"), issuerDir)

	require.NoError(t, s.EnsureContainer(issuerDir))
	require.NoError(t, s.EnsureContainer(issuerDir), "EnsureContainer must be idempotent")
	require.NoError(t, s.WriteText(s.ResolvePath("operator", "12_action.xml"), "<BES/>"))
	require.NoError(t, s.WriteBlob("operator/12_action.xml", []byte("<BES>v2</BES>")))
	require.NoError(t, s.Close())

	got, err := os.ReadFile(filepath.Join(root, "operator", "12_action.xml"))
	require.NoError(t, err)
	assert.Equal(t, "<BES>v2</BES>", string(got), "later write overwrites")

	entries := s.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "operator/12_action.xml", entries[0].Name)
	assert.Len(t, entries[0].Digest, 64)
	assert.NotEqual(t, entries[0].Digest, entries[1].Digest)
}

func TestOpenDirectoryIsIdempotent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s1, err := Open(root)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(root)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestOpenInvalidDestination(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	file := filepath.Join(dir, "plain-file")
	require.NoError(t, os.WriteFile(file, []byte("x"), 0o644))
	zipDir := filepath.Join(dir, "looks-like.zip")
	require.NoError(t, os.Mkdir(zipDir, 0o755))

	for _, dest := range []string{"", "   ", file, zipDir} {
		_, err := Open(dest)
		var invalid *InvalidDestinationError
		assert.True(t, errors.As(err, &invalid), "Open(%q) error = %v", dest, err)
	}
}

func TestWriteAfterClose(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "a.zip"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.WriteBlob("x.txt", []byte("x")), ErrClosed)
	assert.ErrorIs(t, s.EnsureContainer("dir"), ErrClosed)
	assert.ErrorIs(t, s.Close(), ErrClosed)
}

func TestEntryNameRejectsEscapes(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	s, err := Open(filepath.Join(root, "arch"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.Error(t, s.WriteBlob("../outside.txt", []byte("x")))
	assert.Error(t, s.WriteBlob(filepath.Join(root, "outside.txt"), []byte("x")))
	assert.Error(t, s.WriteBlob("", []byte("x")))
}

func TestContainerResolvePath(t *testing.T) {
	t.Parallel()

	s, err := Open(filepath.Join(t.TempDir(), "a.tar"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	assert.Equal(t, "operator/12_MAG/13_action.xml", s.ResolvePath("operator", "12_MAG", "13_action.xml"))
	assert.NoError(t, s.EnsureContainer(s.ResolvePath("operator")))
}

// writeConcurrently writes n entries from n goroutines and returns the
// expected name->content map.
func writeConcurrently(t *testing.T, s *Sink, n int) map[string]string {
	t.Helper()

	want := make(map[string]string, n)
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := range n {
		name := s.ResolvePath(fmt.Sprintf("issuer-%d", i%3), fmt.Sprintf("%d_action.xml", i))
		body := fmt.Sprintf("<BES><ID>%d</ID>%s</BES>", i, string(make([]byte, 2048)))
		mu.Lock()
		want[fmt.Sprintf("issuer-%d/%d_action.xml", i%3, i)] = body
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.EnsureContainer(s.ResolvePath(fmt.Sprintf("issuer-%d", i%3))))
			assert.NoError(t, s.WriteText(name, body))
		}()
	}
	wg.Wait()
	return want
}

func TestZipSinkConcurrentWrites(t *testing.T) {
	t.Parallel()

	dest := filepath.Join(t.TempDir(), "out", "actions.zip")
	s, err := Open(dest)
	require.NoError(t, err)
	require.Equal(t, KindZip, s.Kind())

	want := writeConcurrently(t, s, 40)
	require.NoError(t, s.Close())

	zr, err := stdzip.OpenReader(dest)
	require.NoError(t, err)
	defer zr.Close()

	got := make(map[string]string)
	for _, f := range zr.File {
		assert.Equal(t, stdzip.Deflate, f.Method, "entry %s", f.Name)
		rc, err := f.Open()
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		_ = rc.Close()
		got[f.Name] = string(data)
	}
	assert.Equal(t, want, got)
}

func TestTarGzipSinkConcurrentWrites(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"actions.tar.gz", "actions.tgz", "actions.tar"} {
		t.Run(name, func(t *testing.T) {
			dest := filepath.Join(t.TempDir(), name)
			s, err := Open(dest)
			require.NoError(t, err)

			want := writeConcurrently(t, s, 25)
			require.NoError(t, s.Close())

			f, err := os.Open(dest)
			require.NoError(t, err)
			defer f.Close()

			var r io.Reader = f
			if s.Kind() == KindTarGzip {
				gz, err := gzip.NewReader(f)
				require.NoError(t, err)
				defer gz.Close()
				r = gz
			}

			got := make(map[string]string)
			tr := tar.NewReader(r)
			for {
				hdr, err := tr.Next()
				if errors.Is(err, io.EOF) {
					break
				}
				require.NoError(t, err)
				data, err := io.ReadAll(tr)
				require.NoError(t, err)
				got[hdr.Name] = string(data)
			}
			assert.Equal(t, want, got)
		})
	}
}
