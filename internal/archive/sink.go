// Package archive writes named blobs into an archive destination.
//
// A destination is either a plain directory tree or a single container file.
// The backing is chosen from the destination suffix:
//
//	.zip            deflate-compressed zip
//	.tar.gz, .tgz   gzip-compressed tar
//	.tar            uncompressed tar
//	anything else   directory
//
// A Sink is safe for concurrent use. All mutations are serialized on one lock
// so that parallel workers never interleave bytes of two entries inside a
// container. Close must be called exactly once; writes after Close fail with
// ErrClosed.
package archive

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/actionarchiver/internal/log"
)

// ErrClosed is returned by writes issued after Close.
var ErrClosed = errors.New("archive sink is closed")

// Kind identifies the storage shape behind a Sink.
type Kind int

const (
	KindDirectory Kind = iota
	KindTar
	KindTarGzip
	KindZip
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindTar:
		return "tar"
	case KindTarGzip:
		return "tar.gz"
	case KindZip:
		return "zip"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsContainer reports whether the kind is a single-file container.
func (k Kind) IsContainer() bool {
	return k != KindDirectory
}

// KindOf infers the sink kind from a destination path suffix.
func KindOf(destination string) Kind {
	lower := strings.ToLower(strings.TrimSpace(destination))
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return KindZip
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return KindTarGzip
	case strings.HasSuffix(lower, ".tar"):
		return KindTar
	default:
		return KindDirectory
	}
}

// InvalidDestinationError reports a destination the sink cannot interpret or
// create.
type InvalidDestinationError struct {
	Path string
	Err  error
}

func (e *InvalidDestinationError) Error() string {
	return fmt.Sprintf("invalid archive destination %q: %v", e.Path, e.Err)
}

func (e *InvalidDestinationError) Unwrap() error { return e.Err }

// Entry records one blob written through a Sink.
type Entry struct {
	// Name is the slash-separated path relative to the destination root.
	Name   string
	Size   int64
	Digest string // BLAKE3-256, hex
}

// backend is the storage-specific half of a Sink. Calls are serialized by Sink.
type backend interface {
	mkdir(name string) error
	write(name string, data []byte) error
	close() error
}

// Sink is an archive destination shared by all workers of a run.
type Sink struct {
	kind    Kind
	root    string
	backend backend
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	closed  bool
	entries []Entry
}

// Open prepares destination for writing. Directory destinations are created
// with any missing parents; container destinations are created (or truncated)
// after their parent directory is ensured.
func Open(destination string) (*Sink, error) {
	trimmed := strings.TrimSpace(destination)
	if trimmed == "" {
		return nil, &InvalidDestinationError{Path: destination, Err: errors.New("destination is empty")}
	}

	root, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, &InvalidDestinationError{Path: destination, Err: err}
	}

	s := &Sink{
		kind:   KindOf(trimmed),
		root:   root,
		logger: log.WithComponent("archive"),
		now:    time.Now,
	}

	switch s.kind {
	case KindDirectory:
		s.backend, err = openDir(root)
	case KindTar:
		s.backend, err = openTar(root, false, s.modTime)
	case KindTarGzip:
		s.backend, err = openTar(root, true, s.modTime)
	case KindZip:
		s.backend, err = openZip(root, s.modTime)
	}
	if err != nil {
		return nil, &InvalidDestinationError{Path: destination, Err: err}
	}

	s.logger.Debug("archive sink opened", "destination", root, "kind", s.kind.String())
	return s, nil
}

func (s *Sink) modTime() time.Time { return s.now() }

// Kind returns the storage shape of the sink.
func (s *Sink) Kind() Kind { return s.kind }

// Root returns the absolute destination path.
func (s *Sink) Root() string { return s.root }

// ResolvePath joins segments into a location inside the sink. Directory sinks
// return an absolute on-disk path under Root; container sinks return a
// slash-joined entry name.
func (s *Sink) ResolvePath(segments ...string) string {
	if s.kind == KindDirectory {
		return filepath.Join(append([]string{s.root}, segments...)...)
	}
	return path.Join(segments...)
}

// EnsureContainer creates the directory p (idempotent). It is a no-op for
// container sinks.
func (s *Sink) EnsureContainer(p string) error {
	name, err := s.entryName(p)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.backend.mkdir(name); err != nil {
		return fmt.Errorf("ensure %q: %w", name, err)
	}
	return nil
}

// WriteBlob writes data as the entry p, replacing an existing file in
// directory mode. p is either a ResolvePath result or a slash-separated path
// relative to the root.
func (s *Sink) WriteBlob(p string, data []byte) error {
	name, err := s.entryName(p)
	if err != nil {
		return err
	}

	digest := blake3.Sum256(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.backend.write(name, data); err != nil {
		return fmt.Errorf("write %q: %w", name, err)
	}
	s.entries = append(s.entries, Entry{
		Name:   name,
		Size:   int64(len(data)),
		Digest: hex.EncodeToString(digest[:]),
	})
	return nil
}

// WriteText writes s as UTF-8.
func (s *Sink) WriteText(p, text string) error {
	return s.WriteBlob(p, []byte(text))
}

// Entries returns a snapshot of every blob written so far, in write order.
func (s *Sink) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Close finalizes the destination. A second call returns ErrClosed.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.closed = true

	if err := s.backend.close(); err != nil {
		return fmt.Errorf("finalize %s archive %s: %w", s.kind, s.root, err)
	}
	s.logger.Info("archive sink closed", "destination", s.root, "kind", s.kind.String(), "entries", len(s.entries))
	return nil
}

// entryName converts p into a clean slash-separated name relative to root,
// rejecting anything that would escape the destination.
func (s *Sink) entryName(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("entry path is empty")
	}

	if s.kind == KindDirectory && filepath.IsAbs(p) {
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return "", fmt.Errorf("entry %q: %w", p, err)
		}
		p = rel
	}

	name := path.Clean(filepath.ToSlash(p))
	if name == "." || name == ".." || strings.HasPrefix(name, "../") || strings.HasPrefix(name, "/") {
		return "", fmt.Errorf("entry %q escapes the archive root", p)
	}
	return name, nil
}
