package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var networkFilesystems = map[string]struct{}{
	"afpfs":  {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// NetworkFilesystemError reports a journal path on a network share, where
// SQLite locking is unreliable.
type NetworkFilesystemError struct {
	Path   string
	FSType string
}

func (e *NetworkFilesystemError) Error() string {
	return fmt.Sprintf("journal path %q is on network filesystem %q; keep the journal on a local disk (--journal /local/journal.db) even when the archive destination is a share",
		e.Path, e.FSType)
}

type detector func(path string) (string, error)

// CheckJournalPath reports whether path can host the journal database. It
// never creates the file.
func CheckJournalPath(path string) error {
	return checkJournalPath(path, detectFilesystemType)
}

func checkJournalPath(path string, detect detector) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("journal path is empty")
	}
	fsType, network, err := classify(path, detect)
	if err != nil {
		return err
	}
	if network {
		return &NetworkFilesystemError{Path: path, FSType: fsType}
	}
	return nil
}

// NetworkFilesystem reports whether path, or its nearest existing parent,
// lives on a network share, along with the detected filesystem type.
func NetworkFilesystem(path string) (fsType string, network bool, err error) {
	return classify(path, detectFilesystemType)
}

func classify(path string, detect detector) (string, bool, error) {
	existing, err := nearestExistingPath(path)
	if err != nil {
		return "", false, fmt.Errorf("resolve %q: %w", path, err)
	}
	fsType, err := detect(existing)
	if err != nil {
		return "", false, fmt.Errorf("detect filesystem of %q: %w", existing, err)
	}
	_, network := networkFilesystems[strings.ToLower(strings.TrimSpace(fsType))]
	return fsType, network, nil
}

func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(candidate)
		switch {
		case err == nil:
			return candidate, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent directory")
		}
		candidate = parent
	}
}
