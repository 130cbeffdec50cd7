package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedType(fsType string) detector {
	return func(string) (string, error) { return fsType, nil }
}

func TestCheckJournalPathAllowsLocalFilesystem(t *testing.T) {
	t.Parallel()

	err := checkJournalPath(filepath.Join(t.TempDir(), "journal.db"), fixedType("apfs"))
	assert.NoError(t, err)
}

func TestCheckJournalPathRejectsNetworkShare(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "journal.db")
	err := checkJournalPath(path, fixedType("SMBFS"))

	var netErr *NetworkFilesystemError
	require.True(t, errors.As(err, &netErr), "got %v", err)
	assert.Equal(t, path, netErr.Path)
	assert.Contains(t, err.Error(), "--journal /local/journal.db")
}

func TestCheckJournalPathInspectsNearestExistingParent(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	var inspected string
	err := checkJournalPath(filepath.Join(root, "a", "b", "journal.db"), func(p string) (string, error) {
		inspected = p
		return "ext4", nil
	})
	require.NoError(t, err)
	assert.Equal(t, root, inspected)
}

func TestCheckJournalPathEmpty(t *testing.T) {
	t.Parallel()
	assert.Error(t, CheckJournalPath(" "))
}

func TestClassify(t *testing.T) {
	t.Parallel()

	cases := []struct {
		fs   string
		want bool
	}{
		{"nfs", true},
		{"cifs", true},
		{" webdav ", true},
		{"apfs", false},
		{"0x6969", false},
	}
	dir := t.TempDir()
	for _, tc := range cases {
		_, got, err := classify(dir, fixedType(tc.fs))
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, "fs %q", tc.fs)
	}
}

func TestClassifyDetectorFailure(t *testing.T) {
	t.Parallel()

	_, _, err := classify(t.TempDir(), func(string) (string, error) { return "", errors.New("statfs: EPERM") })
	assert.ErrorContains(t, err, "EPERM")
}
