package module

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildZip writes a zip with the given name->content entries to a temp file.
func buildZip(t *testing.T, entries map[string]string) string {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	path := filepath.Join(t.TempDir(), "module.zip")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return path
}

func validArchiveEntries() map[string]string {
	return map[string]string{
		"crm/manifest.yaml": "version: \"1.0\"\nsummary: CRM\n",
		"crm/schema.yaml":   "models: []\n",
	}
}

func TestValidateArchiveAccepts(t *testing.T) {
	path := buildZip(t, validArchiveEntries())
	info, err := ValidateArchive(path)
	require.NoError(t, err)
	assert.Equal(t, "crm", info.Module)
	assert.Equal(t, 2, info.Files)
}

func TestValidateArchiveRejections(t *testing.T) {
	tests := []struct {
		name    string
		entries map[string]string
		wantMsg string
	}{
		{
			"traversal entry",
			map[string]string{
				"crm/manifest.yaml":    "version: \"1.0\"\n",
				"crm/../../etc/passwd": "boom",
			},
			"parent traversal",
		},
		{
			"absolute path",
			map[string]string{
				"crm/manifest.yaml": "version: \"1.0\"\n",
				"/etc/crontab":      "boom",
			},
			"absolute path",
		},
		{
			"drive prefix",
			map[string]string{
				"crm/manifest.yaml": "version: \"1.0\"\n",
				"c:/windows/boom":   "boom",
			},
			"drive prefix",
		},
		{
			"two top-level directories",
			map[string]string{
				"crm/manifest.yaml":   "version: \"1.0\"\n",
				"other/manifest.yaml": "version: \"1.0\"\n",
			},
			"exactly one top-level directory",
		},
		{
			"missing manifest",
			map[string]string{"crm/schema.yaml": "models: []\n"},
			"missing crm/manifest.yaml",
		},
		{
			"missing entry unit",
			map[string]string{"crm/manifest.yaml": "version: \"1.0\"\n"},
			"missing entry unit crm/schema.yaml",
		},
		{
			"missing declared entry unit",
			map[string]string{
				"crm/manifest.yaml": "version: \"1.0\"\nmodels: [models/lead.yaml]\n",
				"crm/schema.yaml":   "models: []\n",
			},
			"missing entry unit crm/models/lead.yaml",
		},
		{
			"unparseable manifest",
			map[string]string{
				"crm/manifest.yaml": "version: \"1.0\"\nbogus_key: 1\n",
				"crm/schema.yaml":   "models: []\n",
			},
			"bogus_key",
		},
		{
			"reserved module name",
			map[string]string{"admin/manifest.yaml": "version: \"1.0\"\n"},
			"reserved",
		},
		{
			"overlong name component",
			map[string]string{
				"crm/manifest.yaml":               "version: \"1.0\"\n",
				"crm/" + strings.Repeat("a", 256): "x",
			},
			"over 255 characters",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := buildZip(t, tt.entries)
			_, err := ValidateArchive(path)
			require.Error(t, err)

			var archiveErr *InvalidArchiveError
			require.True(t, errors.As(err, &archiveErr))
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestValidateArchiveEntryUnitFollowsDeclaration(t *testing.T) {
	// When the declaration names its own schema files, the first one is the
	// entry unit; a default schema.yaml is then not required.
	path := buildZip(t, map[string]string{
		"crm/manifest.yaml":    "version: \"1.0\"\nmodels: [models/lead.yaml]\n",
		"crm/models/lead.yaml": "models: []\n",
	})
	info, err := ValidateArchive(path)
	require.NoError(t, err)
	assert.Equal(t, "crm", info.Module)
}

func TestValidateArchiveTooManyEntries(t *testing.T) {
	entries := map[string]string{"crm/manifest.yaml": "version: \"1.0\"\n"}
	for i := 0; i <= MaxArchiveFiles; i++ {
		entries[fmt.Sprintf("crm/data/f%04d.txt", i)] = "x"
	}
	path := buildZip(t, entries)
	_, err := ValidateArchive(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "entries, limit is")
}

func TestValidateArchiveEmpty(t *testing.T) {
	path := buildZip(t, map[string]string{})
	_, err := ValidateArchive(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestInstallFromArchive(t *testing.T) {
	root := t.TempDir()
	loader, registry := newTestLoader(t, root)

	path := buildZip(t, validArchiveEntries())
	name, err := loader.InstallFromArchive(path)
	require.NoError(t, err)
	assert.Equal(t, "crm", name)

	installed := filepath.Join(root, "crm")
	assert.FileExists(t, filepath.Join(installed, ManifestFile))
	assert.FileExists(t, filepath.Join(installed, "schema.yaml"))

	// The installed module loads cleanly (base is not required here since
	// the archive module depends on base, create it first).
	writeModuleDir(t, root, "base", baseManifest, baseSchema)
	_, err = loader.Discover()
	require.NoError(t, err)
	require.NoError(t, loader.Load(context.Background(), "base", nil))
	require.NoError(t, loader.Load(context.Background(), "crm", nil))
	assert.Equal(t, 2, registry.Len())
}

func TestInstallFromArchiveReplacesExisting(t *testing.T) {
	root := t.TempDir()
	loader, _ := newTestLoader(t, root)
	writeModuleDir(t, root, "crm", "version: \"0.9\"\n", "models: []\n")
	stale := filepath.Join(root, "crm", "old_file.txt")
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0o644))

	path := buildZip(t, validArchiveEntries())
	_, err := loader.InstallFromArchive(path)
	require.NoError(t, err)

	// The previous directory was replaced, not merged.
	assert.NoFileExists(t, stale)
	data, err := os.ReadFile(filepath.Join(root, "crm", ManifestFile))
	require.NoError(t, err)
	assert.Contains(t, string(data), "1.0")
}

func TestUninstallRemovesDirectory(t *testing.T) {
	root := t.TempDir()
	loader, registry := newTestLoader(t, root)
	writeModuleDir(t, root, "base", baseManifest, baseSchema)
	_, err := loader.Discover()
	require.NoError(t, err)
	require.NoError(t, loader.Load(context.Background(), "base", nil))

	require.NoError(t, loader.Uninstall(context.Background(), "base", nil))
	assert.NoDirExists(t, filepath.Join(root, "base"))
	assert.Equal(t, 0, registry.Len())

	var notFound *NotFoundError
	err = loader.Uninstall(context.Background(), "ghost", nil)
	assert.True(t, errors.As(err, &notFound))
}
