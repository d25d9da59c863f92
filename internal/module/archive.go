package module

import (
	"archive/zip"
	"context"
	"database/sql"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Limits on uploaded module archives. Validation happens before a single
// byte is extracted.
const (
	MaxArchiveFiles       = 1000
	MaxArchiveSize  int64 = 100 * 1024 * 1024
	MaxFilenameLen        = 255
)

// ArchiveInfo is the result of validating a module archive.
type ArchiveInfo struct {
	Module string
	Files  int
	Size   int64
}

// ValidateArchive checks a module zip without extracting it: entry count,
// cumulative uncompressed size, path safety per entry, and the required
// structure of exactly one top-level directory holding a declaration file.
func ValidateArchive(path string) (*ArchiveInfo, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return nil, &InvalidArchiveError{Reason: fmt.Sprintf("not a readable zip archive: %v", err)}
	}
	defer zr.Close()
	return validateArchive(&zr.Reader)
}

func validateArchive(zr *zip.Reader) (*ArchiveInfo, error) {
	if len(zr.File) == 0 {
		return nil, &InvalidArchiveError{Reason: "archive is empty"}
	}
	if len(zr.File) > MaxArchiveFiles {
		return nil, &InvalidArchiveError{
			Reason: fmt.Sprintf("archive has %d entries, limit is %d", len(zr.File), MaxArchiveFiles),
		}
	}

	var total int64
	topLevel := map[string]bool{}
	names := map[string]bool{}

	for _, f := range zr.File {
		name := f.Name
		if name == "" {
			return nil, &InvalidArchiveError{Reason: "archive contains an entry with an empty name"}
		}
		if err := checkEntryPath(name); err != nil {
			return nil, err
		}
		total += int64(f.UncompressedSize64)
		if total > MaxArchiveSize {
			return nil, &InvalidArchiveError{
				Reason: fmt.Sprintf("uncompressed size exceeds %d bytes", MaxArchiveSize),
			}
		}
		parts := strings.Split(strings.Trim(name, "/"), "/")
		topLevel[parts[0]] = true
		names[strings.Trim(name, "/")] = true
	}

	if len(topLevel) != 1 {
		return nil, &InvalidArchiveError{
			Reason: fmt.Sprintf("archive must contain exactly one top-level directory, found %d", len(topLevel)),
		}
	}
	var moduleName string
	for name := range topLevel {
		moduleName = name
	}
	if err := ValidateModuleName(moduleName); err != nil && moduleName != BaseModule {
		return nil, &InvalidArchiveError{Reason: fmt.Sprintf("top-level directory: %v", err)}
	}
	if !names[moduleName+"/"+ManifestFile] {
		return nil, &InvalidArchiveError{
			Reason: fmt.Sprintf("archive is missing %s/%s", moduleName, ManifestFile),
		}
	}

	// The declaration decides which schema file marks the module's entry;
	// an archive without it would extract to a directory discovery ignores.
	manifest, err := readArchiveManifest(zr, moduleName)
	if err != nil {
		return nil, err
	}
	if entry := moduleName + "/" + manifest.EntryUnit(); !names[entry] {
		return nil, &InvalidArchiveError{
			Reason: fmt.Sprintf("archive is missing entry unit %s", entry),
		}
	}

	return &ArchiveInfo{Module: moduleName, Files: len(zr.File), Size: total}, nil
}

// readArchiveManifest parses the declaration file out of the zip without
// extracting anything.
func readArchiveManifest(zr *zip.Reader, moduleName string) (*Manifest, error) {
	want := moduleName + "/" + ManifestFile
	for _, f := range zr.File {
		if strings.Trim(f.Name, "/") != want {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, &InvalidArchiveError{Reason: fmt.Sprintf("open %s: %v", want, err)}
		}
		m, parseErr := ParseManifest(moduleName, rc)
		rc.Close()
		if parseErr != nil {
			return nil, &InvalidArchiveError{Reason: parseErr.Error()}
		}
		return m, nil
	}
	return nil, &InvalidArchiveError{Reason: fmt.Sprintf("archive is missing %s", want)}
}

// checkEntryPath rejects absolute paths, parent traversal, Windows drive
// prefixes, and over-long file names.
func checkEntryPath(name string) error {
	if strings.HasPrefix(name, "/") || strings.HasPrefix(name, `\`) {
		return &InvalidArchiveError{Reason: fmt.Sprintf("entry %q has an absolute path", name)}
	}
	if len(name) >= 2 && name[1] == ':' {
		return &InvalidArchiveError{Reason: fmt.Sprintf("entry %q has a drive prefix", name)}
	}
	for _, part := range strings.Split(strings.ReplaceAll(name, `\`, "/"), "/") {
		if part == ".." {
			return &InvalidArchiveError{Reason: fmt.Sprintf("entry %q contains a parent traversal", name)}
		}
		if len(part) > MaxFilenameLen {
			return &InvalidArchiveError{Reason: fmt.Sprintf("entry %q has a name component over %d characters", name, MaxFilenameLen)}
		}
	}
	return nil
}

// InstallFromArchive validates and extracts a module zip into the first
// search path. An existing module directory is renamed aside first and
// restored if the install fails. Entries that resolve outside the target
// directory are skipped with a warning rather than written.
func (l *Loader) InstallFromArchive(path string) (string, error) {
	info, err := ValidateArchive(path)
	if err != nil {
		return "", err
	}
	name := info.Module

	if len(l.paths) == 0 {
		return "", &InstallError{Module: name, Err: fmt.Errorf("no module search path configured")}
	}
	target := filepath.Join(l.paths[0], name)

	backup := ""
	if _, err := os.Stat(target); err == nil {
		backup = fmt.Sprintf("%s.bak.%d", target, time.Now().UnixNano())
		if err := os.Rename(target, backup); err != nil {
			return "", &InstallError{Module: name, Err: fmt.Errorf("back up existing module: %w", err)}
		}
		l.log.Info("existing module backed up",
			zap.String("module", name), zap.String("backup", backup))
	}

	if err := l.extract(path, name, target); err != nil {
		_ = os.RemoveAll(target)
		if backup != "" {
			if restoreErr := os.Rename(backup, target); restoreErr != nil {
				l.log.Error("failed to restore module backup",
					zap.String("module", name), zap.Error(restoreErr))
			}
		}
		return "", &InstallError{Module: name, Err: err}
	}

	if backup != "" {
		_ = os.RemoveAll(backup)
	}
	l.InvalidateCache(name)
	l.mu.Lock()
	l.dirs[name] = target
	l.mu.Unlock()

	l.log.Info("module installed from archive",
		zap.String("module", name),
		zap.Int("files", info.Files),
		zap.Int64("bytes", info.Size))
	return name, nil
}

func (l *Loader) extract(archivePath, name, target string) error {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer zr.Close()

	if err := os.MkdirAll(target, 0o755); err != nil {
		return fmt.Errorf("create module directory: %w", err)
	}

	prefix := name + "/"
	for _, f := range zr.File {
		// Validation guaranteed a single top-level directory; anything else
		// here is the directory entry itself or junk worth flagging.
		if !strings.HasPrefix(f.Name, prefix) {
			if strings.Trim(f.Name, "/") != name {
				l.log.Warn("skipping unexpected archive entry", zap.String("entry", f.Name))
			}
			continue
		}
		entry := strings.TrimPrefix(f.Name, prefix)
		if entry == "" {
			continue
		}

		dest := filepath.Join(target, filepath.FromSlash(entry))
		// Re-resolve each destination against the target directory. The
		// archive was validated up front, but containment is re-checked per
		// file before anything touches disk.
		rel, err := filepath.Rel(target, dest)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			l.log.Warn("skipping archive entry escaping module directory",
				zap.String("entry", f.Name))
			continue
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", entry, err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return fmt.Errorf("create directory for %s: %w", entry, err)
		}
		if err := extractFile(f, dest); err != nil {
			return fmt.Errorf("extract %s: %w", entry, err)
		}
	}
	return nil
}

func extractFile(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	// LimitReader caps the copy at the declared size so a lying local file
	// header cannot blow past the validated total.
	if _, err := io.Copy(out, io.LimitReader(rc, int64(f.UncompressedSize64)+1)); err != nil {
		return err
	}
	return out.Close()
}

// Uninstall removes a module: its uninstall hook runs first (failure is
// logged, not fatal), then the module is unregistered and its directory
// removed.
func (l *Loader) Uninstall(ctx context.Context, name string, db *sql.DB) error {
	dir, ok := l.Dir(name)
	if !ok {
		return &NotFoundError{Module: name}
	}

	if p, ok := l.providers.Get(name); ok {
		if hook := p.Hooks().Uninstall; hook != nil {
			if err := hook(ctx, db); err != nil {
				l.log.Error("uninstall hook failed", zap.String("module", name), zap.Error(err))
			}
		}
	}

	l.registry.Unregister(name)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove module directory: %w", err)
	}

	l.mu.Lock()
	delete(l.dirs, name)
	delete(l.loaded, name)
	l.mu.Unlock()
	l.InvalidateCache(name)

	l.log.Info("module uninstalled", zap.String("module", name))
	return nil
}
