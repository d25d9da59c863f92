package module

import (
	"fmt"
	"strings"
)

// NotFoundError reports a module name with no directory in any search path.
type NotFoundError struct {
	Module string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("module %q not found in any search path", e.Module)
}

// InvalidManifestError reports a declaration file that could not be parsed
// or failed validation.
type InvalidManifestError struct {
	Module string
	Reason string
}

func (e *InvalidManifestError) Error() string {
	return fmt.Sprintf("invalid manifest for module %q: %s", e.Module, e.Reason)
}

// MissingDependencyError reports declared dependencies that are not
// available: other modules, or external binaries.
type MissingDependencyError struct {
	Module   string
	Missing  []string
	Binaries []string
}

func (e *MissingDependencyError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "modules: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Binaries) > 0 {
		parts = append(parts, "binaries: "+strings.Join(e.Binaries, ", "))
	}
	return fmt.Sprintf("module %q has missing dependencies (%s)", e.Module, strings.Join(parts, "; "))
}

// CircularDependencyError reports a dependency cycle. Modules names at most
// five of the modules left unresolved, enough to locate the cycle without
// flooding the log.
type CircularDependencyError struct {
	Modules []string
}

func (e *CircularDependencyError) Error() string {
	return fmt.Sprintf("circular dependency involving modules: %s", strings.Join(e.Modules, ", "))
}

// LoadError wraps any failure during module loading with the module name.
type LoadError struct {
	Module string
	Err    error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load module %q: %v", e.Module, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// InvalidArchiveError reports an archive that failed structural validation
// before any file was extracted.
type InvalidArchiveError struct {
	Reason string
}

func (e *InvalidArchiveError) Error() string {
	return fmt.Sprintf("invalid module archive: %s", e.Reason)
}

// InstallError wraps a failure while installing a module from an archive.
type InstallError struct {
	Module string
	Err    error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install module %q: %v", e.Module, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }
