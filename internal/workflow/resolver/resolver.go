// Package resolver implements the state resolver (C4): mapping an abstract
// state name to a concrete file in the scope directory, applying
// platform-aware extension search and ambiguity rules.
package resolver

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/raymondcli/raymond/internal/workflow/model"
)

// ScriptExt returns the native script extension for the given platform
// ("windows" or anything else, matching runtime.GOOS values).
func ScriptExt(goos string) string {
	if goos == "windows" {
		return ".bat"
	}
	return ".sh"
}

// Resolved names the concrete file a state name mapped to, and its kind.
type Resolved struct {
	Filename string
	Kind     model.StateKind
}

// Resolve maps name to a concrete file in scopeDir for the given platform
// (§4.4). name may or may not carry an extension.
//
// Resolve is a pure function of (name, goos, fileset) — the fileset being
// the directory listing read at call time (§8 property 9: resolve
// determinism for a fixed scope directory).
func Resolve(scopeDir, name, goos string) (Resolved, error) {
	ext := filepath.Ext(name)
	if ext != "" {
		return resolveExplicitExtension(scopeDir, name, ext, goos)
	}
	return resolveByExtensionSearch(scopeDir, name, goos)
}

func resolveExplicitExtension(scopeDir, name, ext, goos string) (Resolved, error) {
	native := ScriptExt(goos)
	switch ext {
	case ".md":
		if !exists(scopeDir, name) {
			return Resolved{}, model.NewResolutionError("state %q not found", name)
		}
		return Resolved{Filename: name, Kind: model.StateKindLLM}, nil
	case native:
		if !exists(scopeDir, name) {
			return Resolved{}, model.NewResolutionError("state %q not found", name)
		}
		return Resolved{Filename: name, Kind: model.StateKindScript}, nil
	case ".sh", ".bat":
		return Resolved{}, model.NewResolutionError("state %q has a foreign-platform extension %q for %s", name, ext, goos)
	default:
		return Resolved{}, model.NewResolutionError("state %q has an unrecognized extension %q", name, ext)
	}
}

func resolveByExtensionSearch(scopeDir, name, goos string) (Resolved, error) {
	native := ScriptExt(goos)
	candidates := []struct {
		file string
		kind model.StateKind
	}{
		{name + ".md", model.StateKindLLM},
		{name + native, model.StateKindScript},
	}

	var found []Resolved
	for _, c := range candidates {
		if exists(scopeDir, c.file) {
			found = append(found, Resolved{Filename: c.file, Kind: c.kind})
		}
	}

	switch len(found) {
	case 0:
		return Resolved{}, model.NewResolutionError("state %q not found in scope directory", name)
	case 1:
		return found[0], nil
	default:
		return Resolved{}, model.NewResolutionError("state %q is ambiguous: multiple candidate files exist", name)
	}
}

func exists(scopeDir, filename string) bool {
	info, err := os.Stat(filepath.Join(scopeDir, filename))
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// CurrentGOOS is a small indirection so callers (and tests) needn't import
// runtime directly when threading the platform through.
func CurrentGOOS() string { return runtime.GOOS }

// StripKnownExtension returns name without its extension if the extension
// is one of the three the resolver understands; otherwise name unchanged.
// Used when deriving an abbreviation for fork-spawned agent names.
func StripKnownExtension(name string) string {
	for _, ext := range []string{".md", ".sh", ".bat"} {
		if strings.HasSuffix(name, ext) {
			return strings.TrimSuffix(name, ext)
		}
	}
	return name
}
