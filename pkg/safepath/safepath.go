// Package safepath guards every filesystem access derived from user input.
// All supervisor, log pipeline and config store paths are built through it.
package safepath

import (
	"path/filepath"
	"strings"
)

const maxFilenameLength = 255

// IsPathSafe reports whether target, once resolved, is equal to or a
// descendant of the resolved base. Symlink components are resolved as far
// as the filesystem allows, so a link pointing outside base does not pass.
func IsPathSafe(target, base string) bool {
	absBase, err := filepath.Abs(base)
	if err != nil {
		return false
	}
	absTarget, err := filepath.Abs(target)
	if err != nil {
		return false
	}

	// Resolve symlinks where the path (or its nearest existing ancestor)
	// exists. EvalSymlinks fails on missing paths, so walk up until it
	// succeeds and re-attach the remainder.
	resolvedBase := resolveExisting(absBase)
	resolvedTarget := resolveExisting(absTarget)

	if resolvedTarget == resolvedBase {
		return true
	}
	return strings.HasPrefix(resolvedTarget, resolvedBase+string(filepath.Separator))
}

func resolveExisting(path string) string {
	remainder := ""
	current := path
	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			if remainder == "" {
				return resolved
			}
			return filepath.Join(resolved, remainder)
		}
		parent := filepath.Dir(current)
		if parent == current {
			return path
		}
		if remainder == "" {
			remainder = filepath.Base(current)
		} else {
			remainder = filepath.Join(filepath.Base(current), remainder)
		}
		current = parent
	}
}

// IsFilenameSafe validates a single path component. Letters, digits,
// spaces, dot, underscore and hyphen are allowed; separators, control
// bytes, "." and ".." are not.
func IsFilenameSafe(name string) bool {
	if name == "" || len(name) > maxFilenameLength {
		return false
	}
	if name == "." || name == ".." {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == ' ' || r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// JoinAnalysisPath returns root/analysisId/segments... iff the analysis id
// passes filename validation and no segment contains ".." or is absolute.
// The empty string signals rejection.
func JoinAnalysisPath(root, analysisID string, segments ...string) string {
	if !IsFilenameSafe(analysisID) {
		return ""
	}
	parts := make([]string, 0, len(segments)+2)
	parts = append(parts, root, analysisID)
	for _, seg := range segments {
		if seg == "" || filepath.IsAbs(seg) {
			return ""
		}
		for _, comp := range strings.Split(seg, "/") {
			if comp == ".." {
				return ""
			}
		}
		if strings.ContainsRune(seg, '\\') || strings.ContainsRune(seg, 0) {
			return ""
		}
		parts = append(parts, seg)
	}
	joined := filepath.Join(parts...)
	if !IsPathSafe(joined, root) {
		return ""
	}
	return joined
}

// IsAbsolutePathSafe allows absolute paths with no ".." component. Used for
// operator-supplied trust material (certificates, storage roots) at startup.
func IsAbsolutePathSafe(p string) bool {
	if !filepath.IsAbs(p) {
		return false
	}
	for _, comp := range strings.Split(filepath.ToSlash(p), "/") {
		if comp == ".." {
			return false
		}
	}
	return true
}
