package safepath

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsPathSafe(t *testing.T) {
	base := t.TempDir()

	tests := []struct {
		name   string
		target string
		want   bool
	}{
		{"base itself", base, true},
		{"direct child", filepath.Join(base, "a"), true},
		{"nested child", filepath.Join(base, "a", "b", "c"), true},
		{"parent escape", filepath.Join(base, ".."), false},
		{"dotdot in middle", filepath.Join(base, "a", "..", "..", "etc"), false},
		{"sibling with shared prefix", base + "-other", false},
		{"absolute elsewhere", "/etc/passwd", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsPathSafe(tt.target, base))
		})
	}
}

func TestIsPathSafeSymlinkEscape(t *testing.T) {
	base := t.TempDir()
	outside := t.TempDir()

	link := filepath.Join(base, "link")
	require.NoError(t, os.Symlink(outside, link))

	assert.False(t, IsPathSafe(link, base))
	assert.False(t, IsPathSafe(filepath.Join(link, "file"), base))
}

func TestIsFilenameSafe(t *testing.T) {
	valid := []string{
		"analysis.log",
		"My Analysis 2",
		"a-b_c.d",
		"0123",
	}
	for _, name := range valid {
		assert.True(t, IsFilenameSafe(name), name)
	}

	invalid := []string{
		"",
		".",
		"..",
		"a/b",
		`a\b`,
		"a(b)",
		"a[b]",
		"a@b",
		"a#b",
		"a$b",
		"a\x00b",
		string(make([]byte, 256)),
	}
	for _, name := range invalid {
		assert.False(t, IsFilenameSafe(name), "%q", name)
	}
}

func TestJoinAnalysisPath(t *testing.T) {
	root := t.TempDir()

	p := JoinAnalysisPath(root, "abc-123", "analysis.log")
	require.NotEmpty(t, p)
	assert.Equal(t, filepath.Join(root, "abc-123", "analysis.log"), p)
	assert.True(t, IsPathSafe(p, root))

	assert.Empty(t, JoinAnalysisPath(root, "../abc", "analysis.log"))
	assert.Empty(t, JoinAnalysisPath(root, "abc", "../../etc/passwd"))
	assert.Empty(t, JoinAnalysisPath(root, "abc", "/etc/passwd"))
	assert.Empty(t, JoinAnalysisPath(root, "abc", "a/../../b"))
	assert.Empty(t, JoinAnalysisPath(root, "", "x"))
}

func TestIsAbsolutePathSafe(t *testing.T) {
	assert.True(t, IsAbsolutePathSafe("/etc/ssl/cert.pem"))
	assert.False(t, IsAbsolutePathSafe("relative/path"))
	assert.False(t, IsAbsolutePathSafe("/etc/../etc/passwd"))
}
