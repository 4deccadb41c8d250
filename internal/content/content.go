// Package content stores analysis source files and their version history
// under the analyses root. Every path is built through safepath.
package content

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"analysisd/pkg/apperror"
	"analysisd/pkg/logger"
	"analysisd/pkg/safepath"
)

// LogFileName is the per-analysis NDJSON log file.
const LogFileName = "analysis.log"

// EnvFileName is the per-analysis environment snapshot.
const EnvFileName = ".env"

const versionsDir = "versions"

var sourceNameRe = regexp.MustCompile(`^index\.[A-Za-z0-9]+$`)
var versionFileRe = regexp.MustCompile(`^v(\d+)_(\d+)(\..+)?$`)

// Version describes one saved source snapshot.
type Version struct {
	Version  int       `json:"version"`
	SavedAt  time.Time `json:"savedAt"`
	Size     int64     `json:"size"`
	FileName string    `json:"fileName"`
}

// Manager owns the on-disk layout of analysis sources.
type Manager struct {
	root string
}

// NewManager creates a manager rooted at the analyses directory.
func NewManager(root string) *Manager {
	return &Manager{root: root}
}

// Root returns the analyses root directory.
func (m *Manager) Root() string {
	return m.root
}

// Dir returns the analysis directory, or an error for unsafe ids.
func (m *Manager) Dir(analysisID string) (string, error) {
	p := safepath.JoinAnalysisPath(m.root, analysisID)
	if p == "" {
		return "", apperror.ErrInvalidPath
	}
	return p, nil
}

// Path joins segments under the analysis directory through safepath.
func (m *Manager) Path(analysisID string, segments ...string) (string, error) {
	p := safepath.JoinAnalysisPath(m.root, analysisID, segments...)
	if p == "" {
		return "", apperror.ErrInvalidPath
	}
	return p, nil
}

// LogPath returns the analysis log file path.
func (m *Manager) LogPath(analysisID string) (string, error) {
	return m.Path(analysisID, LogFileName)
}

// EnvPath returns the analysis .env path.
func (m *Manager) EnvPath(analysisID string) (string, error) {
	return m.Path(analysisID, EnvFileName)
}

// SourcePath locates the analysis entry script (index.<ext>).
func (m *Manager) SourcePath(analysisID string) (string, error) {
	dir, err := m.Dir(analysisID)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", apperror.ErrNotFound
		}
		return "", err
	}
	for _, e := range entries {
		if !e.IsDir() && sourceNameRe.MatchString(e.Name()) {
			return filepath.Join(dir, e.Name()), nil
		}
	}
	return "", apperror.ErrNotFound
}

// Save writes the initial source for a new analysis. fileName must be an
// index.<ext> name.
func (m *Manager) Save(analysisID, fileName string, source []byte) error {
	if !sourceNameRe.MatchString(fileName) || !safepath.IsFilenameSafe(fileName) {
		return apperror.New(apperror.CodeInvalidName, "Invalid file name")
	}
	path, err := m.Path(analysisID, fileName)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("content: failed to create analysis dir: %w", err)
	}
	return os.WriteFile(path, source, 0o644)
}

// Read returns the current source.
func (m *Manager) Read(analysisID string) ([]byte, string, error) {
	path, err := m.SourcePath(analysisID)
	if err != nil {
		return nil, "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, "", err
	}
	return data, filepath.Base(path), nil
}

// Update snapshots the current source into the version history, writes the
// new content and returns the new version number.
func (m *Manager) Update(analysisID string, currentVersion int, source []byte) (int, error) {
	path, err := m.SourcePath(analysisID)
	if err != nil {
		return 0, err
	}
	if err := m.snapshot(analysisID, currentVersion, path); err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, source, 0o644); err != nil {
		return 0, fmt.Errorf("content: failed to write source: %w", err)
	}
	return currentVersion + 1, nil
}

func (m *Manager) snapshot(analysisID string, version int, sourcePath string) error {
	dir, err := m.Path(analysisID, versionsDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("content: failed to create versions dir: %w", err)
	}
	data, err := os.ReadFile(sourcePath)
	if err != nil {
		return fmt.Errorf("content: failed to read current source: %w", err)
	}
	name := fmt.Sprintf("v%d_%d%s", version, time.Now().UnixMilli(), filepath.Ext(sourcePath))
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}

// ListVersions returns the saved versions, newest first.
func (m *Manager) ListVersions(analysisID string) ([]Version, error) {
	dir, err := m.Path(analysisID, versionsDir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Version{}, nil
		}
		return nil, err
	}

	var versions []Version
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		match := versionFileRe.FindStringSubmatch(e.Name())
		if match == nil {
			continue
		}
		v, _ := strconv.Atoi(match[1])
		ms, _ := strconv.ParseInt(match[2], 10, 64)
		info, err := e.Info()
		if err != nil {
			continue
		}
		versions = append(versions, Version{
			Version:  v,
			SavedAt:  time.UnixMilli(ms).UTC(),
			Size:     info.Size(),
			FileName: e.Name(),
		})
	}
	sort.Slice(versions, func(i, j int) bool {
		return versions[i].Version > versions[j].Version
	})
	return versions, nil
}

// Rollback restores the given version as the current source, snapshotting
// what it replaces. Returns the new current version number.
func (m *Manager) Rollback(analysisID string, currentVersion, targetVersion int) (int, error) {
	versions, err := m.ListVersions(analysisID)
	if err != nil {
		return 0, err
	}
	var target *Version
	for i := range versions {
		if versions[i].Version == targetVersion {
			target = &versions[i]
			break
		}
	}
	if target == nil {
		return 0, apperror.Newf(apperror.CodeNotFound, "Version %d not found", targetVersion)
	}

	versionPath, err := m.Path(analysisID, versionsDir, target.FileName)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(versionPath)
	if err != nil {
		return 0, fmt.Errorf("content: failed to read version: %w", err)
	}

	sourcePath, err := m.SourcePath(analysisID)
	if err != nil {
		return 0, err
	}
	if err := m.snapshot(analysisID, currentVersion, sourcePath); err != nil {
		return 0, err
	}
	if err := os.WriteFile(sourcePath, data, 0o644); err != nil {
		return 0, fmt.Errorf("content: failed to restore version: %w", err)
	}
	logger.Info("Analysis rolled back", "analysis_id", analysisID, "version", targetVersion)
	return currentVersion + 1, nil
}

// Delete removes the whole analysis directory: source, versions, log and
// environment all cascade.
func (m *Manager) Delete(analysisID string) error {
	dir, err := m.Dir(analysisID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("content: failed to delete analysis dir: %w", err)
	}
	return nil
}

// ValidateScriptName checks an uploaded file name: index.<ext> with a safe
// extension.
func ValidateScriptName(name string) error {
	if !safepath.IsFilenameSafe(name) {
		return apperror.ErrInvalidPath
	}
	if !sourceNameRe.MatchString(name) {
		return apperror.New(apperror.CodeInvalidName, "Script must be named index.<ext>")
	}
	if strings.Count(name, ".") != 1 {
		return apperror.New(apperror.CodeInvalidName, "Invalid file name")
	}
	return nil
}
