package content

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"analysisd/pkg/apperror"
)

func newManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(t.TempDir())
}

func TestSaveAndRead(t *testing.T) {
	m := newManager(t)

	require.NoError(t, m.Save("an-1", "index.js", []byte("console.log(1)\n")))

	data, fileName, err := m.Read("an-1")
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)\n", string(data))
	assert.Equal(t, "index.js", fileName)
}

func TestSaveRejectsBadNames(t *testing.T) {
	m := newManager(t)

	assert.Error(t, m.Save("an-1", "main.js", []byte("x")))
	assert.Error(t, m.Save("an-1", "index", []byte("x")))
	assert.Error(t, m.Save("../escape", "index.js", []byte("x")))
}

func TestUpdateSnapshotsAndBumpsVersion(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Save("an-1", "index.js", []byte("v1")))

	v, err := m.Update("an-1", 1, []byte("v2"))
	require.NoError(t, err)
	assert.Equal(t, 2, v)

	data, _, err := m.Read("an-1")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	versions, err := m.ListVersions("an-1")
	require.NoError(t, err)
	require.Len(t, versions, 1)
	assert.Equal(t, 1, versions[0].Version)
	assert.WithinDuration(t, time.Now(), versions[0].SavedAt, 5*time.Second)
}

func TestListVersionsNewestFirst(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Save("an-1", "index.js", []byte("v1")))

	v := 1
	for i := 0; i < 3; i++ {
		var err error
		v, err = m.Update("an-1", v, []byte("next"))
		require.NoError(t, err)
	}

	versions, err := m.ListVersions("an-1")
	require.NoError(t, err)
	require.Len(t, versions, 3)
	assert.Equal(t, 3, versions[0].Version)
	assert.Equal(t, 1, versions[2].Version)
}

func TestRollback(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Save("an-1", "index.js", []byte("v1")))

	v, err := m.Update("an-1", 1, []byte("v2"))
	require.NoError(t, err)

	v, err = m.Rollback("an-1", v, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, v)

	data, _, err := m.Read("an-1")
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))

	// Rolling back to a version that does not exist is NotFound.
	_, err = m.Rollback("an-1", v, 99)
	assert.True(t, apperror.Is(err, apperror.CodeNotFound))
}

func TestDeleteCascades(t *testing.T) {
	m := newManager(t)
	require.NoError(t, m.Save("an-1", "index.js", []byte("v1")))

	logPath, err := m.LogPath("an-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(logPath, []byte("{}\n"), 0o644))

	require.NoError(t, m.Delete("an-1"))

	_, _, err = m.Read("an-1")
	assert.True(t, apperror.Is(err, apperror.CodeNotFound))
	_, statErr := os.Stat(logPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestPathHelpersRejectEscape(t *testing.T) {
	m := newManager(t)

	_, err := m.Dir("../escape")
	assert.True(t, apperror.Is(err, apperror.CodeInvalidPath))

	_, err = m.Path("an-1", "../../etc/passwd")
	assert.True(t, apperror.Is(err, apperror.CodeInvalidPath))
}
