package envfile

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNormalizesKeys(t *testing.T) {
	f, err := Parse(strings.NewReader("api_key=secret\nDebug = true\n"))
	require.NoError(t, err)

	vars := f.Vars()
	assert.Equal(t, "secret", vars["API_KEY"])
	assert.Equal(t, "true", vars["DEBUG"])
}

func TestParseKeepsComments(t *testing.T) {
	input := "# credentials\nTOKEN=abc\n\n# tuning\nINTERVAL=5\n"
	f, err := Parse(strings.NewReader(input))
	require.NoError(t, err)

	out := f.String()
	assert.Contains(t, out, "# credentials")
	assert.Contains(t, out, "# tuning")
	assert.Contains(t, out, "TOKEN=abc")
}

func TestParseDropsInvalidLines(t *testing.T) {
	f, err := Parse(strings.NewReader("no equals sign\n1BAD=x\nOK=1\n"))
	require.NoError(t, err)

	vars := f.Vars()
	assert.Len(t, vars, 1)
	assert.Equal(t, "1", vars["OK"])
}

func TestSetAllPreservesCommentsAndOrder(t *testing.T) {
	f, err := Parse(strings.NewReader("# header\nA=1\nB=2\n"))
	require.NoError(t, err)

	f.SetAll(map[string]string{"A": "10", "C": "3"})

	out := f.String()
	assert.Equal(t, "# header\nA=10\nC=3\n", out)

	vars := f.Vars()
	assert.Equal(t, "10", vars["A"])
	assert.Equal(t, "3", vars["C"])
	_, hasB := vars["B"]
	assert.False(t, hasB, "keys absent from the update must be removed")
}

func TestLoadMissingFile(t *testing.T) {
	f, err := Load(filepath.Join(t.TempDir(), "absent.env"))
	require.NoError(t, err)
	assert.Empty(t, f.Vars())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", ".env")

	f := &File{}
	f.SetAll(map[string]string{"key_one": "v1", "KEY_TWO": "v2"})
	require.NoError(t, f.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"KEY_ONE": "v1", "KEY_TWO": "v2"}, loaded.Vars())
}

func TestEnviron(t *testing.T) {
	f, err := Parse(strings.NewReader("B=2\nA=1\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"A=1", "B=2"}, f.Environ())
}
