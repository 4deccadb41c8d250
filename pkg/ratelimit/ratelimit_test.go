package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultClasses(t *testing.T) {
	classes := DefaultClasses()

	assert.Equal(t, 50, classes[ClassFileOperation].Max)
	assert.Equal(t, 15*time.Minute, classes[ClassFileOperation].Window)
	assert.Equal(t, 10, classes[ClassUpload].Max)
	assert.Equal(t, 30, classes[ClassAnalysisRun].Max)
	assert.Equal(t, 5*time.Minute, classes[ClassAnalysisRun].Window)
	assert.Equal(t, 20, classes[ClassDeletion].Max)
	assert.Equal(t, 100, classes[ClassVersionOperation].Max)
	assert.Equal(t, 20, classes[ClassAuth].Max)
}

func TestClassesFromEnv(t *testing.T) {
	t.Setenv("TEST_RATE_LIMIT_FILE_OPERATION_MAX", "3")
	t.Setenv("TEST_RATE_LIMIT_ANALYSIS_RUN_WINDOW_MS", "1000")

	classes := ClassesFromEnv()
	assert.Equal(t, 3, classes[ClassFileOperation].Max)
	assert.Equal(t, time.Second, classes[ClassAnalysisRun].Window)
	// Untouched classes keep their defaults.
	assert.Equal(t, 10, classes[ClassUpload].Max)
}

func TestAllowWithinLimit(t *testing.T) {
	l := NewMemoryLimiter(map[Class]ClassConfig{
		ClassUpload: {Window: time.Minute, Max: 3},
	})
	defer l.Close()

	for i := 0; i < 3; i++ {
		ok, info, err := l.Allow(ClassUpload, "user:u1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, 3, info.Limit)
	}

	ok, info, err := l.Allow(ClassUpload, "user:u1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, info.Remaining)
	assert.Greater(t, info.RetryAfter, time.Duration(0))
}

func TestAllowKeysAreIndependent(t *testing.T) {
	l := NewMemoryLimiter(map[Class]ClassConfig{
		ClassUpload: {Window: time.Minute, Max: 1},
	})
	defer l.Close()

	ok, _, err := l.Allow(ClassUpload, "user:u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = l.Allow(ClassUpload, "user:u2")
	require.NoError(t, err)
	assert.True(t, ok, "second key must have its own window")

	ok, _, err = l.Allow(ClassUpload, "user:u1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClassesAreIndependent(t *testing.T) {
	l := NewMemoryLimiter(map[Class]ClassConfig{
		ClassUpload:   {Window: time.Minute, Max: 1},
		ClassDeletion: {Window: time.Minute, Max: 1},
	})
	defer l.Close()

	ok, _, err := l.Allow(ClassUpload, "user:u1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = l.Allow(ClassDeletion, "user:u1")
	require.NoError(t, err)
	assert.True(t, ok, "a different class must not share the window")
}

func TestWindowSlides(t *testing.T) {
	l := NewMemoryLimiter(map[Class]ClassConfig{
		ClassAuth: {Window: 50 * time.Millisecond, Max: 1},
	})
	defer l.Close()

	ok, _, err := l.Allow(ClassAuth, "ip:1.2.3.4")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _, err = l.Allow(ClassAuth, "ip:1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok)

	time.Sleep(60 * time.Millisecond)

	ok, _, err = l.Allow(ClassAuth, "ip:1.2.3.4")
	require.NoError(t, err)
	assert.True(t, ok, "window must expire")
}

func TestUnknownClass(t *testing.T) {
	l := NewMemoryLimiter(nil)
	defer l.Close()

	_, _, err := l.Allow(Class("bogus"), "user:u1")
	assert.ErrorIs(t, err, ErrUnknownClass)
}

func TestReset(t *testing.T) {
	l := NewMemoryLimiter(map[Class]ClassConfig{
		ClassUpload: {Window: time.Minute, Max: 1},
	})
	defer l.Close()

	ok, _, _ := l.Allow(ClassUpload, "user:u1")
	assert.True(t, ok)
	ok, _, _ = l.Allow(ClassUpload, "user:u1")
	assert.False(t, ok)

	l.Reset(ClassUpload, "user:u1")

	ok, _, _ = l.Allow(ClassUpload, "user:u1")
	assert.True(t, ok)
}

func TestClosedLimiter(t *testing.T) {
	l := NewMemoryLimiter(nil)
	require.NoError(t, l.Close())

	_, _, err := l.Allow(ClassUpload, "user:u1")
	assert.ErrorIs(t, err, ErrLimiterClosed)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "user:u1", Key("u1", "1.2.3.4"))
	assert.Equal(t, "ip:1.2.3.4", Key("", "1.2.3.4"))
	assert.Equal(t, "unknown", Key("", ""))
}
