package logship

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDisabled(t *testing.T) {
	s, err := New(&Config{Enabled: false})
	require.NoError(t, err)
	_, ok := s.(NopShipper)
	assert.True(t, ok)
}

func TestHTTPShipperRequiresEndpoint(t *testing.T) {
	_, err := NewHTTPShipper(&Config{})
	assert.Error(t, err)
}

func TestHTTPShipperBatches(t *testing.T) {
	var mu sync.Mutex
	var batches [][]Entry

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var batch []Entry
		require.NoError(t, json.Unmarshal(body, &batch))
		mu.Lock()
		batches = append(batches, batch)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := NewHTTPShipper(&Config{
		Enabled:     true,
		Backend:     "http",
		Endpoint:    srv.URL,
		BufferSize:  10,
		BatchSize:   2,
		FlushPeriod: time.Hour, // flush on batch size only
	})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Ship(&Entry{Time: time.Now(), Level: "info", Message: "m"}))
	}
	require.NoError(t, s.Close())

	mu.Lock()
	defer mu.Unlock()
	var total int
	for _, b := range batches {
		total += len(b)
	}
	assert.Equal(t, 3, total, "close must flush the remainder")
}

func TestHTTPShipperDropsOnFullBuffer(t *testing.T) {
	blocked := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-blocked
	}))
	defer srv.Close()

	s, err := NewHTTPShipper(&Config{
		Enabled:     true,
		Backend:     "http",
		Endpoint:    srv.URL,
		BufferSize:  1,
		BatchSize:   1,
		FlushPeriod: time.Millisecond,
	})
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		require.NoError(t, s.Ship(&Entry{Message: "m"}))
	}
	assert.Greater(t, s.Dropped(), int64(0))

	close(blocked)
	require.NoError(t, s.Close())
}

func TestShipAfterClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	s, err := NewHTTPShipper(&Config{Enabled: true, Endpoint: srv.URL})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Ship(&Entry{}), ErrShipperClosed)
}

func TestGlobalShipper(t *testing.T) {
	SetGlobal(nil)
	Ship("info", "goes nowhere", nil) // must not panic with the nop default
}
