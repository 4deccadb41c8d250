package dnsipc

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// echoHandler answers every request with a fixed address.
type echoHandler struct{}

func (echoHandler) Handle(_ context.Context, req *Request) *Response {
	switch req.Type {
	case TypeLookupRequest:
		return &Response{Success: true, Address: "198.51.100.7", Family: 4}
	case TypeResolve4Request:
		return &Response{Success: true, Addresses: []string{"198.51.100.7"}}
	default:
		return Failure(req, "no AAAA records")
	}
}

func TestClientServerRoundTrip(t *testing.T) {
	// Two pipe pairs, crossed over like the supervisor wires them.
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	defer reqW.Close()
	defer respW.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = Serve(ctx, reqR, respW, echoHandler{})
	}()

	client := NewClient(respR, reqW)
	defer client.Close()

	address, family, err := client.Lookup("a.example", 4)
	require.NoError(t, err)
	assert.Equal(t, "198.51.100.7", address)
	assert.Equal(t, 4, family)

	addrs, err := client.Resolve4("a.example")
	require.NoError(t, err)
	assert.Equal(t, []string{"198.51.100.7"}, addrs)

	_, err = client.Resolve6("a.example")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no AAAA records")
}

func TestServerEchoesRequestID(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	defer reqW.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = Serve(ctx, reqR, respW, echoHandler{})
	}()

	req := Request{Type: TypeLookupRequest, RequestID: "req-42", Hostname: "a.example"}
	data, _ := json.Marshal(req)
	_, err := reqW.Write(append(data, '\n'))
	require.NoError(t, err)

	scanner := bufio.NewScanner(respR)
	require.True(t, scanner.Scan())

	var resp Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	assert.Equal(t, "req-42", resp.RequestID)
	assert.Equal(t, TypeLookupResponse, resp.Type)
}

func TestServerIgnoresUnknownTypes(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	defer reqW.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = Serve(ctx, reqR, respW, echoHandler{})
	}()

	// Unknown discriminator first, then a valid request: only the valid
	// one gets a response.
	_, err := reqW.Write([]byte(`{"type":"DNS_BOGUS_REQUEST","requestId":"x"}` + "\n"))
	require.NoError(t, err)
	_, err = reqW.Write([]byte(`{"type":"DNS_LOOKUP_REQUEST","requestId":"y","hostname":"a.example"}` + "\n"))
	require.NoError(t, err)

	scanner := bufio.NewScanner(respR)
	require.True(t, scanner.Scan())
	var resp Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	assert.Equal(t, "y", resp.RequestID)
}

func TestServerSkipsMalformedLines(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, respW := io.Pipe()
	defer reqW.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = Serve(ctx, reqR, respW, echoHandler{})
	}()

	_, err := reqW.Write([]byte("not json at all\n"))
	require.NoError(t, err)
	_, err = reqW.Write([]byte(`{"type":"DNS_RESOLVE4_REQUEST","requestId":"z","hostname":"a.example"}` + "\n"))
	require.NoError(t, err)

	scanner := bufio.NewScanner(respR)
	require.True(t, scanner.Scan())
	var resp Response
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &resp))
	assert.Equal(t, "z", resp.RequestID)
	assert.Equal(t, TypeResolve4Response, resp.Type)
}

func TestClientFailsPendingOnClose(t *testing.T) {
	reqR, reqW := io.Pipe()
	respR, _ := io.Pipe()

	client := NewClient(respR, reqW)

	// Drain the request so the write does not block.
	go func() {
		scanner := bufio.NewScanner(reqR)
		scanner.Scan()
	}()

	done := make(chan error, 1)
	go func() {
		_, _, err := client.Lookup("a.example", 4)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	client.Close()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClientClosed)
	case <-time.After(time.Second):
		t.Fatal("pending request did not fail on close")
	}
}

func TestResponseTypeMapping(t *testing.T) {
	assert.Equal(t, TypeLookupResponse, responseType(TypeLookupRequest))
	assert.Equal(t, TypeResolve4Response, responseType(TypeResolve4Request))
	assert.Equal(t, TypeResolve6Response, responseType(TypeResolve6Request))
	assert.Empty(t, responseType("DNS_BOGUS_REQUEST"))
}
