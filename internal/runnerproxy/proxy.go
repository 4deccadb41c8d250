// Package runnerproxy is the child-side embodiment of the shared resolver:
// a loopback forward proxy whose dialer resolves every hostname through
// the DNS IPC client instead of the OS resolver. The runner points the
// user script's HTTP(S)_PROXY at it before the script starts.
package runnerproxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"analysisd/internal/dnsipc"
)

const dialTimeout = 30 * time.Second

// Proxy is the loopback forward proxy.
type Proxy struct {
	listener net.Listener
	server   *http.Server
	client   *dnsipc.Client
	wg       sync.WaitGroup
}

// Start listens on an ephemeral loopback port and begins serving.
func Start(client *dnsipc.Client) (*Proxy, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("runnerproxy: listen failed: %w", err)
	}

	p := &Proxy{
		listener: listener,
		client:   client,
	}
	p.server = &http.Server{Handler: p}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_ = p.server.Serve(listener)
	}()
	return p, nil
}

// URL returns the proxy address for HTTP(S)_PROXY.
func (p *Proxy) URL() string {
	return "http://" + p.listener.Addr().String()
}

// Close stops the listener and waits for the serve loop.
func (p *Proxy) Close() error {
	err := p.server.Close()
	p.wg.Wait()
	return err
}

// dial resolves hostPort through the IPC client and connects to the
// resulting address. IP literals pass through to the parent too, so the
// SSRF policy applies uniformly.
func (p *Proxy) dial(ctx context.Context, hostPort string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(hostPort)
	if err != nil {
		return nil, fmt.Errorf("runnerproxy: bad address %q: %w", hostPort, err)
	}

	address, _, err := p.client.Lookup(host, 0)
	if err != nil {
		return nil, fmt.Errorf("runnerproxy: resolve %s: %w", host, err)
	}

	d := net.Dialer{Timeout: dialTimeout}
	return d.DialContext(ctx, "tcp", net.JoinHostPort(address, port))
}

// ServeHTTP handles CONNECT tunnels and plain proxied requests.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		p.handleConnect(w, r)
		return
	}
	p.handleForward(w, r)
}

func (p *Proxy) handleConnect(w http.ResponseWriter, r *http.Request) {
	upstream, err := p.dial(r.Context(), r.Host)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	defer upstream.Close()

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking unsupported", http.StatusInternalServerError)
		return
	}
	clientConn, _, err := hijacker.Hijack()
	if err != nil {
		return
	}
	defer clientConn.Close()

	_, _ = clientConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	done := make(chan struct{}, 2)
	go pipe(upstream, clientConn, done)
	go pipe(clientConn, upstream, done)
	<-done
}

func pipe(dst io.Writer, src io.Reader, done chan<- struct{}) {
	_, _ = io.Copy(dst, src)
	done <- struct{}{}
}

func (p *Proxy) handleForward(w http.ResponseWriter, r *http.Request) {
	if r.URL.Scheme == "" || r.URL.Host == "" {
		http.Error(w, "proxy request expected", http.StatusBadRequest)
		return
	}

	target := &url.URL{Scheme: r.URL.Scheme, Host: r.URL.Host}
	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = target.Scheme
			req.URL.Host = target.Host
		},
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return p.dial(ctx, addr)
			},
		},
	}
	rp.ServeHTTP(w, r)
}
