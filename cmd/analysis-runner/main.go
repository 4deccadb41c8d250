// analysis-runner is the child-side shim the supervisor forks instead of
// the user script directly. Before the script starts, it wires the DNS IPC
// client over the inherited descriptors and exposes it to the script as a
// local forward proxy, so every connection the script makes resolves
// through the parent's shared, SSRF-filtered resolver. It then executes
// the script interpreter with stdio passed through and mirrors the
// script's exit code.
package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"analysisd/internal/dnsipc"
	"analysisd/internal/runnerproxy"
)

const (
	// Inherited from the supervisor: fd 3 carries responses to the child,
	// fd 4 carries requests to the parent.
	responseFD = 3
	requestFD  = 4
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: analysis-runner <script>")
		os.Exit(2)
	}
	scriptPath := os.Args[1]

	respPipe := os.NewFile(responseFD, "dns-responses")
	reqPipe := os.NewFile(requestFD, "dns-requests")
	if respPipe == nil || reqPipe == nil {
		fmt.Fprintln(os.Stderr, "analysis-runner: DNS IPC descriptors missing")
		os.Exit(2)
	}

	client := dnsipc.NewClient(respPipe, reqPipe)
	defer client.Close()

	proxy, err := runnerproxy.Start(client)
	if err != nil {
		fmt.Fprintf(os.Stderr, "analysis-runner: failed to start resolver proxy: %v\n", err)
		os.Exit(2)
	}
	defer proxy.Close()

	interpreter := os.Getenv("ANALYSIS_INTERPRETER")
	if interpreter == "" {
		interpreter = "node"
	}

	cmd := exec.Command(interpreter, scriptPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	cmd.Env = append(os.Environ(),
		"HTTP_PROXY="+proxy.URL(),
		"HTTPS_PROXY="+proxy.URL(),
		"http_proxy="+proxy.URL(),
		"https_proxy="+proxy.URL(),
	)

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "analysis-runner: failed to start script: %v\n", err)
		os.Exit(2)
	}

	// Forward cooperative termination to the script.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, os.Interrupt)
	go func() {
		for sig := range signals {
			if cmd.Process != nil {
				_ = cmd.Process.Signal(sig)
			}
		}
	}()

	err = cmd.Wait()
	signal.Stop(signals)
	close(signals)

	if err == nil {
		os.Exit(0)
	}
	if ee, ok := err.(*exec.ExitError); ok {
		os.Exit(ee.ExitCode())
	}
	fmt.Fprintf(os.Stderr, "analysis-runner: %v\n", err)
	os.Exit(1)
}
