// Command pausingproxy demonstrates the delay-injection hook: every
// CONNECT tunnel it establishes is paused for 30 seconds before the first
// byte of tunnel traffic is allowed through.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaycore/relay"
)

func main() {
	proxy, err := relay.Init("127.0.0.1:31337")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialise proxy: %v\n", err)
		os.Exit(1)
	}

	port, err := proxy.GetPort()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to retrieve bound port: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("pausingproxy is listening on 127.0.0.1:%d\n", port)

	proxy.SetCallbacks(relay.Callbacks{
		OnDirectConnect: func(h *relay.ConnHandle) {
			slog.Info("pausing post-CONNECT for 30 seconds", "time", time.Now().Format(time.RFC3339))
			h.InsertPause(30 * time.Second)
		},
	})
	fmt.Println("\n---> each CONNECT will pause for 30 seconds <---")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("shutdown signal received", "signal", sig.String())
		proxy.Stop()
	}()

	if err := proxy.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "pausingproxy exited with error: %v\n", err)
		os.Exit(1)
	}
	proxy.LogStats()
	fmt.Println("pausingproxy exited cleanly")
}
