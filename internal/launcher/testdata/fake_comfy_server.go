package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

// Accepts the launcher's command line: -u <script> --disable-auto-launch
// --disable-metadata --listen <host> --port <port> [--exit-early]
// [--never-ready] [--hang-health] [--ignore-term].
func main() {
	host, port := "127.0.0.1", "8188"
	var exitEarly, neverReady, hangHealth, ignoreTerm bool
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--listen":
			i++
			host = args[i]
		case "--port":
			i++
			port = args[i]
		case "--exit-early":
			exitEarly = true
		case "--never-ready":
			neverReady = true
		case "--hang-health":
			hangHealth = true
		case "--ignore-term":
			ignoreTerm = true
		}
	}
	if exitEarly {
		fmt.Fprintln(os.Stderr, "Traceback: torch not compiled with CUDA enabled")
		os.Exit(3)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, r *http.Request) {
		if hangHealth {
			<-r.Context().Done()
			return
		}
		if neverReady {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"system":{"os":"posix"},"devices":[]}`))
	})
	srv := &http.Server{Addr: host + ":" + port, Handler: mux}
	go func() {
		// simulate model loading
		time.Sleep(150 * time.Millisecond)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	for {
		<-sigCh
		if !ignoreTerm {
			break
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
