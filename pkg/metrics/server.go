package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartServer serves handler at /metrics and, when health is non-nil, the
// preflight report at /healthz. The returned function stops the server.
func StartServer(port int, handler http.Handler, health http.Handler) (shutdown func(context.Context) error) {
	if handler == nil {
		handler = Handler()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	if health != nil {
		mux.Handle("/healthz", health)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprintf(w, `<html><body><h1>Index Build Metrics</h1><p><a href="/metrics">/metrics</a></p></body></html>`)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("metrics server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics server error", "error", err)
		}
	}()

	return server.Shutdown
}
