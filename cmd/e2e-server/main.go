// Package main runs the mock forecast services as a standalone HTTP server so
// the consensus server can be exercised end to end without real agents.
//
// Point the server at it with, for example:
//
//	PROVIDER_ENDPOINTS=technical=http://localhost:9090/technical,fundamental=http://localhost:9090/fundamental
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"trade-consensus/e2e/mocks"
	"trade-consensus/observability"
)

func main() {
	observability.InitLogger(false)

	port := os.Getenv("E2E_SERVER_PORT")
	if port == "" {
		port = "9090"
	}

	mock := mocks.NewMockServer()
	agents := mock.Agents()
	sort.Strings(agents)

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mock,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		observability.Info("starting mock forecast server", "port", port, "agents", agents,
			"url", fmt.Sprintf("http://localhost:%s/{agent}", port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			observability.Fatal("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	observability.Info("shutting down mock forecast server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		observability.Fatal("server forced to shutdown", "error", err)
	}
	observability.Info("mock forecast server stopped")
}
