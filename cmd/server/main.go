package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/diegodesogos/quozen/internal/docstore/sqlitedoc"
	"github.com/diegodesogos/quozen/internal/service"
	"github.com/diegodesogos/quozen/internal/settings"
	"github.com/diegodesogos/quozen/pkg/logging"
)

const port = 8080

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	logging.Setup()

	dbPath := getEnv("DB_PATH", "./data/quozen.db")
	userID := getEnv("USER_ID", "dev-user")
	userEmail := getEnv("USER_EMAIL", "dev@example.com")
	userName := getEnv("USER_NAME", "Dev User")

	store, err := sqlitedoc.New(dbPath, userEmail)
	if err != nil {
		slog.Error("Failed to initialize document store", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	slog.Info("Document store initialized", "database", dbPath, "user", userEmail)

	queue := settings.NewQueue()
	defer queue.Close()

	groups := service.NewGroupService(store, queue, service.Identity{
		UserID: userID,
		Email:  userEmail,
		Name:   userName,
	})

	// Warm the settings cache so the first caller sees a reconciled view.
	st, err := groups.Settings(context.Background())
	if err != nil {
		slog.Error("Failed to load settings", "error", err)
		os.Exit(1)
	}
	slog.Info("Settings loaded", "groups", len(st.GroupCache), "active", st.ActiveGroupID)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	addr := fmt.Sprintf(":%d", port)
	slog.Info("Metrics server starting", "address", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
