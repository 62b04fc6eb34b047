package main

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"

	"admin-auth/internal/app"
	"admin-auth/internal/observability"
)

func main() {
	logger := observability.NewLogger()

	runtime, err := app.Build(app.Options{
		LoadDotEnv:    true,
		RunMigrations: true,
	})
	if err != nil {
		logger.Error("bootstrap_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
	defer runtime.Close()

	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	addr := fmt.Sprintf(":%s", port)
	logger.Info("server_start", map[string]any{"addr": addr})
	if err := http.ListenAndServe(addr, runtime.Handler); err != nil {
		logger.Error("server_failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}
