// main.go — relayd daemon entrypoint: config from environment, logger
// construction, persistence hook selection, and HTTP server wiring.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/coderelay/relayd/internal/auth"
	"github.com/coderelay/relayd/internal/persistence/memorypersist"
	"github.com/coderelay/relayd/internal/persistence/mongopersist"
	"github.com/coderelay/relayd/internal/relay"
	"github.com/coderelay/relayd/internal/transport"
)

// config is populated from environment variables; defaults favor a
// no-Mongo local-dev mode with an in-memory buffer.
type config struct {
	addr            string
	bufferCapacity  int
	mongoURI        string
	mongoDatabase   string
	jwtAudience     string
	jwtSecret       string
	logFormat       string
}

func loadConfig() config {
	c := config{
		addr:           getenv("RELAYD_ADDR", ":8080"),
		bufferCapacity: getenvInt("RELAYD_BUFFER_CAPACITY", 500),
		mongoURI:       os.Getenv("RELAYD_MONGO_URI"),
		mongoDatabase:  getenv("RELAYD_MONGO_DATABASE", "relayd"),
		jwtAudience:    os.Getenv("RELAYD_JWT_AUDIENCE"),
		jwtSecret:      os.Getenv("RELAYD_JWT_SECRET"),
		logFormat:      getenv("RELAYD_LOG_FORMAT", "json"),
	}
	return c
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func buildLogger(format string) *slog.Logger {
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stderr, nil)
	} else {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	}
	return slog.New(handler)
}

func main() {
	cfg := loadConfig()
	logger := buildLogger(cfg.logFormat)
	slog.SetDefault(logger)

	hook := buildPersistenceHook(cfg, logger)

	reg := relay.NewRegistry(cfg.bufferCapacity, hook, logger)

	var verifier auth.Verifier
	if cfg.jwtSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.jwtSecret), cfg.jwtAudience)
	} else {
		verifier = auth.InsecureAllowAll{}
		logger.Warn("no RELAYD_JWT_SECRET configured; using InsecureAllowAll verifier")
	}

	srv := transport.NewServer(reg, verifier, logger, nil)

	httpServer := &http.Server{
		Addr:         cfg.addr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // WebSocket connections are long-lived
		IdleTimeout:  60 * time.Second,
	}

	logger.Info("relayd starting", "addr", cfg.addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("relayd exited", "err", err)
		os.Exit(1)
	}
}

func buildPersistenceHook(cfg config, logger *slog.Logger) relay.PersistenceHook {
	if cfg.mongoURI == "" {
		logger.Info("no RELAYD_MONGO_URI configured; using in-memory persistence")
		return memorypersist.New(cfg.bufferCapacity * 20)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongopersist.Dial(ctx, cfg.mongoURI)
	if err != nil {
		transient := false
		var dialErr *mongopersist.DialError
		if errors.As(err, &dialErr) {
			transient = dialErr.Transient
		}
		logger.Error("failed to connect to MongoDB, falling back to in-memory persistence",
			"err", err, "transient", transient)
		return memorypersist.New(cfg.bufferCapacity * 20)
	}
	return mongopersist.New(client, cfg.mongoDatabase, logger)
}
