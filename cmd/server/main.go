// Package main implements doorbell, the real-time notification push server.
// Browsers open a websocket at /api/notifications/ws with their session
// cookie and receive unread counts and new notifications as they happen.
package main

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/crypto/acme/autocert"

	"github.com/codeGROOVE-dev/doorbell/pkg/api"
	"github.com/codeGROOVE-dev/doorbell/pkg/logger"
	"github.com/codeGROOVE-dev/doorbell/pkg/notify"
	"github.com/codeGROOVE-dev/doorbell/pkg/security"
	"github.com/codeGROOVE-dev/doorbell/pkg/session"
	"github.com/codeGROOVE-dev/doorbell/pkg/srv"
	"github.com/codeGROOVE-dev/doorbell/pkg/webhook"
	"github.com/codeGROOVE-dev/doorbell/pkg/wsproto"
)

const (
	readTimeout     = 10 * time.Second
	writeTimeout    = 10 * time.Second
	idleTimeout     = 120 * time.Second
	maxHeaderBytes  = 20 // Max header size multiplier (1 << 20 = 1MB)
	shutdownTimeout = 5 * time.Second
)

type config struct {
	addr            string
	storePath       string
	jwtSecret       string
	jwtIssuer       string
	sessionURL      string
	webhookSecret   string
	allowedEvents   string
	logLevel        string
	leDomains       string
	leCacheDir      string
	leEmail         string
	issueToken      string
	sessionCacheTTL time.Duration
	issueTTL        time.Duration
	maxConnsPerIP   int
	maxConnsTotal   int
	logJSON         bool
	letsencrypt     bool
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v := os.Getenv(key)
	return v == "true" || v == "1"
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return fallback
}

// parseFlags reads flags whose defaults come from the environment, so it must
// run after .env is loaded.
func parseFlags() config {
	var c config
	flag.StringVar(&c.addr, "addr", envOr("ADDR", ":8080"), "HTTP service address")
	flag.StringVar(&c.storePath, "store", envOr("DOORBELL_STORE", "./notifications.json"), "Path of the JSON notification store")
	flag.StringVar(&c.jwtSecret, "jwt-secret", os.Getenv("SESSION_JWT_SECRET"), "HMAC secret for session JWTs")
	flag.StringVar(&c.jwtIssuer, "jwt-issuer", envOr("SESSION_JWT_ISSUER", "doorbell"), "Expected issuer of session JWTs")
	flag.StringVar(&c.sessionURL, "session-url", os.Getenv("SESSION_VERIFY_URL"),
		"URL of the platform's session introspection endpoint (overrides -jwt-secret)")
	flag.DurationVar(&c.sessionCacheTTL, "session-cache-ttl", envDuration("SESSION_CACHE_TTL", time.Minute),
		"How long verified sessions are cached (0 disables)")
	flag.StringVar(&c.webhookSecret, "webhook-secret", os.Getenv("DOORBELL_WEBHOOK_SECRET"),
		"Shared secret for signed service events (empty disables the ingest endpoint)")
	flag.StringVar(&c.allowedEvents, "allowed-events", envOr("ALLOWED_EVENTS", "*"),
		"Comma-separated list of accepted service event types (use '*' for all)")
	flag.IntVar(&c.maxConnsPerIP, "max-conns-per-ip", envInt("MAX_CONNS_PER_IP", 10), "Maximum WebSocket connections per IP")
	flag.IntVar(&c.maxConnsTotal, "max-conns-total", envInt("MAX_CONNS_TOTAL", 1000), "Maximum total WebSocket connections")
	flag.StringVar(&c.logLevel, "log-level", envOr("LOG_LEVEL", "info"), "Log level: debug, info, warn, error")
	flag.BoolVar(&c.logJSON, "log-json", envBool("LOG_JSON"), "Emit logs as JSON")
	flag.BoolVar(&c.letsencrypt, "letsencrypt", false, "Use Let's Encrypt for automatic TLS certificates")
	flag.StringVar(&c.leDomains, "le-domains", "", "Comma-separated list of domains for Let's Encrypt certificates")
	flag.StringVar(&c.leCacheDir, "le-cache-dir", "./.letsencrypt", "Cache directory for Let's Encrypt certificates")
	flag.StringVar(&c.leEmail, "le-email", "", "Contact email for Let's Encrypt notifications")
	flag.StringVar(&c.issueToken, "issue-token", "", "Print a session token for this user id and exit (needs -jwt-secret)")
	flag.DurationVar(&c.issueTTL, "issue-ttl", 24*time.Hour, "Lifetime of tokens minted with -issue-token")
	flag.Parse()
	return c
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func buildVerifier(c config) (session.Verifier, error) {
	var v session.Verifier
	switch {
	case c.sessionURL != "":
		log.Printf("verifying sessions against %s", c.sessionURL)
		v = session.NewRemoteVerifier(c.sessionURL, logger.Logger())
	case c.jwtSecret != "":
		log.Printf("verifying sessions as JWTs issued by %q", c.jwtIssuer)
		v = session.NewJWTVerifier(c.jwtSecret, c.jwtIssuer)
	default:
		return nil, errors.New("no session verifier configured: set -session-url or -jwt-secret")
	}
	if c.sessionCacheTTL > 0 {
		v = session.NewCachingVerifier(v, c.sessionCacheTTL)
	}
	return v, nil
}

//nolint:funlen,revive // Main function orchestrates entire server setup and cannot be split without losing clarity
func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("failed to load .env: %v", err)
	}
	cfg := parseFlags()

	logger.SetLogger(logger.NewWithOptions(os.Stderr, logger.ParseLevel(cfg.logLevel), cfg.logJSON))

	if cfg.issueToken != "" {
		if cfg.jwtSecret == "" {
			log.Fatal("ERROR: -issue-token requires -jwt-secret or SESSION_JWT_SECRET")
		}
		token, err := session.Issue(cfg.jwtSecret, cfg.jwtIssuer, cfg.issueToken, "user", cfg.issueTTL)
		if err != nil {
			log.Fatalf("failed to issue token: %v", err)
		}
		fmt.Println(token) //nolint:forbidigo // CLI output
		return
	}

	verifier, err := buildVerifier(cfg)
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}

	store, err := notify.OpenFileStore(cfg.storePath)
	if err != nil {
		log.Fatalf("ERROR: %v", err)
	}
	log.Printf("notification store: %s", cfg.storePath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := srv.NewRegistry()
	go registry.Run(ctx)

	dispatcher := srv.NewDispatcher(registry, store)
	connLimiter := security.NewConnectionLimiter(cfg.maxConnsPerIP, cfg.maxConnsTotal)
	handshaker := srv.NewHandshaker(verifier, registry, dispatcher, connLimiter, srv.DefaultConfig())

	mux := http.NewServeMux()

	// Health check endpoint - exact match only
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(map[string]any{
			"status":      "ok",
			"users":       registry.UserCount(),
			"connections": registry.ConnCount(),
		}); err != nil {
			log.Printf("failed to write health check response: %v", err)
		}
	})
	log.Println("Registered health check handler at /healthz")

	api.New(store, verifier, dispatcher).Register(mux)
	log.Println("Registered REST handlers under /api/notifications")

	if cfg.webhookSecret != "" {
		var allowed []string // nil means allow all
		if cfg.allowedEvents != "*" {
			allowed = splitList(cfg.allowedEvents)
			log.Printf("Allowing service event types: %v", allowed)
		}
		mux.Handle("/api/internal/notifications", webhook.NewHandler(store, dispatcher, cfg.webhookSecret, allowed))
		log.Println("Registered service event handler at /api/internal/notifications")
	} else {
		log.Println("WARNING: no webhook secret set; service event ingest disabled")
	}

	server := &http.Server{
		Addr:           cfg.addr,
		Handler:        srv.UpgradeRouter(handshaker, mux),
		ReadTimeout:    readTimeout,
		WriteTimeout:   writeTimeout,
		IdleTimeout:    idleTimeout,
		MaxHeaderBytes: 1 << maxHeaderBytes, // 1MB
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		log.Println("shutting down server...")

		// Hijacked sockets are not tracked by Shutdown; say goodbye to them first.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		n := registry.CloseAll(wsproto.CloseGoingAway, "server shutting down")
		if err := registry.WaitEmpty(shutdownCtx); err != nil {
			log.Printf("websocket drain incomplete: %v", err)
		}
		log.Printf("closed %d websocket connections", n)

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown error: %v", err)
		}
		close(done)
	}()

	if cfg.letsencrypt {
		err = serveLetsEncrypt(server, cfg)
	} else {
		log.Print("WARNING: TLS not enabled. Use -letsencrypt for production")
		log.Printf("starting HTTP server on %s", cfg.addr)
		err = server.ListenAndServe()
	}

	if !errors.Is(err, http.ErrServerClosed) {
		log.Printf("server error: %v", err)
		return
	}

	<-done
	log.Println("server stopped")
}

// serveLetsEncrypt serves HTTPS on :443 with autocert, plus the ACME
// challenge listener on :80.
func serveLetsEncrypt(server *http.Server, cfg config) error {
	if cfg.leDomains == "" {
		return errors.New("let's encrypt requires -le-domains to be specified")
	}
	domains := splitList(cfg.leDomains)

	// Create cache directory if it doesn't exist
	if err := os.MkdirAll(cfg.leCacheDir, 0o700); err != nil {
		return fmt.Errorf("create Let's Encrypt cache directory: %w", err)
	}

	certManager := &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(domains...),
		Cache:      autocert.DirCache(cfg.leCacheDir),
		Email:      cfg.leEmail,
	}

	server.Addr = ":443"
	server.TLSConfig = &tls.Config{
		GetCertificate: certManager.GetCertificate,
		MinVersion:     tls.VersionTLS13,
	}

	go func() {
		acmeServer := &http.Server{
			Addr:         ":80",
			Handler:      certManager.HTTPHandler(nil),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		}
		log.Println("starting HTTP server on :80 for Let's Encrypt ACME challenges")
		log.Println("NOTE: Port 80 must be accessible from the internet for certificate issuance/renewal")
		if err := acmeServer.ListenAndServe(); err != nil {
			log.Printf("HTTP ACME server error: %v", err)
			log.Print("WARNING: Let's Encrypt certificate issuance/renewal may fail without port 80")
		}
	}()

	log.Printf("starting HTTPS server on :443 with Let's Encrypt for domains: %v", domains)
	return server.ListenAndServeTLS("", "")
}
