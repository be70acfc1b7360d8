package main

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func main() {
	// Auto-load ./.env if present (no external dependency) before reading vars
	loadDotEnv()

	log := setupLogging()

	cfg, err := loadConfig()
	if err != nil {
		log.WithError(err).Fatal("configuration")
	}
	jwtSecret = []byte(cfg.JWTSecret)

	store, err := NewStore(postgresOpener(cfg.DSN), log)
	if err != nil {
		log.WithError(err).Fatal("store init")
	}

	// Support a lightweight migrate command: `./arka migrate`
	// It runs AutoMigrate and seeding then exits. Useful for CI or manual DB setup.
	if len(os.Args) > 1 && os.Args[1] == "migrate" {
		log.Info("migration and seeding completed")
		return
	}

	stopKeepalive := store.StartKeepalive(cfg.KeepaliveInterval)
	defer stopKeepalive()

	api := &API{
		store:        store,
		log:          log,
		limits:       cfg.DocumentLimits(),
		cleanupDelay: cfg.DocCleanupDelay,
	}

	r := gin.Default()
	setupRoutes(r, api)

	log.WithField("addr", cfg.Addr).Info("arka ledger starting")
	if err := r.Run(cfg.Addr); err != nil {
		log.WithError(err).Fatal("server stopped")
	}
}

func setupLogging() *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})
	log.SetLevel(logrus.InfoLevel)
	return log
}

// loadDotEnv loads key=value pairs from a local .env file into the environment
// without overwriting variables that are already set. Lines starting with # are ignored.
func loadDotEnv() {
	path := ".env"
	if _, err := os.Stat(path); err != nil {
		return // no .env file
	}
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// split on first '='
		if eq := strings.IndexByte(line, '='); eq > 0 {
			key := strings.TrimSpace(line[:eq])
			val := strings.TrimSpace(line[eq+1:])
			if _, exists := os.LookupEnv(key); !exists {
				_ = os.Setenv(key, val)
			}
		}
	}
}
