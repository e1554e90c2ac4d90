package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/sei0o/binchotan-backend/internal/auth/token"
	"github.com/sei0o/binchotan-backend/internal/auth/twitter"
	"github.com/sei0o/binchotan-backend/internal/config"
	"github.com/sei0o/binchotan-backend/internal/credstore"
	"github.com/sei0o/binchotan-backend/internal/db"
	"github.com/sei0o/binchotan-backend/internal/filter"
	"github.com/sei0o/binchotan-backend/internal/ratelimit"
	"github.com/sei0o/binchotan-backend/internal/rpc"
	"github.com/sei0o/binchotan-backend/internal/upstream"
	"github.com/sei0o/binchotan-backend/internal/version"
)

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize credential database: %v", err)
	}

	store := credstore.New(database)
	oauthConf := twitter.NewOAuthConfig(cfg.TwitterClientID, cfg.TwitterClientSecret, cfg.Scopes)
	tokens := token.NewManager(store, oauthConf)
	client := upstream.NewClient()
	tracker := ratelimit.NewTracker()
	flow := twitter.NewFlow(oauthConf, cfg.RedirectHost, store, client, tokens)

	filters := filter.NewEngine(cfg.FilterDir, cfg.FilterTimeout)
	loaded, loadErrs, err := filters.Reload()
	if err != nil {
		log.Fatalf("Failed to load filters: %v", err)
	}
	log.Printf("📦 loaded %d filter program(s): %v", len(loaded), loaded)
	for _, le := range loadErrs {
		log.Printf("⚠️ filter %s failed to load: %v", le.Name, le.Err)
	}

	handler := rpc.NewHandler(store, tokens, client, tracker, filters, flow, cfg)
	server := rpc.NewServer(cfg.SocketPath, handler, cfg.RequestTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Println("🛑 shutting down")
		cancel()
	}()

	log.Printf("🚀 binchotan-backend %s starting", version.Version)
	if err := server.Listen(ctx); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
