package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/termlab/termgate/internal/config"
	"github.com/termlab/termgate/internal/gateway"
	"github.com/termlab/termgate/internal/logging"
	"github.com/termlab/termgate/internal/store"
)

func main() {
	godotenv.Load()
	config.Load()
	logging.Init()
	defer logging.Close()

	if err := config.ValidateGateway(); err != nil {
		log.Fatalf("Config: %v", err)
	}

	st := store.New()
	defer st.Close()

	limiter := gateway.NewRateLimiter(st, config.Cfg.RateLimitMax, config.RateLimitWindowDuration())
	registry := gateway.NewRegistry(st, config.SessionEntryTTLDuration())
	policy := gateway.NewPolicy(config.Cfg.BlockedCountries)
	handler := gateway.NewHandler(limiter, registry, policy,
		config.Cfg.JWTSecret, config.Cfg.OriginSecret, config.Cfg.OriginURL)

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", handler.Health(st.Backend()))
	r.Get(config.Cfg.TerminalPath, handler.Terminal)
	r.Get(config.Cfg.TerminalPath+"/", handler.Terminal)

	srv := &http.Server{
		Addr:    config.Cfg.GatewayAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Gateway listening on %s (rate limit %d/%s, origin %s)",
			config.Cfg.GatewayAddr, config.Cfg.RateLimitMax,
			config.RateLimitWindowDuration(), config.Cfg.OriginURL)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Gateway stopped")
}
