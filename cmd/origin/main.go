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
	"github.com/termlab/termgate/internal/container"
	"github.com/termlab/termgate/internal/logging"
	"github.com/termlab/termgate/internal/origin"
)

func main() {
	godotenv.Load()
	config.Load()
	logging.Init()
	defer logging.Close()

	if err := config.ValidateOrigin(); err != nil {
		log.Fatalf("Config: %v", err)
	}

	ctx := context.Background()
	containers, err := container.NewManager(ctx, container.Config{
		Image:      config.Cfg.ContainerImage,
		CPUs:       config.Cfg.ContainerCPUs,
		Memory:     config.Cfg.ContainerMemory,
		PidsLimit:  config.Cfg.ContainerPids,
		DockerHost: config.Cfg.DockerHost,
	})
	if err != nil {
		log.Fatalf("Container manager: %v", err)
	}

	sessionTimeout := config.SessionTimeoutDuration()
	host := origin.NewHost(containers, config.Cfg.OriginSecret, sessionTimeout)
	host.StartSweeper(config.SweepIntervalDuration())

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", host.Health)
	r.Get("/stats", host.Stats)
	r.Get(config.Cfg.TerminalPath, host.Terminal)
	r.Get(config.Cfg.TerminalPath+"/", host.Terminal)

	srv := &http.Server{
		Addr:    config.Cfg.OriginAddr,
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("Origin listening on %s (session timeout %s, image %s)",
			config.Cfg.OriginAddr, sessionTimeout, config.Cfg.ContainerImage)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	// Terminate every session (and its container) before refusing new
	// connections: no container survives an intentional exit.
	hostCtx, hostCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer hostCancel()
	host.Shutdown(hostCtx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Origin stopped")
}
