package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"biblioteca-auth/internal/factory"
	"biblioteca-auth/internal/handler"
	"biblioteca-auth/internal/util"
)

func main() {
	// Initialize factory (which loads config and wires all dependencies)
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()

	router := handler.NewRouter(cfg, f.AuthHandler(), f.ExerciseHandler(), f.DiagnosticsHandler(), util.Get())

	server := &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	if cfg.Server.EnableTLS {
		tlsManager := f.TLSManager()
		server.Addr = cfg.TLSAddress()
		server.TLSConfig = tlsManager.ServerConfig()

		// ACME needs a plain-HTTP listener for HTTP-01 challenges; it also
		// redirects stray HTTP traffic to the TLS port.
		if challenge := tlsManager.ChallengeHandler(); challenge != nil {
			go func() {
				httpServer := &http.Server{Addr: cfg.ServerAddress(), Handler: challenge}
				if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					util.Error("ACME challenge listener failed", util.ErrorField(err))
				}
			}()
		}

		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				util.Fatal("Server failed to start", util.ErrorField(err))
			}
		}()
	} else {
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				util.Fatal("Server failed to start", util.ErrorField(err))
			}
		}()
	}

	util.Info("Server started successfully",
		util.String("environment", cfg.Environment),
		util.String("address", server.Addr),
		util.Bool("tls", cfg.Server.EnableTLS),
	)

	waitForShutdown(f, server)
}

func waitForShutdown(f *factory.Factory, server *http.Server) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
	} else {
		util.Info("Server shutdown completed")
	}
	f.Close()
}
