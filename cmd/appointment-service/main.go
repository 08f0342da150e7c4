package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/medrex/appointments/internal/scheduling"
	"github.com/medrex/appointments/pkg/config"
	"github.com/medrex/appointments/pkg/database"
	"github.com/medrex/appointments/pkg/logger"
	"github.com/spf13/cobra"
)

// version is set at build time
var version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:   "appointment-service",
		Short: "Doctor appointment scheduling service",
	}

	serve := serveCmd()
	rootCmd.AddCommand(serve)
	rootCmd.AddCommand(migrateCmd())
	rootCmd.RunE = serve.RunE

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				log.Printf("Failed to load configuration: %v", err)
				return err
			}

			logger := logger.New(cfg.LogLevel)
			scheduling.ServiceVersion = version

			service, err := scheduling.New(cfg, logger)
			if err != nil {
				logger.WithError(err).Error("Failed to initialize appointment service")
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				errCh <- service.Start()
			}()

			select {
			case err := <-errCh:
				if err != nil {
					logger.WithError(err).Error("Appointment service failed")
					_ = service.Stop(context.Background())
					return err
				}
			case <-ctx.Done():
			}

			logger.Info("Shutting down appointment service...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
			defer cancel()

			if err := service.Stop(shutdownCtx); err != nil {
				logger.WithError(err).Error("Error during shutdown")
				return err
			}
			logger.Info("Appointment service stopped")
			return nil
		},
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the Postgres record store tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			logger := logger.New(cfg.LogLevel)

			db, err := database.NewConnection(&cfg.Database, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			if err := db.CreateSchema(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Println("Record store schema is up to date.")
			return nil
		},
	}
}
