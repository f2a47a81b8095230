package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	felixchat "github.com/huanz1234/felix-lml-chat"
	"github.com/huanz1234/felix-lml-chat/internal/handlers"
	"github.com/huanz1234/felix-lml-chat/internal/services"
	"github.com/huanz1234/felix-lml-chat/internal/stream"
	"github.com/spf13/cobra"
)

func newServeCmd(a *app) *cobra.Command {
	var port, style string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat web interface",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			if port != "" {
				a.cfg.Port = port
			}
			return a.serve(style)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "Port to listen on, overrides the config file")
	cmd.Flags().StringVar(&style, "style", "github", "Code highlighting style")

	return cmd
}

func (a *app) serve(style string) error {
	logger := a.logger

	if err := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0755); err != nil {
		return fmt.Errorf("error creating database directory: %w", err)
	}
	boltDB, err := services.NewBoltDB(a.cfg.DBPath)
	if err != nil {
		return err
	}
	defer boltDB.Close()

	client := services.NewClient(a.cfg.clientConfig(), logger)
	aggregator := stream.NewAggregator(logger, stream.WithInterval(a.cfg.Stream.Interval))

	m, err := handlers.NewMain(
		client,
		client,
		boltDB,
		aggregator,
		services.NewMarkdown(style),
		a.cfg.streaming(),
		logger,
	)
	if err != nil {
		return fmt.Errorf("error creating handlers: %w", err)
	}

	// Serve static files
	staticFS, err := fs.Sub(felixchat.StaticFS, "static")
	if err != nil {
		return err
	}
	fileServer := http.FileServer(http.FS(staticFS))

	// Create custom mux
	mux := http.NewServeMux()
	mux.Handle("/static/", http.StripPrefix("/static/", fileServer))
	mux.HandleFunc("/", m.HandleHome)
	mux.HandleFunc("/chats", m.HandleChats)
	mux.HandleFunc("/chats/cancel", m.HandleCancelChat)
	mux.HandleFunc("/chats/delete", m.HandleDeleteChat)
	mux.HandleFunc("/sse", m.HandleSSE)

	// Create custom server
	srv := &http.Server{
		Addr:              ":" + a.cfg.Port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Channel to listen for errors coming from the listener
	serverErrors := make(chan error, 1)

	// Start server in goroutine
	go func() {
		logger.Info("Server starting", slog.String("addr", srv.Addr), slog.String("model", a.cfg.LLM.Model))
		serverErrors <- srv.ListenAndServe()
	}()

	// Channel to listen for interrupt/terminate signals
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	// Blocking select waiting for either interrupt or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)

	case sig := <-shutdown:
		logger.Info("Start shutdown", slog.String("signal", sig.String()))

		// Create context with timeout for shutdown
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		// Replies are finished or cut short first, so the event stream connections can end and the
		// store is written before it closes.
		if err := m.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown sse server", slog.String("err", err.Error()))
		}

		// Gracefully shutdown the server
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Graceful shutdown failed", slog.String("err", err.Error()))
			if err := srv.Close(); err != nil {
				logger.Error("Forcing server close", slog.String("err", err.Error()))
			}
		}
	}
	return nil
}
