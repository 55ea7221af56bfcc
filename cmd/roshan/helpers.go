package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	roshan "github.com/roshanchat/roshan"
)

// getApp builds the application context from the stored configuration.
func getApp() *roshan.App {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Gateway.URL == "" {
		fmt.Fprintln(os.Stderr, "No gateway configured. Run 'roshan init <gateway-url>' first.")
		os.Exit(1)
	}

	var gwOpts []roshan.GatewayOption
	if cfg.Gateway.APIKey != "" {
		gwOpts = append(gwOpts, roshan.WithAPIKey(cfg.Gateway.APIKey))
	}
	gw := roshan.NewRESTGateway(cfg.Gateway.URL, gwOpts...)

	dbPath, err := statePath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to locate state directory: %v\n", err)
		os.Exit(1)
	}
	store, err := roshan.OpenSessionStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open session store: %v\n", err)
		os.Exit(1)
	}

	opts := &roshan.Options{
		MessagesPerPage: cfg.Client.MessagesPerPage,
		UsersPerPage:    cfg.Client.UsersPerPage,
	}
	return roshan.NewApp(gw, store, opts)
}

// resumeApp builds the application context and restores the persisted
// session, exiting with guidance when no live session exists.
func resumeApp(ctx context.Context) *roshan.App {
	app := getApp()
	if _, err := app.Resume(ctx); err != nil {
		switch {
		case errors.Is(err, roshan.ErrNoSession):
			fmt.Fprintln(os.Stderr, "Not logged in. Run 'roshan login <username> <password>' first.")
		case errors.Is(err, roshan.ErrSessionExpired):
			fmt.Fprintln(os.Stderr, "Session expired. Run 'roshan login <username> <password>' again.")
		default:
			fmt.Fprintf(os.Stderr, "Failed to resume session: %v\n", err)
		}
		os.Exit(1)
	}
	return app
}
