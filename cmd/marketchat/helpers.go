package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	marketchat "github.com/ssafymarket/marketchat"
)

// getClient creates a chat client from the stored configuration.
func getClient() *marketchat.Client {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Default.BaseURL == "" {
		fmt.Fprintln(os.Stderr, "No base URL. Run 'marketchat config set default.base_url <url>' first.")
		os.Exit(1)
	}
	if cfg.Auth.SessionCookie == "" {
		fmt.Fprintln(os.Stderr, "No session cookie. Run 'marketchat config set auth.session_cookie <cookie>' first.")
		os.Exit(1)
	}

	return marketchat.NewClient(cfg.Default.BaseURL,
		marketchat.WithSessionCookie(cfg.Auth.SessionCookie),
		marketchat.WithLogger(buildLogger(verbose)))
}

// buildLogger returns a console logger, silenced unless --verbose is set.
func buildLogger(verbose bool) zerolog.Logger {
	if !verbose {
		return zerolog.Nop()
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	return zerolog.New(writer).With().Timestamp().Logger().Level(zerolog.DebugLevel)
}

// formatTime renders a message timestamp in local time.
func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

// counterpartyName returns the display name of the other party in a room.
func counterpartyName(room marketchat.ChatRoom) string {
	if room.IAmBuyer {
		return room.SellerName
	}
	return room.BuyerName
}

var verbose bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}
