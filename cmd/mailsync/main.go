// Command mailsync runs the offline-first mail synchronizer: a sync
// controller over IMAP accounts with a terminal monitor. The setup
// subcommand adds an account interactively.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/nhle/mailsync/internal/controller"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/evict"
	"github.com/nhle/mailsync/internal/gate"
	"github.com/nhle/mailsync/internal/lifecycle"
	"github.com/nhle/mailsync/internal/mailapi"
	imapsvc "github.com/nhle/mailsync/internal/mailapi/imap"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/store"
	"github.com/nhle/mailsync/internal/ui/setup"
	"github.com/nhle/mailsync/internal/ui/statusview"
)

func main() {
	configPath := flag.String("config", model.DefaultConfigPath(), "path to the configuration file")
	logPath := flag.String("log", "", "path to the log file (default: alongside the database)")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	flag.Parse()

	if flag.Arg(0) == "setup" {
		runSetup(*configPath)
		return
	}

	if err := run(*configPath, *logPath, *verbose); err != nil {
		fmt.Fprintf(os.Stderr, "mailsync: %v\n", err)
		os.Exit(1)
	}
}

// runSetup drives the interactive account form.
func runSetup(configPath string) {
	result, err := setup.Run(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "setup failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Account %q added.\n", result.Account.Name)
}

func run(configPath, logPath string, verbose bool) error {
	cfg, err := model.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if len(cfg.Accounts) == 0 {
		return fmt.Errorf("no accounts configured; run 'mailsync setup' first")
	}

	logger, logClose, err := newLogger(logPath, cfg.DBPath, verbose)
	if err != nil {
		return err
	}
	defer logClose()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	st, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return err
	}
	defer st.Close()

	creds := credential.NewKeyringProvider()

	services := make(map[string]mailapi.Service, len(cfg.Accounts))
	for _, account := range cfg.Accounts {
		services[account.ID] = imapsvc.NewClient(account, creds)
	}
	resolver := func(accountID string) (mailapi.Service, error) {
		svc, ok := services[accountID]
		if !ok {
			return nil, fmt.Errorf("unknown account %s", accountID)
		}
		return svc, nil
	}

	pressure := gate.CachePressure{
		HighWaterBytes: cfg.Sync.HighWaterBytes(),
		CriticalBytes:  cfg.Sync.CriticalBytes(),
	}
	gates := []gate.Gatekeeper{
		gate.Network{},
		pressure,
		gate.Battery{MinPercent: cfg.Sync.MinBatteryPercent},
	}

	ctrl := controller.New(controller.Config{
		Store:    st,
		Services: resolver,
		Creds:    creds,
		Evictor:  evict.New(st, cfg.Sync, logger),
		Accounts: cfg.Accounts,
		Sync:     cfg.Sync,
		Device:   hostDeviceState,
		Gates:    gates,
		Pressure: pressure,
		Logger:   logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ctrl.Start(ctx)
	defer ctrl.Stop()

	driver := lifecycle.New(ctrl, cfg.Sync, logger)
	driver.Start(ctx)
	defer driver.Stop()

	program := tea.NewProgram(
		statusview.New(ctrl.Board(), driver),
		tea.WithAltScreen(),
	)
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("running monitor: %w", err)
	}
	return nil
}

// hostDeviceState describes a desktop host: mains powered, unmetered.
// Mobile embeddings substitute their own probe through the controller
// config.
func hostDeviceState() model.DeviceState {
	return model.DeviceState{
		Network:        model.NetworkUnmetered,
		Charging:       true,
		BatteryPercent: 100,
	}
}

// newLogger opens a structured logger on a file; the TUI owns stdout.
func newLogger(logPath, dbPath string, verbose bool) (*slog.Logger, func(), error) {
	if logPath == "" {
		logPath = filepath.Join(filepath.Dir(dbPath), "mailsync.log")
	}
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return nil, nil, fmt.Errorf("creating log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file: %w", err)
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var w io.Writer = f
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return logger, func() { _ = f.Close() }, nil
}
