// Command agentd runs the OMEMO-encrypting XMPP bridge: it loads
// configured accounts, dials each one, decrypts inbound traffic, hands
// plaintext to an external agent runtime over a local RPC bridge, and
// starts a read-only operator status view.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/meszmate/agentd/internal/config"
	"github.com/meszmate/agentd/internal/daemon"
	"github.com/meszmate/agentd/internal/logging"
	"github.com/meszmate/agentd/internal/ui"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "agentd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	accountsCfg, err := config.LoadAccounts()
	if err != nil {
		return fmt.Errorf("loading accounts: %w", err)
	}

	lg, err := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		File:    cfg.Logging.File,
		Console: cfg.Logging.Console,
	})
	if err != nil {
		return fmt.Errorf("starting logger: %w", err)
	}
	defer lg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := daemon.New(ctx, cfg, accountsCfg.Accounts, lg)
	if err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}
	defer d.Shutdown(ctx)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	program := tea.NewProgram(ui.NewModel(d.Snapshot), tea.WithContext(ctx))
	if _, err := program.Run(); err != nil {
		return fmt.Errorf("status view: %w", err)
	}

	return nil
}
