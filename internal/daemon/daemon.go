package daemon

import (
	"context"
	"fmt"

	"github.com/meszmate/agentd/internal/config"
	"github.com/meszmate/agentd/internal/logging"
	"github.com/meszmate/agentd/internal/omemo"
	"github.com/meszmate/agentd/internal/storage/sqlite"
	"github.com/meszmate/agentd/internal/ui"
	"github.com/meszmate/agentd/pkg/agent"
)

// Daemon owns every configured account plus the shared audit log, the
// Identity Store's file-backed snapshot directory, and the external
// agent runtime bridge.
type Daemon struct {
	cfg      *config.Config
	log      *logging.Logger
	audit    *sqlite.DB
	store    *omemo.FileStore
	host     *agent.Host
	hostAPI  *hostAPIAdapter
	accounts []*Account
}

// hostAPIAdapter satisfies agent.API by routing every runtime-initiated
// send through the first configured account; agent.API carries no
// account selector.
type hostAPIAdapter struct {
	d *Daemon
}

func (h *hostAPIAdapter) SendEncrypted(toJID, plaintext string) error {
	if len(h.d.accounts) == 0 {
		return fmt.Errorf("daemon: no accounts configured")
	}
	return h.d.accounts[0].SendEncrypted(toJID, plaintext)
}

func (h *hostAPIAdapter) SendRoomEncrypted(roomJID, plaintext string) error {
	if len(h.d.accounts) == 0 {
		return fmt.Errorf("daemon: no accounts configured")
	}
	return h.d.accounts[0].SendRoomEncrypted(roomJID, plaintext)
}

// OnPushNotification accepts handler but never invokes it: device-list
// push notifications are not forwarded to the runtime, and the returned
// unsubscribe function does nothing.
func (h *hostAPIAdapter) OnPushNotification(handler func(peerJID string, devices []uint32)) func() {
	return func() {}
}

// New builds a Daemon from cfg and accounts, opening the audit log and
// Identity Store snapshot directory, and loading the agent runtime if
// one is configured.
func New(ctx context.Context, cfg *config.Config, accounts []config.Account, lg *logging.Logger) (*Daemon, error) {
	store, err := omemo.NewFileStore(cfg.General.DataDir)
	if err != nil {
		return nil, fmt.Errorf("daemon: opening identity store: %w", err)
	}

	audit, err := sqlite.New(cfg.General.DataDir)
	if err != nil {
		return nil, fmt.Errorf("daemon: opening audit log: %w", err)
	}

	d := &Daemon{cfg: cfg, log: lg, audit: audit, store: store}
	d.hostAPI = &hostAPIAdapter{d: d}

	var rt agent.Runtime
	if cfg.Agent.Command != "" {
		d.host = agent.NewHost(d.hostAPI)
		if err := d.host.Load(ctx, cfg.Agent.Command, cfg.Agent.Args...); err != nil {
			lg.Warn("agent runtime not loaded: %v", err)
		} else {
			rt = d.host.Runtime()
		}
	}

	for _, acc := range accounts {
		a, err := NewAccount(ctx, acc, cfg.Encryption.RequireEncryption, store, audit, rt, lg)
		if err != nil {
			lg.Error("account %s failed to start: %v", acc.JID, err)
			continue
		}
		d.accounts = append(d.accounts, a)
	}

	return d, nil
}

// Shutdown disconnects every account, unloads the runtime, and closes
// the audit log.
func (d *Daemon) Shutdown(ctx context.Context) {
	for _, a := range d.accounts {
		if err := a.Disconnect(); err != nil {
			d.log.Warn("disconnect %s: %v", a.JID(), err)
		}
	}
	if d.host != nil {
		if err := d.host.Unload(ctx); err != nil {
			d.log.Warn("unloading agent runtime: %v", err)
		}
	}
	if d.audit != nil {
		_ = d.audit.Close()
	}
}

// Snapshot assembles the current state for the status view.
func (d *Daemon) Snapshot() ui.Snapshot {
	snap := ui.Snapshot{}
	for _, a := range d.accounts {
		snap.Accounts = append(snap.Accounts, a.Status())

		if d.audit == nil {
			continue
		}
		devices, err := d.audit.LatestDeviceListState(a.JID())
		if err == nil {
			for _, dv := range devices {
				snap.Devices = append(snap.Devices, ui.DeviceCacheEntry{
					PeerJID: dv.PeerJID, DeviceCount: dv.DeviceCount, Source: dv.Source, UpdatedAt: dv.Timestamp,
				})
			}
		}
		recent, err := d.audit.RecentDecrypts(a.JID(), 20)
		if err == nil {
			for _, r := range recent {
				snap.AuditTail = append(snap.AuditTail, ui.AuditEntry{
					PeerJID: r.PeerJID, PeerDevice: r.PeerDevice, RoomJID: r.RoomJID,
					Outcome: r.Outcome, KeyTransport: r.KeyTransport, Timestamp: r.Timestamp,
				})
			}
		}
	}
	return snap
}
