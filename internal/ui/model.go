// Package ui is the operator status view: a single read-only screen
// showing connected accounts, per-peer device-list cache state, room
// occupancy/anonymity classification, and a tail of the decrypt audit
// log. There is no chat composition, no dialogs, no onboarding wizard —
// those belong to the chat-UI feature set this daemon does not have.
package ui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/meszmate/agentd/internal/ui/theme"
)

// AccountStatus is one configured account's live connection state.
type AccountStatus struct {
	JID       string
	Connected bool
	Rooms     []RoomStatus
}

// RoomStatus is one joined room's occupancy classification.
type RoomStatus struct {
	JID         string
	Anonymous   bool
	OMEMOReady  bool
	OccupantCnt int
}

// DeviceCacheEntry is one peer's cached device-list state.
type DeviceCacheEntry struct {
	PeerJID     string
	DeviceCount int
	Source      string
	UpdatedAt   time.Time
}

// AuditEntry is one decrypt-outcome audit record.
type AuditEntry struct {
	PeerJID      string
	PeerDevice   uint32
	RoomJID      string
	Outcome      string
	KeyTransport bool
	Timestamp    time.Time
}

// Snapshot is the full state the status view renders. The caller (the
// daemon's main loop) assembles one on each refresh tick from the
// OMEMO core and the audit log; the UI itself holds no XMPP or OMEMO
// state of its own.
type Snapshot struct {
	Accounts   []AccountStatus
	Devices    []DeviceCacheEntry
	AuditTail  []AuditEntry
}

// Model is the root Bubble Tea model for the status view.
type Model struct {
	width, height int
	styles        *theme.Styles
	snapshot      Snapshot
	refresh       func() Snapshot
	quitting      bool
}

type refreshMsg Snapshot

func refreshTick(refresh func() Snapshot) tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg {
		return refreshMsg(refresh())
	})
}

// NewModel builds the status view. refresh is called on each tick to
// pull a fresh Snapshot.
func NewModel(refresh func() Snapshot) Model {
	return Model{
		styles:   theme.New(),
		refresh:  refresh,
		snapshot: refresh(),
	}
}

func (m Model) Init() tea.Cmd {
	return refreshTick(m.refresh)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case refreshMsg:
		m.snapshot = Snapshot(msg)
		return m, refreshTick(m.refresh)
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.styles.Header.Render("agentd — status") + "\n\n")

	b.WriteString(m.styles.SectionTitle.Render("Accounts") + "\n")
	if len(m.snapshot.Accounts) == 0 {
		b.WriteString(m.styles.Dim.Render("  (none configured)") + "\n")
	}
	for _, a := range m.snapshot.Accounts {
		state := m.styles.Disconnected.Render("disconnected")
		if a.Connected {
			state = m.styles.Connected.Render("connected")
		}
		fmt.Fprintf(&b, "  %s  %s\n", m.styles.Value.Render(a.JID), state)
		for _, r := range a.Rooms {
			anon := "non-anonymous"
			if r.Anonymous {
				anon = "anonymous"
			}
			ready := m.styles.OutcomeWarn.Render("not ready")
			if r.OMEMOReady {
				ready = m.styles.OutcomeOK.Render("omemo-ready")
			}
			fmt.Fprintf(&b, "    %s  %s occupants=%d %s\n",
				m.styles.Label.Render(r.JID), anon, r.OccupantCnt, ready)
		}
	}

	b.WriteString("\n" + m.styles.SectionTitle.Render("Device-list cache") + "\n")
	if len(m.snapshot.Devices) == 0 {
		b.WriteString(m.styles.Dim.Render("  (empty)") + "\n")
	}
	for _, d := range m.snapshot.Devices {
		fmt.Fprintf(&b, "  %s  devices=%d  via=%s  %s\n",
			m.styles.Value.Render(d.PeerJID), d.DeviceCount, d.Source,
			m.styles.Dim.Render(d.UpdatedAt.Format(time.Kitchen)))
	}

	b.WriteString("\n" + m.styles.SectionTitle.Render("Recent decrypts") + "\n")
	if len(m.snapshot.AuditTail) == 0 {
		b.WriteString(m.styles.Dim.Render("  (none yet)") + "\n")
	}
	for _, e := range m.snapshot.AuditTail {
		style := m.styles.OutcomeOK
		switch {
		case e.KeyTransport:
			style = m.styles.OutcomeWarn
		case e.Outcome != "ok":
			style = m.styles.OutcomeErr
		}
		peer := e.PeerJID
		if e.RoomJID != "" {
			peer = e.RoomJID + " / " + e.PeerJID
		}
		fmt.Fprintf(&b, "  %s  %s  device=%d  %s\n",
			m.styles.Dim.Render(e.Timestamp.Format(time.Kitchen)),
			m.styles.Value.Render(peer), e.PeerDevice, style.Render(e.Outcome))
	}

	b.WriteString("\n" + m.styles.Dim.Render("q to quit") + "\n")

	return lipgloss.NewStyle().MaxWidth(m.width).Render(b.String())
}
