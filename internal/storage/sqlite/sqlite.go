// Package sqlite is the daemon's audit log: an append-only record of
// decrypt outcomes and device-list cache transitions, queried by the
// status view. It never stores OMEMO identity/session/pre-key material
// — that lives only in the Identity Store's own human-inspectable
// snapshot file, kept entirely separate per its exclusive-ownership
// invariant.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	db *sql.DB
}

func New(dataDir string) (*DB, error) {
	dbPath := filepath.Join(dataDir, "agentd.db")

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &DB{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS decrypt_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account TEXT NOT NULL,
			peer_jid TEXT NOT NULL,
			peer_device INTEGER NOT NULL,
			room_jid TEXT,
			outcome TEXT NOT NULL,
			key_transport INTEGER NOT NULL DEFAULT 0,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_decrypt_log_account_ts ON decrypt_log(account, timestamp)`,

		`CREATE TABLE IF NOT EXISTS devicelist_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			account TEXT NOT NULL,
			peer_jid TEXT NOT NULL,
			device_count INTEGER NOT NULL,
			source TEXT NOT NULL,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_devicelist_log_peer ON devicelist_log(account, peer_jid)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// DecryptOutcome is one audit record: "ok" (with KeyTransport set for a
// key-transport marker), or an error kind name such as "unknown-sender",
// "signal-failure", "aes-failure" or "error". Outcomes that resolve to
// ErrNotForUs are never logged here, since that case is silent by
// design — most inbound OMEMO traffic is addressed to other devices and
// logging every miss would drown the genuinely actionable entries.
type DecryptOutcome struct {
	Account      string
	PeerJID      string
	PeerDevice   uint32
	RoomJID      string
	Outcome      string
	KeyTransport bool
	Timestamp    time.Time
}

func (d *DB) LogDecrypt(o DecryptOutcome) error {
	_, err := d.db.Exec(`
		INSERT INTO decrypt_log (account, peer_jid, peer_device, room_jid, outcome, key_transport, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, o.Account, o.PeerJID, o.PeerDevice, o.RoomJID, o.Outcome, o.KeyTransport, o.Timestamp.Unix())
	return err
}

func (d *DB) RecentDecrypts(account string, limit int) ([]DecryptOutcome, error) {
	rows, err := d.db.Query(`
		SELECT peer_jid, peer_device, room_jid, outcome, key_transport, timestamp
		FROM decrypt_log
		WHERE account = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DecryptOutcome
	for rows.Next() {
		var o DecryptOutcome
		var room sql.NullString
		var ts int64
		if err := rows.Scan(&o.PeerJID, &o.PeerDevice, &room, &o.Outcome, &o.KeyTransport, &ts); err != nil {
			return nil, err
		}
		o.Account = account
		if room.Valid {
			o.RoomJID = room.String
		}
		o.Timestamp = time.Unix(ts, 0)
		out = append(out, o)
	}
	return out, nil
}

// DeviceListTransition is one audit record of a device-list cache
// refresh or push-notification invalidation.
type DeviceListTransition struct {
	Account     string
	PeerJID     string
	DeviceCount int
	Source      string // "fetch" or "push"
	Timestamp   time.Time
}

func (d *DB) LogDeviceListTransition(t DeviceListTransition) error {
	_, err := d.db.Exec(`
		INSERT INTO devicelist_log (account, peer_jid, device_count, source, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, t.Account, t.PeerJID, t.DeviceCount, t.Source, t.Timestamp.Unix())
	return err
}

func (d *DB) LatestDeviceListState(account string) ([]DeviceListTransition, error) {
	rows, err := d.db.Query(`
		SELECT peer_jid, device_count, source, MAX(timestamp)
		FROM devicelist_log
		WHERE account = ?
		GROUP BY peer_jid
		ORDER BY peer_jid
	`, account)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DeviceListTransition
	for rows.Next() {
		var t DeviceListTransition
		var ts int64
		if err := rows.Scan(&t.PeerJID, &t.DeviceCount, &t.Source, &ts); err != nil {
			return nil, err
		}
		t.Account = account
		t.Timestamp = time.Unix(ts, 0)
		out = append(out, t)
	}
	return out, nil
}

func (d *DB) DeleteOldDecrypts(days int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	result, err := d.db.Exec("DELETE FROM decrypt_log WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (d *DB) Vacuum() error {
	_, err := d.db.Exec("VACUUM")
	return err
}
