package l1wallet

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Ledger persists a record of every broadcast batch to SQLite, so an
// operator can audit what the faucet paid out across restarts.
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens (creating if necessary) the SQLite database at path
// and ensures its schema exists.
func OpenLedger(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("l1wallet: opening ledger %s: %w", path, err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS l1_batches (
	txid       TEXT PRIMARY KEY,
	num_claims INTEGER NOT NULL,
	total_sats INTEGER NOT NULL,
	broadcast_at INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("l1wallet: creating ledger schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Record inserts a completed batch's outcome. broadcastAt is stored as a
// unix timestamp in seconds; Record takes it from the caller rather than
// reading the clock itself, to keep it testable with fixed clocks.
func (l *Ledger) Record(txid string, numClaims int, totalSats int64, broadcastAt time.Time) error {
	_, err := l.db.Exec(
		`INSERT OR REPLACE INTO l1_batches (txid, num_claims, total_sats, broadcast_at) VALUES (?, ?, ?, ?)`,
		txid, numClaims, totalSats, broadcastAt.Unix(),
	)
	return err
}

// Close releases the underlying database handle.
func (l *Ledger) Close() error { return l.db.Close() }
