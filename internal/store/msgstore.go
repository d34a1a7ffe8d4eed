package store

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"retro/server/internal/proto"
)

// createMsgTable is the whole schema of a per-recipient message database:
//
//	msg(_id INTEGER PRIMARY KEY, pckt_type INTEGER, packet BLOB)
//
// _id gives FIFO order within a recipient. There is no cross-recipient
// ordering guarantee.
const createMsgTable = `CREATE TABLE IF NOT EXISTS msg (
	_id       INTEGER PRIMARY KEY,
	pckt_type INTEGER NOT NULL,
	packet    BLOB NOT NULL
)`

// Packet is one queued offline message: the original packet type and its
// opaque payload.
type Packet struct {
	Type    uint8
	Payload []byte
}

// MsgStore queues packets for offline recipients, one SQLite database per
// recipient under the message directory. Databases are opened on demand and
// closed after each transaction, so the store itself carries no state
// beyond the directory path.
type MsgStore struct {
	dir string
}

// NewMsgStore returns a store rooted at dir. The directory must exist.
func NewMsgStore(dir string) *MsgStore {
	return &MsgStore{dir: dir}
}

// Store appends a packet to its recipient's queue. The recipient id is read
// from payload[8:16] per the routing contract.
func (s *MsgStore) Store(pcktType uint8, payload []byte) error {
	recipient, ok := proto.Recipient(payload)
	if !ok {
		return fmt.Errorf("payload too short for recipient id: %d bytes", len(payload))
	}

	db, err := s.open(recipient)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.Exec(
		`INSERT INTO msg(pckt_type, packet) VALUES(?, ?)`,
		int(pcktType), payload,
	)
	if err != nil {
		return fmt.Errorf("queue message: %w", err)
	}
	return nil
}

// Drain returns all queued packets for recipientID in FIFO order and deletes
// them, in a single transaction. A recipient with no queue yields an empty
// slice.
func (s *MsgStore) Drain(recipientID []byte) ([]Packet, error) {
	db, err := s.open(recipientID)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin drain: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT pckt_type, packet FROM msg ORDER BY _id ASC`)
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	var packets []Packet
	for rows.Next() {
		var t int
		var payload []byte
		if err := rows.Scan(&t, &payload); err != nil {
			rows.Close()
			return nil, err
		}
		packets = append(packets, Packet{Type: uint8(t), Payload: payload})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if _, err := tx.Exec(`DELETE FROM msg`); err != nil {
		return nil, fmt.Errorf("clear queue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit drain: %w", err)
	}
	return packets, nil
}

// Pending returns the number of queued packets for recipientID without
// consuming them.
func (s *MsgStore) Pending(recipientID []byte) (int, error) {
	db, err := s.open(recipientID)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var n int
	err = db.QueryRow(`SELECT COUNT(*) FROM msg`).Scan(&n)
	return n, err
}

func (s *MsgStore) open(recipientID []byte) (*sql.DB, error) {
	path := filepath.Join(s.dir, hex.EncodeToString(recipientID)+".db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open queue db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(createMsgTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("create queue table: %w", err)
	}
	return db, nil
}
