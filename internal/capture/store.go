package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/packetrig-project/packetrig/internal/events"
	"github.com/packetrig-project/packetrig/internal/wire"
)

// Store records packet traffic and session activity in SQLite.
type Store struct {
	db        *Database
	retention int
}

// PacketRecord is one captured packet row.
type PacketRecord struct {
	ID         int64     `json:"id"`
	Session    string    `json:"session"`
	Direction  string    `json:"direction"`
	PacketID   byte      `json:"packet_id"`
	Counter    uint16    `json:"counter"`
	Timestamp  uint64    `json:"timestamp"`
	Payload    []byte    `json:"payload"`
	CapturedAt time.Time `json:"captured_at"`
}

// TelemetryRecord is one captured telemetry sample row.
type TelemetryRecord struct {
	ID          int64     `json:"id"`
	Session     string    `json:"session"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Counter     uint16    `json:"counter"`
	CapturedAt  time.Time `json:"captured_at"`
}

// SessionEventRecord is one captured session lifecycle row.
type SessionEventRecord struct {
	ID         int64     `json:"id"`
	Session    string    `json:"session"`
	Event      string    `json:"event"`
	Detail     string    `json:"detail"`
	CapturedAt time.Time `json:"captured_at"`
}

// NewStore opens the capture database and creates the schema.
// retentionRows bounds the packets table; Prune removes the oldest rows
// beyond it.
func NewStore(dbPath string, retentionRows int) (*Store, error) {
	database, err := NewDatabase(dbPath)
	if err != nil {
		return nil, err
	}

	s := &Store{db: database, retention: retentionRows}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate capture database: %w", err)
	}
	return s, nil
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS packets (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session TEXT NOT NULL,
			direction TEXT NOT NULL,
			packet_id INTEGER NOT NULL,
			counter INTEGER NOT NULL DEFAULT 0,
			timestamp INTEGER NOT NULL DEFAULT 0,
			payload BLOB,
			captured_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS telemetry (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session TEXT NOT NULL,
			temperature REAL NOT NULL,
			humidity REAL NOT NULL,
			counter INTEGER NOT NULL DEFAULT 0,
			captured_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS session_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			session TEXT NOT NULL,
			event TEXT NOT NULL,
			detail TEXT NOT NULL DEFAULT '',
			captured_at DATETIME DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS idx_packets_session ON packets(session);
		CREATE INDEX IF NOT EXISTS idx_packets_packet_id ON packets(packet_id);
		CREATE INDEX IF NOT EXISTS idx_telemetry_session ON telemetry(session);
		CREATE INDEX IF NOT EXISTS idx_session_events_session ON session_events(session);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("schema migration failed: %w", err)
	}

	log.Debug().Msg("capture schema migrated")
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordPacket inserts one packet row.
func (s *Store) RecordPacket(session string, direction events.Direction, pkt wire.Packet) error {
	_, err := s.db.Exec(
		`INSERT INTO packets (session, direction, packet_id, counter, timestamp, payload)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		session, string(direction), pkt.ID, pkt.Counter, pkt.Timestamp, pkt.Payload,
	)
	return err
}

// RecordTelemetry inserts one telemetry sample row.
func (s *Store) RecordTelemetry(session string, sample wire.TemperatureSample, counter uint16) error {
	_, err := s.db.Exec(
		`INSERT INTO telemetry (session, temperature, humidity, counter)
		 VALUES (?, ?, ?, ?)`,
		session, sample.Temperature, sample.Humidity, counter,
	)
	return err
}

// RecordSessionEvent inserts one session lifecycle row.
func (s *Store) RecordSessionEvent(session, event, detail string) error {
	_, err := s.db.Exec(
		`INSERT INTO session_events (session, event, detail) VALUES (?, ?, ?)`,
		session, event, detail,
	)
	return err
}

// RecentPackets returns the newest packet rows for a session, newest first.
// An empty session matches all sessions.
func (s *Store) RecentPackets(session string, limit int) ([]PacketRecord, error) {
	query := `SELECT id, session, direction, packet_id, counter, timestamp, payload, captured_at
	          FROM packets`
	args := []interface{}{}
	if session != "" {
		query += " WHERE session = ?"
		args = append(args, session)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []PacketRecord
	for rows.Next() {
		var r PacketRecord
		if err := rows.Scan(&r.ID, &r.Session, &r.Direction, &r.PacketID,
			&r.Counter, &r.Timestamp, &r.Payload, &r.CapturedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// RecentTelemetry returns the newest telemetry rows for a session, newest first.
func (s *Store) RecentTelemetry(session string, limit int) ([]TelemetryRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, session, temperature, humidity, counter, captured_at
		 FROM telemetry WHERE session = ? ORDER BY id DESC LIMIT ?`,
		session, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []TelemetryRecord
	for rows.Next() {
		var r TelemetryRecord
		if err := rows.Scan(&r.ID, &r.Session, &r.Temperature, &r.Humidity,
			&r.Counter, &r.CapturedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// SessionEvents returns the newest lifecycle rows for a session, newest first.
func (s *Store) SessionEvents(session string, limit int) ([]SessionEventRecord, error) {
	rows, err := s.db.Query(
		`SELECT id, session, event, detail, captured_at
		 FROM session_events WHERE session = ? ORDER BY id DESC LIMIT ?`,
		session, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SessionEventRecord
	for rows.Next() {
		var r SessionEventRecord
		if err := rows.Scan(&r.ID, &r.Session, &r.Event, &r.Detail, &r.CapturedAt); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// PacketCount returns the number of rows in the packets table.
func (s *Store) PacketCount() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM packets`).Scan(&n)
	return n, err
}

// TelemetryCount returns the number of rows in the telemetry table.
func (s *Store) TelemetryCount() (int64, error) {
	var n int64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM telemetry`).Scan(&n)
	return n, err
}

// Vacuum reclaims file space freed by pruning. SQLite only returns pages
// to the filesystem on an explicit VACUUM.
func (s *Store) Vacuum() error {
	_, err := s.db.Exec(`VACUUM`)
	return err
}

// Prune removes the oldest packet rows beyond the retention limit.
func (s *Store) Prune() error {
	if s.retention <= 0 {
		return nil
	}
	res, err := s.db.Exec(
		`DELETE FROM packets WHERE id <= (
			SELECT id FROM packets ORDER BY id DESC LIMIT 1 OFFSET ?
		 )`,
		s.retention,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Debug().Int64("rows", n).Msg("pruned old capture rows")
	}
	return nil
}

// Attach subscribes the store to the event bus so packet traffic and
// session activity are recorded as they happen.
func (s *Store) Attach(bus *events.EventBus) {
	record := func(ctx context.Context, event events.Event) error {
		payload, ok := event.Payload.(events.PacketPayload)
		if !ok {
			return fmt.Errorf("capture: unexpected payload %T for %s", event.Payload, event.Type)
		}
		return s.RecordPacket(payload.Session, payload.Direction, payload.Packet)
	}
	bus.Subscribe(events.EventPacketReceived, "capture", record)
	bus.Subscribe(events.EventPacketSent, "capture", record)

	bus.Subscribe(events.EventTelemetry, "capture", func(ctx context.Context, event events.Event) error {
		payload, ok := event.Payload.(events.TelemetryPayload)
		if !ok {
			return fmt.Errorf("capture: unexpected payload %T for %s", event.Payload, event.Type)
		}
		return s.RecordTelemetry(payload.Session, payload.Sample, payload.Counter)
	})

	lifecycle := func(ctx context.Context, event events.Event) error {
		payload, ok := event.Payload.(events.SessionPayload)
		if !ok {
			return fmt.Errorf("capture: unexpected payload %T for %s", event.Payload, event.Type)
		}
		return s.RecordSessionEvent(payload.Session, string(event.Type), payload.Detail)
	}
	bus.Subscribe(events.EventSessionConnected, "capture", lifecycle)
	bus.Subscribe(events.EventSessionClosed, "capture", lifecycle)
	bus.Subscribe(events.EventSessionError, "capture", lifecycle)
}
