package repository

import (
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/spearit/spearhead/internal/campaign"
	"github.com/spearit/spearhead/internal/events"
	"github.com/spearit/spearhead/internal/rules"
)

// PostgresConfig holds database connection settings, mirroring the
// teacher's persistence.Config shape.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
}

// PostgresStore is the concrete Repository implementation backed by
// lib/pq, the same driver the teacher uses for its own peer/session
// tables.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens a connection pool and ensures the schema
// exists, following the teacher's NewPostgresStore pattern exactly.
func NewPostgresStore(cfg PostgresConfig) (*PostgresStore, error) {
	connStr := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Println("PostgreSQL connection established")
	return store, nil
}

func (s *PostgresStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		device_id SERIAL PRIMARY KEY,
		mac_address VARCHAR(32) UNIQUE NOT NULL,
		name VARCHAR(255) NOT NULL DEFAULT '',
		os VARCHAR(255) NOT NULL DEFAULT '',
		last_ip VARCHAR(45) NOT NULL DEFAULT '',
		note TEXT NOT NULL DEFAULT '',
		last_heartbeat TIMESTAMP,
		created_at TIMESTAMP DEFAULT NOW(),
		updated_at TIMESTAMP DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS device_groups (
		device_id INTEGER NOT NULL REFERENCES devices(device_id),
		group_id INTEGER NOT NULL,
		PRIMARY KEY (device_id, group_id)
	);

	CREATE TABLE IF NOT EXISTS campaigns (
		campaign_id SERIAL PRIMARY KEY,
		status VARCHAR(16) NOT NULL,
		severity VARCHAR(16) NOT NULL,
		name VARCHAR(255) NOT NULL,
		description TEXT NOT NULL,
		detailed_description TEXT NOT NULL,
		initial_event_time_ns BIGINT NOT NULL,
		last_updated_ns BIGINT NOT NULL,
		involved_device_ids BIGINT[] NOT NULL DEFAULT '{}',
		updated_at TIMESTAMP DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS events (
		event_id SERIAL PRIMARY KEY,
		campaign_id INTEGER REFERENCES campaigns(campaign_id),
		device_id INTEGER NOT NULL REFERENCES devices(device_id),
		timestamp_ns BIGINT NOT NULL,
		violated_rule_id BIGINT NOT NULL,
		violation_type VARCHAR(32) NOT NULL,
		violation_response VARCHAR(32) NOT NULL,
		kind VARCHAR(32) NOT NULL,
		detail JSONB NOT NULL,
		created_at TIMESTAMP DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_events_campaign_id ON events(campaign_id);

	CREATE TABLE IF NOT EXISTS rules (
		rule_id SERIAL PRIMARY KEY,
		rule_order INTEGER NOT NULL,
		name VARCHAR(255) NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT true,
		priority INTEGER NOT NULL DEFAULT 0,
		event_types TEXT[] NOT NULL DEFAULT '{}',
		conditions JSONB NOT NULL DEFAULT '{}',
		responses JSONB NOT NULL DEFAULT '{}',
		active_for_groups BIGINT[] NOT NULL DEFAULT '{}'
	);

	CREATE TABLE IF NOT EXISTS heartbeats (
		heartbeat_id SERIAL PRIMARY KEY,
		device_id INTEGER NOT NULL REFERENCES devices(device_id),
		contacted_device_ids BIGINT[] NOT NULL DEFAULT '{}',
		cpu_percent DOUBLE PRECISION NOT NULL,
		memory_percent DOUBLE PRECISION NOT NULL,
		received_at TIMESTAMP NOT NULL DEFAULT NOW()
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// DeviceUpsertByMAC inserts a device or updates it, only overwriting
// name/os/last_ip when the corresponding argument is non-empty, per
// spec.md §4.11.
func (s *PostgresStore) DeviceUpsertByMAC(mac, name, os, ip string) (bool, int64, error) {
	var id int64
	var created bool
	query := `
		INSERT INTO devices (mac_address, name, os, last_ip, last_heartbeat, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT (mac_address) DO UPDATE SET
			name = CASE WHEN EXCLUDED.name <> '' THEN EXCLUDED.name ELSE devices.name END,
			os = CASE WHEN EXCLUDED.os <> '' THEN EXCLUDED.os ELSE devices.os END,
			last_ip = CASE WHEN EXCLUDED.last_ip <> '' THEN EXCLUDED.last_ip ELSE devices.last_ip END,
			last_heartbeat = NOW(),
			updated_at = NOW()
		RETURNING device_id, (xmax = 0)
	`
	err := s.db.QueryRow(query, mac, name, os, ip).Scan(&id, &created)
	if err != nil {
		return false, 0, fmt.Errorf("device upsert failed: %w", err)
	}
	return created, id, nil
}

// DeviceGetByMAC resolves a device id from its canonical MAC.
func (s *PostgresStore) DeviceGetByMAC(mac string) (int64, error) {
	var id int64
	err := s.db.QueryRow(`SELECT device_id FROM devices WHERE mac_address = $1`, mac).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("device lookup failed: %w", err)
	}
	return id, nil
}

// DeviceGroupsByMAC resolves a device id and its group memberships.
func (s *PostgresStore) DeviceGroupsByMAC(mac string) (int64, []int64, error) {
	id, err := s.DeviceGetByMAC(mac)
	if err != nil {
		return 0, nil, err
	}

	rowsRes, err := s.db.Query(`SELECT group_id FROM device_groups WHERE device_id = $1`, id)
	if err != nil {
		return 0, nil, fmt.Errorf("device group lookup failed: %w", err)
	}
	defer rowsRes.Close()

	var groupIDs []int64
	for rowsRes.Next() {
		var gid int64
		if err := rowsRes.Scan(&gid); err != nil {
			return 0, nil, fmt.Errorf("device group scan failed: %w", err)
		}
		groupIDs = append(groupIDs, gid)
	}
	return id, groupIDs, rowsRes.Err()
}

// buildEventDetailJSON renders e's nested src/dst/payload fields and its
// flat scalar fields into the single jsonb blob the events.detail column
// stores, kept as a pure function so it can be exercised without a
// database connection.
func buildEventDetailJSON(e *events.PacketEvent) ([]byte, error) {
	detail := eventRow{
		TimestampNS:       e.TimestampNS,
		ViolatedRuleID:    e.ViolatedRuleID,
		ViolationType:     string(e.ViolationType),
		ViolationResponse: string(e.ViolationResponse),
		Kind:              string(e.Kind),
		Protocol:          e.Protocol,
		Direction:         string(e.Direction),
		ProcessPID:        e.Process.PID,
		ProcessName:       e.Process.Name,
	}
	payload := struct {
		Src     events.Endpoint `json:"src"`
		Dst     events.Endpoint `json:"dst"`
		Payload struct {
			FullSize int    `json:"full_size"`
			Data     string `json:"data"`
		} `json:"payload"`
	}{Src: e.Src, Dst: e.Dst}
	payload.Payload.FullSize = e.Payload.FullSize
	payload.Payload.Data = base64.StdEncoding.EncodeToString(e.Payload.Data)

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("event detail marshal failed: %w", err)
	}
	detail.Detail = raw

	detailJSON, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("event row marshal failed: %w", err)
	}
	return detailJSON, nil
}

// EventInsert persists a packet event, assigning its event_id.
func (s *PostgresStore) EventInsert(e *events.PacketEvent) (int64, error) {
	detailJSON, err := buildEventDetailJSON(e)
	if err != nil {
		return 0, err
	}

	var id int64
	query := `
		INSERT INTO events (device_id, timestamp_ns, violated_rule_id, violation_type, violation_response, kind, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING event_id
	`
	corrID := uuid.NewString()
	err = s.db.QueryRow(query, e.DeviceID, e.TimestampNS, e.ViolatedRuleID, string(e.ViolationType), string(e.ViolationResponse), string(e.Kind), detailJSON).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("event insert failed [corr=%s]: %w", corrID, err)
	}
	return id, nil
}

// EventSetCampaign links a persisted event to its assigned campaign,
// exactly once per spec.md §3 invariant.
func (s *PostgresStore) EventSetCampaign(eventID, campaignID int64) error {
	_, err := s.db.Exec(`UPDATE events SET campaign_id = $1 WHERE event_id = $2 AND campaign_id IS NULL`, campaignID, eventID)
	if err != nil {
		return fmt.Errorf("event campaign link failed: %w", err)
	}
	return nil
}

// CampaignUpsert inserts a new campaign or updates an existing one by id.
func (s *PostgresStore) CampaignUpsert(c *campaign.Campaign) (int64, error) {
	involved := pq.Array(c.InvolvedDeviceIDs)

	if c.ID == 0 {
		var id int64
		query := `
			INSERT INTO campaigns (status, severity, name, description, detailed_description, initial_event_time_ns, last_updated_ns, involved_device_ids)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING campaign_id
		`
		err := s.db.QueryRow(query, string(c.Status), string(c.Severity), c.Name, c.Description, c.DetailedDescription, c.InitialEventTimeNS, c.LastUpdatedNS, involved).Scan(&id)
		if err != nil {
			return 0, fmt.Errorf("campaign insert failed: %w", err)
		}
		return id, nil
	}

	query := `
		UPDATE campaigns SET
			status = $1, severity = $2, name = $3, description = $4, detailed_description = $5,
			initial_event_time_ns = $6, last_updated_ns = $7, involved_device_ids = $8, updated_at = NOW()
		WHERE campaign_id = $9
	`
	_, err := s.db.Exec(query, string(c.Status), string(c.Severity), c.Name, c.Description, c.DetailedDescription, c.InitialEventTimeNS, c.LastUpdatedNS, involved, c.ID)
	if err != nil {
		return 0, fmt.Errorf("campaign update failed: %w", err)
	}
	return c.ID, nil
}

// ActiveRulesForGroups returns every enabled rule; groupIDs is not
// applied in the query, the rules package filters by group scope.
func (s *PostgresStore) ActiveRulesForGroups(groupIDs []int64) ([]rules.Rule, error) {
	rowsRes, err := s.db.Query(`
		SELECT rule_id, rule_order, name, enabled, priority, event_types, conditions, responses, active_for_groups
		FROM rules WHERE enabled = true
	`)
	if err != nil {
		return nil, fmt.Errorf("rules query failed: %w", err)
	}
	defer rowsRes.Close()

	var out []rules.Rule
	for rowsRes.Next() {
		var r rules.Rule
		var eventTypes pq.StringArray
		var activeForGroups pq.Int64Array
		var conditions, responses []byte
		if err := rowsRes.Scan(&r.ID, &r.Order, &r.Name, &r.Enabled, &r.Priority, &eventTypes, &conditions, &responses, &activeForGroups); err != nil {
			return nil, fmt.Errorf("rule scan failed: %w", err)
		}
		r.EventTypes = eventTypes
		r.Conditions = conditions
		r.Responses = responses
		r.ActiveForGroups = activeForGroups
		out = append(out, r)
	}
	return out, rowsRes.Err()
}

// HeartbeatInsert persists a heartbeat row and refreshes the device's
// last-heartbeat timestamp.
func (s *PostgresStore) HeartbeatInsert(deviceID int64, contactedDeviceIDs []int64, cpuPercent, memoryPercent float64) error {
	corrID := uuid.NewString()
	_, err := s.db.Exec(
		`INSERT INTO heartbeats (device_id, contacted_device_ids, cpu_percent, memory_percent) VALUES ($1, $2, $3, $4)`,
		deviceID, pq.Array(contactedDeviceIDs), cpuPercent, memoryPercent,
	)
	if err != nil {
		return fmt.Errorf("heartbeat insert failed [corr=%s]: %w", corrID, err)
	}
	_, err = s.db.Exec(`UPDATE devices SET last_heartbeat = NOW() WHERE device_id = $1`, deviceID)
	if err != nil {
		return fmt.Errorf("device heartbeat touch failed: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
