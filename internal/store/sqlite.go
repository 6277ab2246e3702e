package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/fleetwatch/fleetwatch/internal/metrics"
	"github.com/fleetwatch/fleetwatch/internal/models"
)

// DefaultPoolSize is the number of pre-opened connections when the caller
// passes a non-positive pool size.
const DefaultPoolSize = 5

// Schema version history. Applied versions are tracked in schema_versions.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS devices (
    key                 TEXT PRIMARY KEY,
    address             TEXT NOT NULL DEFAULT '',
    hostname            TEXT NOT NULL DEFAULT '',
    os_type             TEXT NOT NULL DEFAULT '',
    status              TEXT NOT NULL DEFAULT 'unknown',
    monitoring_enabled  BOOLEAN NOT NULL DEFAULT 0,
    connection_errors   INTEGER NOT NULL DEFAULT 0,
    last_seen           DATETIME,
    hardware_info       TEXT NOT NULL DEFAULT 'null',
    services            TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS metrics (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    device_key  TEXT NOT NULL REFERENCES devices(key) ON DELETE CASCADE,
    name        TEXT NOT NULL,
    value       REAL NOT NULL,
    timestamp   DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_metrics_device_time ON metrics(device_key, timestamp);

CREATE TABLE IF NOT EXISTS alerts (
    id            TEXT PRIMARY KEY,
    device_key    TEXT NOT NULL,
    metric        TEXT NOT NULL,
    level         TEXT NOT NULL,
    value         REAL NOT NULL,
    threshold     REAL NOT NULL DEFAULT 0,
    timestamp     DATETIME NOT NULL,
    acknowledged  BOOLEAN NOT NULL DEFAULT 0,
    resolved      BOOLEAN NOT NULL DEFAULT 0,
    message       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_alerts_device_resolved ON alerts(device_key, resolved);
CREATE INDEX IF NOT EXISTS idx_alerts_timestamp ON alerts(timestamp DESC);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store. It keeps a pool
// of pre-opened connections, each configured for concurrent-friendly
// durability (WAL, relaxed sync, larger page cache).
type sqliteStore struct {
	db     *sql.DB
	pool   chan *sql.Conn
	log    *zap.Logger
	closed atomic.Bool
}

// Open opens (or creates) the SQLite database at path and pre-opens poolSize
// configured connections. Pass ":memory:" for an in-memory store. Failure
// here is the only fatal storage error in the engine's lifetime.
func Open(path string, poolSize int, log *zap.Logger) (Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// Leave headroom above the pool for degraded-mode transient connections.
	db.SetMaxOpenConns(poolSize * 2)
	db.SetConnMaxIdleTime(0)

	s := &sqliteStore{
		db:   db,
		pool: make(chan *sql.Conn, poolSize),
		log:  log,
	}

	ctx := context.Background()
	for i := 0; i < poolSize; i++ {
		conn, err := db.Conn(ctx)
		if err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("pre-open connection %d: %w", i, err)
		}
		if err := applyPragmas(ctx, conn); err != nil {
			_ = conn.Close()
			_ = s.Close()
			return nil, err
		}
		s.pool <- conn
	}

	if err := s.migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// applyPragmas configures one connection for the engine's write pattern.
func applyPragmas(ctx context.Context, conn *sql.Conn) error {
	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA synchronous=NORMAL`,
		`PRAGMA cache_size=10000`,
		`PRAGMA foreign_keys=ON`,
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

// withConn runs fn on a pooled connection, returning it to the pool after.
// When the pool is drained it opens one transient connection, warns, and
// discards it afterwards: a degraded mode, not an error.
func (s *sqliteStore) withConn(ctx context.Context, fn func(*sql.Conn) error) error {
	if s.closed.Load() {
		return fmt.Errorf("store is closed")
	}
	select {
	case conn := <-s.pool:
		defer func() { s.pool <- conn }()
		return fn(conn)
	default:
	}

	s.log.Warn("connection pool exhausted, opening transient connection")
	metrics.DegradedConnectionsTotal.Inc()

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open transient connection: %w", err)
	}
	defer conn.Close()
	if err := applyPragmas(ctx, conn); err != nil {
		return err
	}
	return fn(conn)
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate(ctx context.Context) error {
	return s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_versions (
            version    INTEGER PRIMARY KEY,
            applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
        )`)
		if err != nil {
			return fmt.Errorf("create schema_versions: %w", err)
		}

		for _, m := range migrations {
			var count int
			if err := conn.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version,
			).Scan(&count); err != nil {
				return fmt.Errorf("check migration %d: %w", m.version, err)
			}
			if count > 0 {
				continue // already applied
			}
			if _, err := conn.ExecContext(ctx, m.sql); err != nil {
				return fmt.Errorf("apply migration %d: %w", m.version, err)
			}
			if _, err := conn.ExecContext(ctx,
				`INSERT INTO schema_versions(version) VALUES(?)`, m.version,
			); err != nil {
				return fmt.Errorf("record migration %d: %w", m.version, err)
			}
		}
		return nil
	})
}

// Close drains and closes the pooled connections. The channel itself stays
// open: an in-flight withConn may still return its connection afterwards, and
// a send on a closed channel would panic.
func (s *sqliteStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	for {
		select {
		case conn := <-s.pool:
			_ = conn.Close()
		default:
			return s.db.Close()
		}
	}
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// wrap converts any storage failure into a *PersistenceError and counts it.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	metrics.PersistenceErrorsTotal.Inc()
	return &PersistenceError{Op: op, Err: err}
}

// ---------------------------------------------------------------------------
// Devices
// ---------------------------------------------------------------------------

func (s *sqliteStore) SaveDevice(ctx context.Context, d models.Device) error {
	hardware := []byte("null")
	if len(d.HardwareInfo) > 0 {
		hardware = d.HardwareInfo
	}
	services, err := json.Marshal(d.Services)
	if err != nil {
		return wrap("save device", fmt.Errorf("serialize services: %w", err))
	}

	var lastSeen any
	if d.LastUpdate != nil {
		lastSeen = d.LastUpdate.UTC()
	}

	return wrap("save device", s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
            INSERT INTO devices(key, address, hostname, os_type, status, monitoring_enabled,
                                connection_errors, last_seen, hardware_info, services)
            VALUES(?,?,?,?,?,?,?,?,?,?)
            ON CONFLICT(key) DO UPDATE SET
                address            = excluded.address,
                hostname           = excluded.hostname,
                os_type            = excluded.os_type,
                status             = excluded.status,
                monitoring_enabled = excluded.monitoring_enabled,
                connection_errors  = excluded.connection_errors,
                last_seen          = excluded.last_seen,
                hardware_info      = excluded.hardware_info,
                services           = excluded.services
        `,
			d.Key, d.Address, d.Hostname, d.OSType, string(d.Status), d.MonitoringEnabled,
			d.ConnectionErrors, lastSeen, string(hardware), string(services),
		)
		return err
	}))
}

func (s *sqliteStore) LoadDevices(ctx context.Context) ([]models.Device, error) {
	var devices []models.Device
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
            SELECT key, address, hostname, os_type, status, monitoring_enabled,
                   connection_errors, last_seen, hardware_info, services
            FROM devices ORDER BY key ASC`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				d        models.Device
				status   string
				lastSeen sql.NullString
				hardware string
				services string
			)
			if err := rows.Scan(&d.Key, &d.Address, &d.Hostname, &d.OSType, &status,
				&d.MonitoringEnabled, &d.ConnectionErrors, &lastSeen, &hardware, &services); err != nil {
				return err
			}
			d.Status = models.DeviceStatus(status)
			if lastSeen.Valid {
				if ts, err := parseTime(lastSeen.String); err == nil {
					d.LastUpdate = &ts
				}
			}
			if hardware != "" && hardware != "null" {
				d.HardwareInfo = json.RawMessage(hardware)
			}
			if err := json.Unmarshal([]byte(services), &d.Services); err != nil {
				d.Services = nil
			}
			devices = append(devices, d)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, wrap("load devices", err)
	}
	return devices, nil
}

// ---------------------------------------------------------------------------
// Alerts
// ---------------------------------------------------------------------------

func (s *sqliteStore) SaveAlert(ctx context.Context, a models.Alert) error {
	return wrap("save alert", s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
            INSERT INTO alerts(id, device_key, metric, level, value, threshold,
                               timestamp, acknowledged, resolved, message)
            VALUES(?,?,?,?,?,?,?,?,?,?)
            ON CONFLICT(id) DO UPDATE SET
                level        = excluded.level,
                value        = excluded.value,
                threshold    = excluded.threshold,
                timestamp    = excluded.timestamp,
                acknowledged = excluded.acknowledged,
                resolved     = excluded.resolved,
                message      = excluded.message
        `,
			a.ID, a.DeviceKey, a.Metric, string(a.Level), a.Value, a.Threshold,
			a.Timestamp.UTC(), a.Acknowledged, a.Resolved, a.Message,
		)
		return err
	}))
}

func (s *sqliteStore) LoadAlerts(ctx context.Context, unresolvedOnly bool) ([]models.Alert, error) {
	query := `SELECT id, device_key, metric, level, value, threshold,
                     timestamp, acknowledged, resolved, message
              FROM alerts`
	if unresolvedOnly {
		query += ` WHERE resolved = 0`
	}
	query += ` ORDER BY timestamp ASC`

	var alerts []models.Alert
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				a     models.Alert
				level string
				ts    string
			)
			if err := rows.Scan(&a.ID, &a.DeviceKey, &a.Metric, &level, &a.Value,
				&a.Threshold, &ts, &a.Acknowledged, &a.Resolved, &a.Message); err != nil {
				return err
			}
			a.Level = models.AlertLevel(level)
			a.Timestamp, _ = parseTime(ts)
			alerts = append(alerts, a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, wrap("load alerts", err)
	}
	return alerts, nil
}

func (s *sqliteStore) PruneResolvedAlerts(ctx context.Context, before time.Time) (int64, error) {
	var pruned int64
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx,
			`DELETE FROM alerts WHERE resolved = 1 AND timestamp < ?`, before.UTC())
		if err != nil {
			return err
		}
		pruned, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, wrap("prune alerts", err)
	}
	return pruned, nil
}

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

func (s *sqliteStore) AppendMetric(ctx context.Context, deviceKey, metric string, sample models.MetricSample) error {
	return wrap("append metric", s.withConn(ctx, func(conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx,
			`INSERT INTO metrics(device_key, name, value, timestamp) VALUES(?,?,?,?)`,
			deviceKey, metric, sample.Value, sample.Timestamp.UTC(),
		)
		return err
	}))
}

func (s *sqliteStore) RecentMetrics(ctx context.Context, deviceKey, metric string, limit int) ([]models.MetricSample, error) {
	if limit <= 0 {
		limit = 100
	}
	var samples []models.MetricSample
	err := s.withConn(ctx, func(conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
            SELECT value, timestamp FROM metrics
            WHERE device_key = ? AND name = ?
            ORDER BY timestamp DESC LIMIT ?`,
			deviceKey, metric, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var (
				sample models.MetricSample
				ts     string
			)
			if err := rows.Scan(&sample.Value, &ts); err != nil {
				return err
			}
			sample.Timestamp, _ = parseTime(ts)
			samples = append(samples, sample)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, wrap("recent metrics", err)
	}
	return samples, nil
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// parseTime handles the datetime formats SQLite hands back.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
