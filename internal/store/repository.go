package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"codeberg.org/mutker/bitaxectl/internal/errors"
	"codeberg.org/mutker/bitaxectl/internal/logger"
	"codeberg.org/mutker/bitaxectl/internal/telemetry"
	_ "github.com/mattn/go-sqlite3"
)

const (
	insertSampleSQL = `
    INSERT INTO samples (
        timestamp, hashrate, temperature, power, voltage, frequency,
        shares_accepted, shares_rejected, pool_state, fan_speed, uptime_seconds
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	insertAlertSQL = `
    INSERT INTO alerts (id, timestamp, kind, severity, sample_time, message, acknowledged)
    VALUES (?, ?, ?, ?, ?, ?, ?)`

	insertActionSQL = `
    INSERT INTO actions (id, timestamp, parameter, old_value, new_value, outcome)
    VALUES (?, ?, ?, ?, ?, ?)`

	upsertStateSQL = `
    INSERT INTO optimization_state (id, state, updated_at) VALUES (1, ?, ?)
    ON CONFLICT(id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`

	selectSamplesSQL = `
    SELECT timestamp, hashrate, temperature, power, voltage, frequency,
           shares_accepted, shares_rejected, pool_state, fan_speed, uptime_seconds
    FROM samples WHERE timestamp BETWEEN ? AND ? ORDER BY timestamp, seq`

	selectAlertsSQL = `
    SELECT id, timestamp, kind, severity, sample_time, message, acknowledged
    FROM alerts WHERE timestamp BETWEEN ? AND ? ORDER BY timestamp, rowid`

	selectUnackedAlertsSQL = `
    SELECT id, timestamp, kind, severity, sample_time, message, acknowledged
    FROM alerts WHERE acknowledged = 0 ORDER BY timestamp, rowid`

	selectActionsSQL = `
    SELECT id, timestamp, parameter, old_value, new_value, outcome
    FROM actions WHERE timestamp BETWEEN ? AND ? ORDER BY timestamp, seq`
)

type repository struct {
	db     *sql.DB
	logger logger.Logger
	cfg    Config
	mu     sync.RWMutex
}

// NewSQLite opens (creating if needed) the history database at cfg.DBPath
// and migrates it to the current schema.
func NewSQLite(cfg Config, log logger.Logger) (Store, error) {
	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}

	if cfg.DBPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
			return nil, errFactory.WithData(ErrStorageInit, struct {
				Phase string
				Path  string
				Error string
			}{
				Phase: "create_directory",
				Path:  cfg.DBPath,
				Error: err.Error(),
			})
		}
	}

	// FULL sync makes each committed append durable before it returns.
	dsn := cfg.DBPath + "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=" +
		durationMillis(defaultBusyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	// One connection serializes writers at the engine as well.
	db.SetMaxOpenConns(1)

	if err := migrateUp(db, log); err != nil {
		db.Close()
		return nil, err
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("retention_days", cfg.RetentionDays).
		Msg("History store initialized")

	return &repository{
		db:     db,
		logger: log,
		cfg:    cfg,
	}, nil
}

func (r *repository) AppendSample(ctx context.Context, sample telemetry.Sample) error {
	if err := sample.Validate(); err != nil {
		return errFactory.Wrap(errors.ErrInvalidArgument, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.withTx(ctx, func(tx *sql.Tx) error {
		var latest sql.NullInt64
		if err := tx.QueryRowContext(ctx, `SELECT MAX(timestamp) FROM samples`).Scan(&latest); err != nil {
			return unavailable(ErrTransactionFailed, err)
		}

		ts := sample.Timestamp.UnixNano()
		if latest.Valid && ts < latest.Int64 {
			return errFactory.WithData(ErrOutOfOrder, struct {
				Sample time.Time
				Latest time.Time
			}{
				Sample: sample.Timestamp.UTC(),
				Latest: fromNanos(latest.Int64),
			})
		}

		_, err := tx.ExecContext(ctx, insertSampleSQL,
			ts,
			sample.Hashrate,
			sample.Temperature,
			sample.Power,
			int64(sample.Voltage),
			int64(sample.Frequency),
			sample.SharesAccepted,
			sample.SharesRejected,
			string(sample.PoolState),
			int64(sample.FanSpeed),
			int64(sample.Uptime/time.Second),
		)
		if err != nil {
			return unavailable(ErrTransactionFailed, err)
		}
		return nil
	})
}

func (r *repository) AppendAlert(ctx context.Context, alert telemetry.AlertEvent) error {
	if alert.ID == "" {
		return errFactory.WithData(errors.ErrInvalidArgument, "alert id is required")
	}

	var sampleTime sql.NullInt64
	if alert.SampleTime != nil {
		sampleTime = sql.NullInt64{Int64: alert.SampleTime.UnixNano(), Valid: true}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, insertAlertSQL,
			alert.ID,
			alert.Timestamp.UnixNano(),
			string(alert.Kind),
			string(alert.Severity),
			sampleTime,
			alert.Message,
			boolToInt(alert.Acknowledged),
		)
		if err != nil {
			return unavailable(ErrTransactionFailed, err)
		}
		return nil
	})
}

func (r *repository) AppendAction(ctx context.Context, action telemetry.OptimizationAction) error {
	if action.ID == "" {
		return errFactory.WithData(errors.ErrInvalidArgument, "action id is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, insertActionSQL,
			action.ID,
			action.Timestamp.UnixNano(),
			string(action.Parameter),
			int64(action.OldValue),
			int64(action.NewValue),
			string(action.Outcome),
		)
		if err != nil {
			return unavailable(ErrTransactionFailed, err)
		}
		return nil
	})
}

func (r *repository) QuerySamples(ctx context.Context, from, to time.Time) ([]telemetry.Sample, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.QueryContext(ctx, selectSamplesSQL, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, unavailable(ErrTransactionFailed, err)
	}
	defer rows.Close()

	samples := make([]telemetry.Sample, 0)
	for rows.Next() {
		var (
			s                  telemetry.Sample
			ts, uptime         int64
			voltage, frequency int64
			fan                int64
			pool               string
		)
		if err := rows.Scan(&ts, &s.Hashrate, &s.Temperature, &s.Power, &voltage, &frequency,
			&s.SharesAccepted, &s.SharesRejected, &pool, &fan, &uptime); err != nil {
			return nil, unavailable(ErrTransactionFailed, err)
		}
		s.Timestamp = fromNanos(ts)
		s.Voltage = int(voltage)
		s.Frequency = int(frequency)
		s.PoolState = telemetry.PoolState(pool)
		s.FanSpeed = int(fan)
		s.Uptime = time.Duration(uptime) * time.Second
		samples = append(samples, s)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(ErrTransactionFailed, err)
	}

	return samples, nil
}

func (r *repository) QueryAlerts(ctx context.Context, from, to time.Time) ([]telemetry.AlertEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.queryAlerts(ctx, selectAlertsSQL, from.UnixNano(), to.UnixNano())
}

func (r *repository) UnacknowledgedAlerts(ctx context.Context) ([]telemetry.AlertEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.queryAlerts(ctx, selectUnackedAlertsSQL)
}

func (r *repository) queryAlerts(ctx context.Context, query string, args ...any) ([]telemetry.AlertEvent, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable(ErrTransactionFailed, err)
	}
	defer rows.Close()

	alerts := make([]telemetry.AlertEvent, 0)
	for rows.Next() {
		var (
			a          telemetry.AlertEvent
			ts         int64
			kind, sev  string
			sampleTime sql.NullInt64
			acked      int64
		)
		if err := rows.Scan(&a.ID, &ts, &kind, &sev, &sampleTime, &a.Message, &acked); err != nil {
			return nil, unavailable(ErrTransactionFailed, err)
		}
		a.Timestamp = fromNanos(ts)
		a.Kind = telemetry.AlertKind(kind)
		a.Severity = telemetry.Severity(sev)
		a.Acknowledged = acked == 1
		if sampleTime.Valid {
			t := fromNanos(sampleTime.Int64)
			a.SampleTime = &t
		}
		alerts = append(alerts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(ErrTransactionFailed, err)
	}

	return alerts, nil
}

func (r *repository) QueryActions(ctx context.Context, from, to time.Time) ([]telemetry.OptimizationAction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rows, err := r.db.QueryContext(ctx, selectActionsSQL, from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, unavailable(ErrTransactionFailed, err)
	}
	defer rows.Close()

	actions := make([]telemetry.OptimizationAction, 0)
	for rows.Next() {
		var (
			a                  telemetry.OptimizationAction
			ts, oldVal, newVal int64
			parameter, outcome string
		)
		if err := rows.Scan(&a.ID, &ts, &parameter, &oldVal, &newVal, &outcome); err != nil {
			return nil, unavailable(ErrTransactionFailed, err)
		}
		a.Timestamp = fromNanos(ts)
		a.Parameter = telemetry.Parameter(parameter)
		a.OldValue = int(oldVal)
		a.NewValue = int(newVal)
		a.Outcome = telemetry.Outcome(outcome)
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(ErrTransactionFailed, err)
	}

	return actions, nil
}

func (r *repository) LatestOptimizationState(ctx context.Context) (telemetry.OptimizationState, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var raw string
	err := r.db.QueryRowContext(ctx, `SELECT state FROM optimization_state WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return telemetry.OptimizationState{}, false, nil
	}
	if err != nil {
		return telemetry.OptimizationState{}, false, unavailable(ErrTransactionFailed, err)
	}

	var state telemetry.OptimizationState
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return telemetry.OptimizationState{}, false, errFactory.Wrap(ErrCorruptState, err)
	}

	return state, true, nil
}

func (r *repository) SaveOptimizationState(ctx context.Context, state telemetry.OptimizationState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return errFactory.Wrap(errors.ErrInternal, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, upsertStateSQL, string(raw), time.Now().UnixNano()); err != nil {
			return unavailable(ErrTransactionFailed, err)
		}
		return nil
	})
}

func (r *repository) AcknowledgeAlert(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `UPDATE alerts SET acknowledged = 1 WHERE id = ?`, id)
		if err != nil {
			return unavailable(ErrTransactionFailed, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return unavailable(ErrTransactionFailed, err)
		}
		if n == 0 {
			return errFactory.WithData(ErrNotFound, id)
		}
		return nil
	})
}

func (r *repository) Prune(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var removed int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM samples WHERE timestamp < ?`,
			`DELETE FROM alerts WHERE acknowledged = 1 AND timestamp < ?`,
		} {
			res, err := tx.ExecContext(ctx, stmt, before.UnixNano())
			if err != nil {
				return unavailable(ErrTransactionFailed, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return unavailable(ErrTransactionFailed, err)
			}
			removed += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	r.logger.Debug().
		Int64("removed", removed).
		Time("before", before).
		Msg("Pruned history")

	return removed, nil
}

func (r *repository) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		r.logger.Warn().Err(err).Msg("Failed to checkpoint WAL")
	}

	if err := r.db.Close(); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	r.logger.Info().Msg("History store closed")

	return nil
}

// withTx runs fn in a transaction, committing only if fn succeeds.
func (r *repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(ErrTransactionFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				r.logger.Debug().Err(err).Msg("Failed to roll back transaction")
			}
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return unavailable(ErrTransactionFailed, err)
	}
	committed = true

	return nil
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func durationMillis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
