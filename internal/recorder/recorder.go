// Package recorder keeps a SQLite log of supervisory command outcomes and
// program state changes.
package recorder

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/banshee-data/motion.bridge/internal/asynccmd"
	"github.com/banshee-data/motion.bridge/internal/monitoring"
	"github.com/banshee-data/motion.bridge/internal/timeutil"
)

var logf = monitoring.Tagged("Recorder")

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultQueueSize bounds the number of events waiting to be written.
const DefaultQueueSize = 256

type event struct {
	async   *asynccmd.Result
	running bool
	at      time.Time
}

// Options configures a Recorder.
type Options struct {
	QueueSize int
	Clock     timeutil.Clock
}

// Recorder writes events on its own goroutine so callers never wait on the
// database. It implements asynccmd.Sink.
type Recorder struct {
	db    *sql.DB
	path  string
	clock timeutil.Clock

	events  chan event
	dropped atomic.Uint64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ asynccmd.Sink = (*Recorder)(nil)

// Open opens (or creates) the database at path and applies migrations.
func Open(path string, opts Options) (*Recorder, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	r := &Recorder{
		db:     db,
		path:   path,
		clock:  opts.Clock,
		events: make(chan event, opts.QueueSize),
	}
	if err := r.MigrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return r, nil
}

func applyPragmas(db *sql.DB) error {
	for _, p := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return nil
}

// MigrateUp runs all pending migrations.
func (r *Recorder) MigrateUp() error {
	m, err := r.newMigrate()
	if err != nil {
		return err
	}
	// Closing m would close the shared connection.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateDown rolls back every migration.
func (r *Recorder) MigrateDown() error {
	m, err := r.newMigrate()
	if err != nil {
		return err
	}
	if err := m.Down(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the schema version and dirty flag. Zero means no
// migration has been applied.
func (r *Recorder) MigrateVersion() (uint, bool, error) {
	m, err := r.newMigrate()
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

func (r *Recorder) newMigrate() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(r.db, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return m, nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }

// Start launches the writer goroutine. Events submitted before Start are
// queued.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		r.run(ctx)
	}()
}

func (r *Recorder) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			// Write whatever is already queued.
			for {
				select {
				case ev := <-r.events:
					r.write(ev)
				default:
					return
				}
			}
		case ev := <-r.events:
			r.write(ev)
		}
	}
}

func (r *Recorder) write(ev event) {
	var err error
	if ev.async != nil {
		err = r.insertAsync(*ev.async)
	} else {
		_, err = r.db.Exec(
			`INSERT INTO program_state_changes (running, changed_unix_nanos) VALUES (?, ?)`,
			boolToInt(ev.running), ev.at.UnixNano())
	}
	if err != nil {
		logf("write failed: %v", err)
	}
}

func (r *Recorder) insertAsync(res asynccmd.Result) error {
	req := res.Request
	var errText sql.NullString
	if res.Err != nil {
		errText = sql.NullString{String: res.Err.Error(), Valid: true}
	}
	var value, mass, cogX, cogY, cogZ sql.NullFloat64
	switch req.Kind {
	case asynccmd.Payload:
		mass = sql.NullFloat64{Float64: req.Mass, Valid: true}
		cogX = sql.NullFloat64{Float64: req.CenterOfGravity[0], Valid: true}
		cogY = sql.NullFloat64{Float64: req.CenterOfGravity[1], Valid: true}
		cogZ = sql.NullFloat64{Float64: req.CenterOfGravity[2], Valid: true}
	case asynccmd.ResendProgram:
	default:
		value = sql.NullFloat64{Float64: req.Value, Valid: true}
	}
	_, err := r.db.Exec(`
		INSERT OR REPLACE INTO async_commands (
			request_id, kind, pin, value, mass, cog_x, cog_y, cog_z,
			ok, error, started_unix_nanos, finished_unix_nanos
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID.String(), req.Kind.String(), req.Index, value, mass, cogX, cogY, cogZ,
		boolToInt(res.OK()), errText, res.Started.UnixNano(), res.Finished.UnixNano())
	return err
}

func (r *Recorder) enqueue(ev event) {
	select {
	case r.events <- ev:
	default:
		if n := r.dropped.Add(1); n == 1 || n%100 == 0 {
			logf("queue full, %d events dropped", n)
		}
	}
}

// AsyncCompleted records a finished supervisory command. It never blocks.
func (r *Recorder) AsyncCompleted(res asynccmd.Result) {
	r.enqueue(event{async: &res})
}

// ProgramStateChanged records a program start or stop. It never blocks.
func (r *Recorder) ProgramStateChanged(running bool) {
	r.enqueue(event{running: running, at: r.clock.Now()})
}

// Dropped reports how many events were discarded because the queue was full.
func (r *Recorder) Dropped() uint64 { return r.dropped.Load() }

// Close stops the writer after it has flushed queued events, then closes
// the database.
func (r *Recorder) Close() error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return r.db.Close()
}

// AsyncRecord is a stored supervisory command outcome.
type AsyncRecord struct {
	RequestID string    `json:"request_id"`
	Kind      string    `json:"kind"`
	Pin       int       `json:"pin"`
	Value     *float64  `json:"value,omitempty"`
	Mass      *float64  `json:"mass,omitempty"`
	OK        bool      `json:"ok"`
	Error     string    `json:"error,omitempty"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished"`
}

// RecentAsync returns up to limit outcomes, newest first.
func (r *Recorder) RecentAsync(ctx context.Context, limit int) ([]AsyncRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT request_id, kind, pin, value, mass, ok, error, started_unix_nanos, finished_unix_nanos
		FROM async_commands
		ORDER BY finished_unix_nanos DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AsyncRecord
	for rows.Next() {
		var (
			rec               AsyncRecord
			value, mass       sql.NullFloat64
			ok                int
			errText           sql.NullString
			started, finished int64
		)
		if err := rows.Scan(&rec.RequestID, &rec.Kind, &rec.Pin, &value, &mass, &ok, &errText, &started, &finished); err != nil {
			return nil, err
		}
		if value.Valid {
			rec.Value = &value.Float64
		}
		if mass.Valid {
			rec.Mass = &mass.Float64
		}
		rec.OK = ok != 0
		rec.Error = errText.String
		rec.Started = time.Unix(0, started)
		rec.Finished = time.Unix(0, finished)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ProgramStateRecord is a stored program state change.
type ProgramStateRecord struct {
	Running bool      `json:"running"`
	Changed time.Time `json:"changed"`
}

// RecentProgramStates returns up to limit state changes, newest first.
func (r *Recorder) RecentProgramStates(ctx context.Context, limit int) ([]ProgramStateRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT running, changed_unix_nanos
		FROM program_state_changes
		ORDER BY change_id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ProgramStateRecord
	for rows.Next() {
		var running int
		var changed int64
		if err := rows.Scan(&running, &changed); err != nil {
			return nil, err
		}
		out = append(out, ProgramStateRecord{Running: running != 0, Changed: time.Unix(0, changed)})
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
