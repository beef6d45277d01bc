package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rabbitholeanalytics/gelato-network/internal/engine"
)

// writerLease names the lease a long-running writer holds.
const writerLease = "writer"

// ErrReadOnly is returned when a read session is asked to write.
var ErrReadOnly = errors.New("session is read-only")

// ErrLeaseLost is returned by Lease.Renew when the lease expired and was
// taken over, or was removed.
var ErrLeaseLost = errors.New("writer lease lost")

// LeaseError reports that another process holds the writer lease.
type LeaseError struct {
	Holder  string
	Expires time.Time
}

func (e *LeaseError) Error() string {
	return fmt.Sprintf("database is held by %s until %s", e.Holder, e.Expires.UTC().Format(time.RFC3339))
}

// Session is one process's exclusive view of the database.
//
// A write session runs inside BEGIN IMMEDIATE: it takes SQLite's write lock
// before reading, so the restore, the operation and every Append form one
// transaction and no other process can write in between. Appends are
// buffered in that transaction until Commit. A failed Append poisons the
// session and Commit rolls everything back.
//
// A read session runs inside a deferred transaction and sees one consistent
// snapshot of the WAL. It never blocks writers for long and rejects Append.
//
// A Session holds the Store's only pooled connection; use nothing else on
// the Store until it is finished.
type Session struct {
	reader
	conn     *sql.Conn
	write    bool
	err      error
	finished bool
}

var _ engine.Journal = (*Session)(nil)

// Begin starts a write session. It fails with a *LeaseError, without
// waiting, while a live writer lease exists. Concurrent sessions in other
// processes wait for each other up to the busy timeout.
func (s *Store) Begin(ctx context.Context) (*Session, error) {
	se, err := s.begin(ctx, true)
	if err != nil {
		return nil, err
	}
	if err := checkLease(ctx, se.conn, "", time.Now()); err != nil {
		se.Rollback()
		return nil, err
	}
	return se, nil
}

// BeginRead starts a read-only session.
func (s *Store) BeginRead(ctx context.Context) (*Session, error) {
	return s.begin(ctx, false)
}

func (s *Store) begin(ctx context.Context, write bool) (*Session, error) {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin session: %w", err)
	}
	stmt := "BEGIN DEFERRED"
	if write {
		stmt = "BEGIN IMMEDIATE"
	}
	if _, err := conn.ExecContext(ctx, stmt); err != nil {
		conn.Close()
		return nil, fmt.Errorf("begin session: %w", err)
	}
	return &Session{reader: reader{q: conn}, conn: conn, write: write}, nil
}

// Append implements engine.Journal. Each event is written under a savepoint,
// so a failing event leaves no partial rows behind.
func (se *Session) Append(ctx context.Context, ev engine.Event, ch engine.Changes) error {
	if !se.write {
		return fmt.Errorf("append event %d: %w", ev.Seq, ErrReadOnly)
	}
	if se.err != nil {
		return fmt.Errorf("append event %d: session already failed: %w", ev.Seq, se.err)
	}
	if _, err := se.conn.ExecContext(ctx, "SAVEPOINT journal"); err != nil {
		se.err = err
		return fmt.Errorf("append event %d: savepoint: %w", ev.Seq, err)
	}
	if err := appendEvent(ctx, se.conn, ev, ch); err != nil {
		se.err = err
		// Leave the outer transaction intact for Rollback.
		se.conn.ExecContext(context.Background(), "ROLLBACK TO journal")
		se.conn.ExecContext(context.Background(), "RELEASE journal")
		return err
	}
	if _, err := se.conn.ExecContext(ctx, "RELEASE journal"); err != nil {
		se.err = err
		return fmt.Errorf("append event %d: release: %w", ev.Seq, err)
	}
	return nil
}

// SaveSnapshot replaces all state tables with snap inside the session.
func (se *Session) SaveSnapshot(ctx context.Context, snap engine.Snapshot) error {
	if !se.write {
		return fmt.Errorf("save snapshot: %w", ErrReadOnly)
	}
	if err := saveSnapshot(ctx, se.conn, snap); err != nil {
		se.err = err
		return err
	}
	return nil
}

// Err returns the first write failure, if any.
func (se *Session) Err() error { return se.err }

// Commit makes the session's writes durable. If any Append failed, nothing
// is committed and that failure is returned.
func (se *Session) Commit() error {
	if se.finished {
		return nil
	}
	if se.err != nil {
		se.Rollback()
		return fmt.Errorf("session rolled back: %w", se.err)
	}
	se.finished = true
	defer se.conn.Close()
	// The command context may already be cancelled by a signal; the commit
	// still has to run.
	if _, err := se.conn.ExecContext(context.Background(), "COMMIT"); err != nil {
		se.conn.ExecContext(context.Background(), "ROLLBACK")
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

// Rollback discards the session. Safe to call after Commit.
func (se *Session) Rollback() error {
	if se.finished {
		return nil
	}
	se.finished = true
	defer se.conn.Close()
	if _, err := se.conn.ExecContext(context.Background(), "ROLLBACK"); err != nil {
		return fmt.Errorf("rollback session: %w", err)
	}
	return nil
}

// Lease is a held writer lease. The holder must Renew it before it expires.
type Lease struct {
	store  *Store
	holder string
	ttl    time.Duration
}

// AcquireLease takes the writer lease for holder. It fails with a
// *LeaseError if another holder has a live lease; an expired lease is taken
// over. It waits for in-flight write sessions to finish.
func (s *Store) AcquireLease(ctx context.Context, holder string, ttl time.Duration) (*Lease, error) {
	if holder == "" {
		return nil, errors.New("acquire lease: holder is required")
	}
	se, err := s.begin(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	defer se.Rollback()

	now := time.Now()
	if err := checkLease(ctx, se.conn, holder, now); err != nil {
		return nil, err
	}
	_, err = se.conn.ExecContext(ctx, `
		INSERT INTO leases (name, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
	`, writerLease, holder, now.Add(ttl).UnixNano())
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	if err := se.Commit(); err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	return &Lease{store: s, holder: holder, ttl: ttl}, nil
}

// Holder returns the lease holder name.
func (l *Lease) Holder() string { return l.holder }

// TTL returns the lease duration granted by each renewal.
func (l *Lease) TTL() time.Duration { return l.ttl }

// Renew extends the lease by its ttl. Returns ErrLeaseLost if the lease is
// no longer held by this holder or has already expired: writers may have
// run since.
func (l *Lease) Renew(ctx context.Context) error {
	now := time.Now()
	res, err := l.store.db.ExecContext(ctx, `
		UPDATE leases SET expires_at = ? WHERE name = ? AND holder = ? AND expires_at > ?
	`, now.Add(l.ttl).UnixNano(), writerLease, l.holder, now.UnixNano())
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release gives up the lease. Releasing a lost lease is not an error.
func (l *Lease) Release(ctx context.Context) error {
	_, err := l.store.db.ExecContext(ctx, `DELETE FROM leases WHERE name = ? AND holder = ?`, writerLease, l.holder)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// checkLease fails with a *LeaseError if a live lease is held by someone
// other than self.
func checkLease(ctx context.Context, q querier, self string, now time.Time) error {
	var (
		holder  string
		expires int64
	)
	err := q.QueryRowContext(ctx, `SELECT holder, expires_at FROM leases WHERE name = ?`, writerLease).Scan(&holder, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lease: %w", err)
	}
	if holder != self && expires > now.UnixNano() {
		return &LeaseError{Holder: holder, Expires: fromUnixNano(expires)}
	}
	return nil
}
