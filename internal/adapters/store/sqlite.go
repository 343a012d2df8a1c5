package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/dkeye/callsig/internal/core"
	"github.com/dkeye/callsig/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	caller_id  TEXT NOT NULL DEFAULT '',
	callee_id  TEXT NOT NULL DEFAULT '',
	kind       TEXT NOT NULL DEFAULT '',
	status     TEXT NOT NULL DEFAULT '',
	offer      TEXT,
	answer     TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_callee ON sessions(callee_id);
CREATE INDEX IF NOT EXISTS sessions_status ON sessions(status, updated_at);

CREATE TABLE IF NOT EXISTS candidates (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	role       TEXT NOT NULL,
	payload    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS candidates_channel ON candidates(session_id, role, seq);

CREATE TABLE IF NOT EXISTS missed_calls (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id   TEXT NOT NULL,
	kind      TEXT NOT NULL,
	caller_id TEXT NOT NULL,
	callee_id TEXT NOT NULL,
	at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id           TEXT PRIMARY KEY,
	display_name TEXT NOT NULL,
	photo_url    TEXT NOT NULL DEFAULT ''
);
`

// SQLite is the durable store backed by a SQLite file. Subscriptions poll.
type SQLite struct {
	db           *sql.DB
	pollInterval time.Duration
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// OpenSQLite opens or creates the database at path (":memory:" works).
func OpenSQLite(path string, pollInterval time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: serializes read-modify-write transactions and keeps
	// a :memory: database alive for the lifetime of the store.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	log.Info().Str("module", "store.sqlite").Str("path", path).Dur("poll", pollInterval).Msg("store opened")
	return &SQLite{
		db:           db,
		pollInterval: pollInterval,
		now:          time.Now,
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const sessionColumns = `id, caller_id, callee_id, kind, status, offer, answer, created_at, updated_at`

func scanSession(row interface{ Scan(...any) error }) (*domain.Session, error) {
	var (
		rec              domain.Session
		offer, answer    sql.NullString
		created, updated int64
	)
	if err := row.Scan(&rec.ID, &rec.CallerID, &rec.CalleeID, &rec.Kind, &rec.Status, &offer, &answer, &created, &updated); err != nil {
		return nil, err
	}
	var err error
	if rec.Offer, err = decodeDescription(offer); err != nil {
		return nil, fmt.Errorf("decode offer: %w", err)
	}
	if rec.Answer, err = decodeDescription(answer); err != nil {
		return nil, fmt.Errorf("decode answer: %w", err)
	}
	rec.CreatedAt = time.Unix(0, created)
	rec.UpdatedAt = time.Unix(0, updated)
	return &rec, nil
}

func decodeDescription(s sql.NullString) (*domain.Description, error) {
	if !s.Valid {
		return nil, nil
	}
	var d domain.Description
	if err := json.Unmarshal([]byte(s.String), &d); err != nil {
		return nil, err
	}
	return &d, nil
}

func encodeDescription(d *domain.Description) (sql.NullString, error) {
	if d == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func getSession(ctx context.Context, q querier, id domain.SessionID) (*domain.Session, error) {
	rec, err := scanSession(q.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (s *SQLite) Get(ctx context.Context, id domain.SessionID) (*domain.Session, error) {
	defer observe("get")()
	rec, err := getSession(ctx, s.db, id)
	if err != nil {
		return nil, domain.WrapTransport("get", err)
	}
	return rec, nil
}

func (s *SQLite) Publish(ctx context.Context, id domain.SessionID, patch domain.Patch) (*domain.Session, error) {
	return s.Update(ctx, id, func(*domain.Session) (domain.Patch, error) { return patch, nil })
}

func (s *SQLite) Update(ctx context.Context, id domain.SessionID, fn core.UpdateFunc) (*domain.Session, error) {
	defer observe("update")()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.WrapTransport("update", err)
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := getSession(ctx, tx, id)
	if err != nil {
		return nil, domain.WrapTransport("update", err)
	}
	patch, err := fn(cur.Clone())
	if errors.Is(err, core.ErrNoChange) {
		return cur, nil
	}
	if err != nil {
		return nil, err
	}
	next, err := patch.Apply(id, cur, s.now())
	if err != nil {
		return nil, err
	}
	if cur != nil && next.UpdatedAt.Equal(cur.UpdatedAt) {
		return next, nil
	}

	offer, err := encodeDescription(next.Offer)
	if err != nil {
		return nil, fmt.Errorf("encode offer: %w", err)
	}
	answer, err := encodeDescription(next.Answer)
	if err != nil {
		return nil, fmt.Errorf("encode answer: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			caller_id = excluded.caller_id,
			callee_id = excluded.callee_id,
			kind = excluded.kind,
			status = excluded.status,
			offer = excluded.offer,
			answer = excluded.answer,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		next.ID, next.CallerID, next.CalleeID, next.Kind, next.Status, offer, answer,
		next.CreatedAt.UnixNano(), next.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return nil, domain.WrapTransport("update", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.WrapTransport("update", err)
	}
	log.Debug().Str("module", "store.sqlite").Str("session", string(id)).Str("status", string(next.Status)).Msg("session written")
	return next, nil
}

func (s *SQLite) DeleteSession(ctx context.Context, id domain.SessionID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return domain.WrapTransport("deleteSession", err)
	}
	return nil
}

func (s *SQLite) ListRinging(ctx context.Context, before time.Time) ([]*domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE status = ? AND updated_at < ?`,
		domain.StatusRinging, before.UnixNano())
	if err != nil {
		return nil, domain.WrapTransport("listRinging", err)
	}
	defer rows.Close()
	var out []*domain.Session
	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, domain.WrapTransport("listRinging", err)
		}
		out = append(out, rec)
	}
	return out, domain.WrapTransport("listRinging", rows.Err())
}

func (s *SQLite) AppendCandidate(ctx context.Context, id domain.SessionID, role domain.Role, c domain.Candidate) error {
	defer observe("appendCandidate")()
	b, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode candidate: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO candidates (session_id, role, payload) VALUES (?, ?, ?)`, id, role, string(b)); err != nil {
		return domain.WrapTransport("appendCandidate", err)
	}
	return nil
}

type seqCandidate struct {
	seq int64
	c   domain.Candidate
}

func (s *SQLite) candidatesAfter(ctx context.Context, id domain.SessionID, role domain.Role, after int64) ([]seqCandidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, payload FROM candidates WHERE session_id = ? AND role = ? AND seq > ? ORDER BY seq`,
		id, role, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []seqCandidate
	for rows.Next() {
		var (
			sc      seqCandidate
			payload string
		)
		if err := rows.Scan(&sc.seq, &payload); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &sc.c); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLite) ListCandidates(ctx context.Context, id domain.SessionID, role domain.Role) ([]domain.Candidate, error) {
	rows, err := s.candidatesAfter(ctx, id, role, 0)
	if err != nil {
		return nil, domain.WrapTransport("listCandidates", err)
	}
	out := make([]domain.Candidate, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.c)
	}
	return out, nil
}

func (s *SQLite) DeleteAllCandidates(ctx context.Context, id domain.SessionID) error {
	defer observe("deleteCandidates")()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM candidates WHERE session_id = ?`, id); err != nil {
		return domain.WrapTransport("deleteCandidates", err)
	}
	return nil
}

func (s *SQLite) Subscribe(ctx context.Context, id domain.SessionID, fn func(*domain.Session)) (core.Unsubscribe, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	sub := core.NewDispatcher(fn)
	exists := cur != nil
	var last time.Time
	if cur != nil {
		last = cur.UpdatedAt
		sub.Push(cur)
	}
	return s.poll(ctx, sub.Close, func(pctx context.Context) {
		rec, err := getSession(pctx, s.db, id)
		if err != nil {
			log.Debug().Err(err).Str("module", "store.sqlite").Str("session", string(id)).Msg("poll session")
			return
		}
		switch {
		case rec == nil && exists:
			exists = false
			sub.Push(nil)
		case rec != nil && (!exists || rec.UpdatedAt.After(last)):
			exists = true
			last = rec.UpdatedAt
			sub.Push(rec)
		}
	}), nil
}

func (s *SQLite) SubscribeCandidates(ctx context.Context, id domain.SessionID, role domain.Role, fn func(domain.Candidate)) (core.Unsubscribe, error) {
	sub := core.NewDispatcher(fn)
	var after int64
	tick := func(pctx context.Context) {
		rows, err := s.candidatesAfter(pctx, id, role, after)
		if err != nil {
			log.Debug().Err(err).Str("module", "store.sqlite").Str("session", string(id)).Msg("poll candidates")
			return
		}
		for _, r := range rows {
			after = r.seq
			sub.Push(r.c)
		}
	}
	tick(ctx)
	return s.poll(ctx, sub.Close, tick), nil
}

func (s *SQLite) SubscribeCallee(ctx context.Context, callee domain.UserID, fn func(domain.SessionID, *domain.Session)) (core.Unsubscribe, error) {
	sub := core.NewDispatcher(func(ev calleeEvent) { fn(ev.id, ev.rec) })
	known := make(map[domain.SessionID]time.Time)
	tick := func(pctx context.Context) {
		rows, err := s.db.QueryContext(pctx,
			`SELECT `+sessionColumns+` FROM sessions WHERE callee_id = ?`, callee)
		if err != nil {
			log.Debug().Err(err).Str("module", "store.sqlite").Str("callee", string(callee)).Msg("poll callee")
			return
		}
		seen := make(map[domain.SessionID]struct{})
		var changed []*domain.Session
		for rows.Next() {
			rec, err := scanSession(rows)
			if err != nil {
				log.Debug().Err(err).Str("module", "store.sqlite").Msg("scan callee session")
				continue
			}
			seen[rec.ID] = struct{}{}
			if at, ok := known[rec.ID]; !ok || rec.UpdatedAt.After(at) {
				known[rec.ID] = rec.UpdatedAt
				changed = append(changed, rec)
			}
		}
		rerr := rows.Err()
		rows.Close()
		if rerr != nil {
			return
		}
		for _, rec := range changed {
			sub.Push(calleeEvent{id: rec.ID, rec: rec})
		}
		for id := range known {
			if _, ok := seen[id]; ok {
				continue
			}
			// gone: deleted, or readdressed to someone else
			delete(known, id)
			rec, err := getSession(pctx, s.db, id)
			if err != nil {
				continue
			}
			sub.Push(calleeEvent{id: id, rec: rec})
		}
	}
	tick(ctx)
	return s.poll(ctx, sub.Close, tick), nil
}

// poll runs tick every interval until the store closes, ctx ends or the
// returned unsubscribe is called.
func (s *SQLite) poll(ctx context.Context, closeSub func(), tick func(context.Context)) core.Unsubscribe {
	pctx, cancel := context.WithCancel(s.ctx)
	stopOnCtx := context.AfterFunc(ctx, cancel)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer closeSub()
		t := time.NewTicker(s.pollInterval)
		defer t.Stop()
		for {
			select {
			case <-pctx.Done():
				return
			case <-t.C:
				tick(pctx)
			}
		}
	}()
	return func() {
		stopOnCtx()
		cancel()
	}
}

func (s *SQLite) RecordMissedCall(ctx context.Context, mc domain.MissedCall) error {
	if mc.At.IsZero() {
		mc.At = s.now()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO missed_calls (chat_id, kind, caller_id, callee_id, at) VALUES (?, ?, ?, ?, ?)`,
		mc.ChatID, mc.Kind, mc.CallerID, mc.CalleeID, mc.At.UnixNano()); err != nil {
		return domain.WrapTransport("recordMissedCall", err)
	}
	return nil
}

func (s *SQLite) MissedCalls(ctx context.Context, callee domain.UserID) ([]domain.MissedCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, kind, caller_id, callee_id, at FROM missed_calls WHERE callee_id = ? ORDER BY id`, callee)
	if err != nil {
		return nil, domain.WrapTransport("missedCalls", err)
	}
	defer rows.Close()
	var out []domain.MissedCall
	for rows.Next() {
		var (
			mc domain.MissedCall
			at int64
		)
		if err := rows.Scan(&mc.ChatID, &mc.Kind, &mc.CallerID, &mc.CalleeID, &at); err != nil {
			return nil, domain.WrapTransport("missedCalls", err)
		}
		mc.At = time.Unix(0, at)
		out = append(out, mc)
	}
	return out, domain.WrapTransport("missedCalls", rows.Err())
}

func (s *SQLite) GetUser(ctx context.Context, id domain.UserID) (*domain.User, error) {
	var u domain.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, photo_url FROM users WHERE id = ?`, id).Scan(&u.ID, &u.DisplayName, &u.PhotoURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, domain.WrapTransport("getUser", err)
	}
	return &u, nil
}

func (s *SQLite) PutUser(ctx context.Context, u domain.User) error {
	if !u.ID.Valid() {
		return domain.ErrUserIDInvalid
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, photo_url) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, photo_url = excluded.photo_url`,
		u.ID, u.DisplayName, u.PhotoURL); err != nil {
		return domain.WrapTransport("putUser", err)
	}
	return nil
}

// Close stops every poller and closes the database.
func (s *SQLite) Close() error {
	s.cancel()
	s.wg.Wait()
	return s.db.Close()
}
