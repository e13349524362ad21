package playerdb

import (
	"database/sql"
	"fmt"
)

// writer owns the prepared statements used by the background loop.
type writer struct {
	insertSession  *sql.Stmt
	upsertVisit    *sql.Stmt
	closeSession   *sql.Stmt
	addTotals      *sql.Stmt
	insertBan      *sql.Stmt
	upsertBanState *sql.Stmt
	insertKick     *sql.Stmt
	upsertKicked   *sql.Stmt
	insertRank     *sql.Stmt
	upsertRank     *sql.Stmt
}

func prepareWriter(db *sql.DB) (*writer, error) {
	w := &writer{}
	stmts := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&w.insertSession, `INSERT OR IGNORE INTO sessions(id, name, ip, login_at) VALUES(?, ?, ?, ?)`},
		{&w.upsertVisit, `INSERT INTO players(name, rank_id, first_login, last_login, last_ip, times_visited)
			VALUES(?, ?, ?, ?, ?, 1)
			ON CONFLICT(name) DO UPDATE SET
				last_login = excluded.last_login,
				last_ip = excluded.last_ip,
				times_visited = players.times_visited + 1,
				first_login = COALESCE(players.first_login, excluded.first_login),
				rank_id = CASE WHEN players.rank_id = '' THEN excluded.rank_id ELSE players.rank_id END`},
		{&w.closeSession, `UPDATE sessions SET logout_at = ?, blocks_placed = ?, blocks_deleted = ?, messages_written = ?
			WHERE id = ? AND logout_at IS NULL`},
		{&w.addTotals, `UPDATE players SET
				blocks_placed = blocks_placed + ?,
				blocks_deleted = blocks_deleted + ?,
				messages_written = messages_written + ?
			WHERE name = ?`},
		{&w.insertBan, `INSERT OR IGNORE INTO bans(id, name, action, actor, reason, at) VALUES(?, ?, ?, ?, ?, ?)`},
		{&w.upsertBanState, `INSERT INTO players(name, banned, ban_reason, banned_by) VALUES(?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				banned = excluded.banned,
				ban_reason = excluded.ban_reason,
				banned_by = excluded.banned_by`},
		{&w.insertKick, `INSERT OR IGNORE INTO kicks(id, name, actor, reason, at) VALUES(?, ?, ?, ?, ?)`},
		{&w.upsertKicked, `INSERT INTO players(name, times_kicked) VALUES(?, 1)
			ON CONFLICT(name) DO UPDATE SET times_kicked = players.times_kicked + 1`},
		{&w.insertRank, `INSERT OR IGNORE INTO rank_changes(id, name, actor, old_rank, new_rank, reason, at)
			VALUES(?, ?, ?, ?, ?, ?, ?)`},
		{&w.upsertRank, `INSERT INTO players(name, rank_id) VALUES(?, ?)
			ON CONFLICT(name) DO UPDATE SET rank_id = excluded.rank_id`},
	}
	for _, s := range stmts {
		stmt, err := db.Prepare(s.query)
		if err != nil {
			w.close()
			return nil, fmt.Errorf("failed to prepare statement: %w", err)
		}
		*s.dst = stmt
	}
	return w, nil
}

func (w *writer) close() {
	for _, stmt := range []*sql.Stmt{
		w.insertSession, w.upsertVisit, w.closeSession, w.addTotals, w.insertBan,
		w.upsertBanState, w.insertKick, w.upsertKicked, w.insertRank, w.upsertRank,
	} {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
}

// apply writes one event. The follow-up updates only run when the event row
// was new, which makes resubmitting an event harmless.
func (w *writer) apply(tx *sql.Tx, ev Event) error {
	at := formatTime(ev.At)
	switch ev.Kind {
	case EventLogin:
		res, err := tx.Stmt(w.insertSession).Exec(ev.ID, ev.Name, ev.IP, at)
		if err != nil || !inserted(res) {
			return err
		}
		_, err = tx.Stmt(w.upsertVisit).Exec(ev.Name, ev.NewRank, at, at, ev.IP)
		return err

	case EventLogout:
		res, err := tx.Stmt(w.closeSession).Exec(at, ev.Totals.BlocksPlaced, ev.Totals.BlocksDeleted,
			ev.Totals.MessagesWritten, ev.Session)
		if err != nil || !inserted(res) {
			return err
		}
		_, err = tx.Stmt(w.addTotals).Exec(ev.Totals.BlocksPlaced, ev.Totals.BlocksDeleted,
			ev.Totals.MessagesWritten, ev.Name)
		return err

	case EventBan, EventUnban:
		action, banned := "ban", 1
		if ev.Kind == EventUnban {
			action, banned = "unban", 0
		}
		res, err := tx.Stmt(w.insertBan).Exec(ev.ID, ev.Name, action, ev.Actor, ev.Reason, at)
		if err != nil || !inserted(res) {
			return err
		}
		reason, actor := ev.Reason, ev.Actor
		if banned == 0 {
			reason, actor = "", ""
		}
		_, err = tx.Stmt(w.upsertBanState).Exec(ev.Name, banned, reason, actor)
		return err

	case EventKick:
		res, err := tx.Stmt(w.insertKick).Exec(ev.ID, ev.Name, ev.Actor, ev.Reason, at)
		if err != nil || !inserted(res) {
			return err
		}
		_, err = tx.Stmt(w.upsertKicked).Exec(ev.Name)
		return err

	case EventRankChange:
		res, err := tx.Stmt(w.insertRank).Exec(ev.ID, ev.Name, ev.Actor, ev.OldRank, ev.NewRank, ev.Reason, at)
		if err != nil || !inserted(res) {
			return err
		}
		_, err = tx.Stmt(w.upsertRank).Exec(ev.Name, ev.NewRank)
		return err
	}
	return fmt.Errorf("unknown event kind %d", ev.Kind)
}

func inserted(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}

// loop applies events in batches: whatever is queued when a transaction
// starts goes into that transaction.
func (s *Store) loop() {
	w, err := prepareWriter(s.db)
	if err != nil {
		s.logger.Error("player database writer disabled", "error", err)
		for req := range s.ch {
			if req.done != nil {
				close(req.done)
				continue
			}
			s.failed.Add(1)
		}
		return
	}
	defer w.close()

	const maxBatch = 256
	for req := range s.ch {
		batch := []request{req}
	fill:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-s.ch:
				if !ok {
					break fill
				}
				batch = append(batch, next)
			default:
				break fill
			}
		}
		s.writeBatch(w, batch)
	}
}

func (s *Store) writeBatch(w *writer, batch []request) {
	var waiters []chan struct{}
	defer func() {
		for _, done := range waiters {
			close(done)
		}
	}()

	tx, err := s.db.Begin()
	if err != nil {
		s.logger.Error("failed to begin player database transaction", "error", err)
		for _, req := range batch {
			if req.done != nil {
				waiters = append(waiters, req.done)
			} else {
				s.failed.Add(1)
			}
		}
		return
	}

	var applied int
	for _, req := range batch {
		if req.done != nil {
			waiters = append(waiters, req.done)
			continue
		}
		if err := w.apply(tx, req.event); err != nil {
			s.failed.Add(1)
			s.logger.Warn("failed to record player event",
				"kind", req.event.Kind.String(), "player", req.event.Name, "error", err)
			continue
		}
		applied++
	}

	if err := tx.Commit(); err != nil {
		_ = tx.Rollback()
		s.failed.Add(uint64(applied))
		s.logger.Error("failed to commit player database transaction", "error", err)
	}
}
