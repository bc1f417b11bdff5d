package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/petervdpas/msgdrop/internal/proto"
)

const dayLayout = "2006-01-02"

type streakRow struct {
	current       int
	lastCompleted string
	lastE, lastM  string
}

func (r streakRow) view(today, yesterday string) proto.Streak {
	s := proto.Streak{
		Streak:          r.current,
		PreviousStreak:  r.current,
		MPostedToday:    r.lastM == today,
		EPostedToday:    r.lastE == today,
		BothPostedToday: r.lastM == today && r.lastE == today,
	}
	if r.lastCompleted != "" && r.lastCompleted < yesterday && r.current > 0 {
		s.BrokeStreak = true
		s.Streak = 0
	}
	return s
}

func days(now time.Time) (today, yesterday string) {
	return now.Format(dayLayout), now.AddDate(0, 0, -1).Format(dayLayout)
}

type rowQuerier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func loadStreak(q rowQuerier, room string) (streakRow, bool, error) {
	var r streakRow
	err := q.QueryRow(`SELECT current, last_completed, last_e, last_m FROM streaks WHERE room = ?`, room).
		Scan(&r.current, &r.lastCompleted, &r.lastE, &r.lastM)
	if errors.Is(err, sql.ErrNoRows) {
		return streakRow{}, false, nil
	}
	if err != nil {
		return streakRow{}, false, fmt.Errorf("load streak: %w", err)
	}
	return r, true, nil
}

// Streak reports the room's streak as of now (in the caller's zone). A
// stale streak reads as broken but is only persisted by the next post.
func (d *DB) Streak(room string, now time.Time) (proto.Streak, error) {
	r, _, err := loadStreak(d.db, room)
	if err != nil {
		return proto.Streak{}, err
	}
	return r.view(days(now)), nil
}

// RecordPost updates the streak for a post by user. A streak day completes
// once both participants posted; consecutive days increment it, a gap
// restarts it at 1, a missed day breaks it. changed reports whether the
// count moved.
func (d *DB) RecordPost(room, user string, now time.Time) (s proto.Streak, changed bool, err error) {
	today, yesterday := days(now)

	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return proto.Streak{}, false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	r, _, err := loadStreak(tx, room)
	if err != nil {
		return proto.Streak{}, false, err
	}
	previous := r.current
	broke := false

	switch user {
	case "E":
		r.lastE = today
	case "M":
		r.lastM = today
	}

	if r.lastE == today && r.lastM == today {
		switch r.lastCompleted {
		case today:
		case yesterday:
			r.current++
			r.lastCompleted = today
			changed = true
		default:
			r.current = 1
			r.lastCompleted = today
			changed = true
		}
	} else if r.lastCompleted != "" && r.lastCompleted < yesterday && r.current > 0 {
		r.current = 0
		changed = true
		broke = true
	}

	if _, err := tx.Exec(`
		INSERT INTO streaks (room, current, last_completed, last_e, last_m) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(room) DO UPDATE SET
			current = excluded.current,
			last_completed = excluded.last_completed,
			last_e = excluded.last_e,
			last_m = excluded.last_m`,
		room, r.current, r.lastCompleted, r.lastE, r.lastM,
	); err != nil {
		return proto.Streak{}, false, fmt.Errorf("save streak: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return proto.Streak{}, false, fmt.Errorf("commit: %w", err)
	}

	s = r.view(today, yesterday)
	s.BrokeStreak = broke
	s.PreviousStreak = previous
	return s, changed, nil
}
