package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/petervdpas/msgdrop/internal/proto"
)

// History page sizes.
const (
	DefaultHistory = 200
	MaxHistory     = 500
)

// Edit replaces the text of message seq and stamps updated_at.
func (d *DB) Edit(room string, seq int64, text string, at int64) (proto.Message, error) {
	if strings.TrimSpace(text) == "" {
		return proto.Message{}, errors.New("text required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return proto.Message{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`UPDATE messages SET body = ?, updated_at = ? WHERE room = ? AND seq = ?`, text, at, room, seq)
	if err != nil {
		return proto.Message{}, fmt.Errorf("edit message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return proto.Message{}, ErrNotFound
	}
	if err := touch(tx, room); err != nil {
		return proto.Message{}, err
	}
	m, err := scanMessage(tx.QueryRow(selectMessage+` WHERE room = ? AND seq = ?`, room, seq))
	if err != nil {
		return proto.Message{}, err
	}
	return m, tx.Commit()
}

// Delete removes message seq. Sequence numbers are never reused.
func (d *DB) Delete(room string, seq int64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`DELETE FROM messages WHERE room = ? AND seq = ?`, room, seq)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	if err := touch(tx, room); err != nil {
		return err
	}
	return tx.Commit()
}

// React adds or removes one emoji from message seq and returns the counts.
// A count that drops to zero disappears.
func (d *DB) React(room string, seq int64, emoji string, add bool) (map[string]int, error) {
	emoji = strings.TrimSpace(emoji)
	if emoji == "" {
		return nil, errors.New("emoji required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var raw string
	if err := tx.QueryRow(`SELECT reactions FROM messages WHERE room = ? AND seq = ?`, room, seq).Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("read reactions: %w", err)
	}
	rx := decodeReactions(raw)
	if add {
		rx[emoji]++
	} else if rx[emoji] <= 1 {
		delete(rx, emoji)
	} else {
		rx[emoji]--
	}
	b, err := json.Marshal(rx)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(`UPDATE messages SET reactions = ? WHERE room = ? AND seq = ?`, string(b), room, seq); err != nil {
		return nil, fmt.Errorf("write reactions: %w", err)
	}
	if err := touch(tx, room); err != nil {
		return nil, err
	}
	return rx, tx.Commit()
}

// History returns up to limit of the newest messages older than before
// (unix millis, 0 for no bound), oldest first. limit is clamped to
// [1, MaxHistory]; 0 means DefaultHistory.
func (d *DB) History(room string, limit int, before int64) (proto.Drop, error) {
	switch {
	case limit == 0:
		limit = DefaultHistory
	case limit < 1:
		limit = 1
	case limit > MaxHistory:
		limit = MaxHistory
	}

	drop := proto.Drop{DropID: room, Messages: []proto.Message{}}
	err := d.db.QueryRow(`SELECT version FROM rooms WHERE room = ?`, room).Scan(&drop.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return drop, nil
	}
	if err != nil {
		return proto.Drop{}, fmt.Errorf("room version: %w", err)
	}

	query, args := selectMessage+` WHERE room = ?`, []any{room}
	if before > 0 {
		query += ` AND ts < ?`
		args = append(args, before)
	}
	query += ` ORDER BY seq DESC LIMIT ?`
	args = append(args, limit)

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return proto.Drop{}, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return proto.Drop{}, err
		}
		drop.Messages = append(drop.Messages, m)
	}
	if err := rows.Err(); err != nil {
		return proto.Drop{}, err
	}
	for i, j := 0, len(drop.Messages)-1; i < j; i, j = i+1, j-1 {
		drop.Messages[i], drop.Messages[j] = drop.Messages[j], drop.Messages[i]
	}
	return drop, nil
}

func touch(x execer, room string) error {
	if _, err := x.Exec(`UPDATE rooms SET version = version + 1 WHERE room = ?`, room); err != nil {
		return fmt.Errorf("bump room: %w", err)
	}
	return nil
}

func decodeReactions(raw string) map[string]int {
	rx := map[string]int{}
	if raw == "" {
		return rx
	}
	if err := json.Unmarshal([]byte(raw), &rx); err != nil {
		return map[string]int{}
	}
	return rx
}

// Message returns message seq of room.
func (d *DB) Message(room string, seq int64) (proto.Message, error) {
	return scanMessage(d.db.QueryRow(selectMessage+` WHERE room = ? AND seq = ?`, room, seq))
}
