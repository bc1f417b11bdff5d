package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/petervdpas/msgdrop/internal/proto"
)

// NewMessage is what a participant posts.
type NewMessage struct {
	User     string
	Text     string
	ClientID string
	ReplyTo  int64
	TS       int64 // unix millis
}

// Append stores msg and keeps only the newest keep messages of the room.
// A repeated ClientID returns the stored message instead of a duplicate.
func (d *DB) Append(room string, msg NewMessage, keep int) (proto.Message, error) {
	if strings.TrimSpace(msg.Text) == "" {
		return proto.Message{}, errors.New("text required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return proto.Message{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if msg.ClientID != "" {
		existing, err := scanMessage(tx.QueryRow(
			selectMessage+` WHERE room = ? AND client_id = ?`, room, msg.ClientID))
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return proto.Message{}, err
		}
	}

	if _, err := tx.Exec(`INSERT INTO rooms (room) VALUES (?) ON CONFLICT(room) DO NOTHING`, room); err != nil {
		return proto.Message{}, fmt.Errorf("ensure room: %w", err)
	}
	var seq int64
	if err := tx.QueryRow(`SELECT next_seq FROM rooms WHERE room = ?`, room).Scan(&seq); err != nil {
		return proto.Message{}, fmt.Errorf("next seq: %w", err)
	}

	out := proto.Message{
		ID:        uuid.NewString(),
		Seq:       seq,
		TS:        msg.TS,
		CreatedAt: msg.TS,
		User:      msg.User,
		Text:      msg.Text,
		ClientID:  msg.ClientID,
		ReplyTo:   msg.ReplyTo,
		Reactions: map[string]int{},
	}
	if _, err := tx.Exec(`
		INSERT INTO messages (id, room, seq, ts, user, body, client_id, reply_to)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, room, out.Seq, out.TS, out.User, out.Text, nullString(out.ClientID), nullInt(out.ReplyTo),
	); err != nil {
		return proto.Message{}, fmt.Errorf("insert message: %w", err)
	}
	if _, err := tx.Exec(`UPDATE rooms SET next_seq = next_seq + 1, version = version + 1 WHERE room = ?`, room); err != nil {
		return proto.Message{}, fmt.Errorf("bump room: %w", err)
	}
	if _, err := cleanup(tx, room, keep); err != nil {
		return proto.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return proto.Message{}, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// Cleanup drops all but the newest keep messages of room. keep <= 0 is a no-op.
func (d *DB) Cleanup(room string, keep int) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return cleanup(d.db, room, keep)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func cleanup(x execer, room string, keep int) (int64, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := x.Exec(`
		DELETE FROM messages WHERE room = ? AND seq NOT IN (
			SELECT seq FROM messages WHERE room = ? ORDER BY seq DESC LIMIT ?
		)`, room, room, keep)
	if err != nil {
		return 0, fmt.Errorf("cleanup: %w", err)
	}
	return res.RowsAffected()
}

// MarkRead stamps every message of the other participant up to upToSeq.
// Returns the number of messages newly marked.
func (d *DB) MarkRead(room string, upToSeq int64, reader string, at int64) (int64, error) {
	return d.stamp(`UPDATE messages SET read_at = ?
		WHERE room = ? AND seq <= ? AND user != ? AND read_at IS NULL`, at, room, upToSeq, reader)
}

// MarkDelivered stamps one message as delivered.
func (d *DB) MarkDelivered(room string, seq, at int64) (int64, error) {
	return d.stamp(`UPDATE messages SET delivered_at = ?
		WHERE room = ? AND seq = ? AND delivered_at IS NULL`, at, room, seq)
}

func (d *DB) stamp(query string, args ...any) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(query, args...)
	if err != nil {
		return 0, fmt.Errorf("stamp: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if _, err := tx.Exec(`UPDATE rooms SET version = version + 1 WHERE room = ?`, args[1]); err != nil {
			return 0, fmt.Errorf("bump room: %w", err)
		}
	}
	return n, tx.Commit()
}

// Snapshot returns the room's current messages in seq order. An unknown
// room is an empty snapshot at version 0.
func (d *DB) Snapshot(room string) (proto.Drop, error) {
	drop := proto.Drop{DropID: room, Messages: []proto.Message{}}
	err := d.db.QueryRow(`SELECT version FROM rooms WHERE room = ?`, room).Scan(&drop.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return drop, nil
	}
	if err != nil {
		return proto.Drop{}, fmt.Errorf("room version: %w", err)
	}

	rows, err := d.db.Query(selectMessage+` WHERE room = ? ORDER BY seq`, room)
	if err != nil {
		return proto.Drop{}, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return proto.Drop{}, err
		}
		drop.Messages = append(drop.Messages, m)
	}
	return drop, rows.Err()
}

const selectMessage = `SELECT id, seq, ts, user, body, client_id, reply_to, delivered_at, read_at, updated_at, reactions FROM messages`

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (proto.Message, error) {
	var (
		m                  proto.Message
		clientID           sql.NullString
		replyTo, delivered sql.NullInt64
		read, updated      sql.NullInt64
		reactions          string
	)
	err := s.Scan(&m.ID, &m.Seq, &m.TS, &m.User, &m.Text, &clientID, &replyTo, &delivered, &read, &updated, &reactions)
	if errors.Is(err, sql.ErrNoRows) {
		return proto.Message{}, ErrNotFound
	}
	if err != nil {
		return proto.Message{}, fmt.Errorf("scan message: %w", err)
	}
	m.CreatedAt = m.TS
	m.ClientID = clientID.String
	m.ReplyTo = replyTo.Int64
	m.DeliveredAt = delivered.Int64
	m.ReadAt = read.Int64
	m.UpdatedAt = updated.Int64
	m.Reactions = decodeReactions(reactions)
	return m, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(n int64) sql.NullInt64 {
	return sql.NullInt64{Int64: n, Valid: n != 0}
}
