// Package chat keeps the client's view of the room's messages and the
// HTTP fallback used when the socket is unavailable.
package chat

import (
	"encoding/json"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/msgdrop/internal/proto"
)

var log = logging.Logger("chat")

// Sync holds the latest snapshot and the read-receipt bookkeeping.
// Safe for concurrent use; the session feeds it from the loop goroutine
// while presenters read it from elsewhere.
type Sync struct {
	mu        sync.RWMutex
	self      string
	drop      proto.Drop
	maxRemote int64 // highest seq authored by the other participant
	acked     int64 // highest seq a read was sent for
	listeners []chan proto.Drop
}

func NewSync(self string) *Sync {
	return &Sync{self: self}
}

// Reset clears everything, e.g. after an identity switch.
func (s *Sync) Reset(self string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.self = self
	s.drop = proto.Drop{}
	s.maxRemote = 0
	s.acked = 0
}

// HandleUpdate replaces the snapshot. Older versions are ignored.
func (s *Sync) HandleUpdate(env proto.Envelope) {
	var drop proto.Drop
	if err := json.Unmarshal(env.Body(), &drop); err != nil {
		log.Warnf("bad update: %v", err)
		return
	}
	s.Apply(drop)
}

// Apply installs drop as the current snapshot unless it is older.
func (s *Sync) Apply(drop proto.Drop) {
	s.mu.Lock()
	if drop.Version < s.drop.Version && drop.DropID == s.drop.DropID {
		s.mu.Unlock()
		return
	}
	s.drop = drop
	for _, m := range drop.Messages {
		if m.User != s.self && m.Seq > s.maxRemote {
			s.maxRemote = m.Seq
		}
	}
	s.notifyLocked()
	s.mu.Unlock()
}

func (s *Sync) HandleDelivery(env proto.Envelope) {
	var r proto.DeliveryReceipt
	if err := json.Unmarshal(env.Body(), &r); err != nil {
		log.Warnf("bad delivery receipt: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.drop.Messages {
		if s.drop.Messages[i].Seq == r.Seq && s.drop.Messages[i].DeliveredAt == 0 {
			s.drop.Messages[i].DeliveredAt = r.DeliveredAt
			s.notifyLocked()
			return
		}
	}
}

// HandleRead stamps our own messages up to the receipt's seq as read.
func (s *Sync) HandleRead(env proto.Envelope) {
	var r proto.ReadReceipt
	if err := json.Unmarshal(env.Body(), &r); err != nil {
		log.Warnf("bad read receipt: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := false
	for i := range s.drop.Messages {
		m := &s.drop.Messages[i]
		if m.Seq <= r.UpToSeq && m.User != r.Reader && m.ReadAt == 0 {
			m.ReadAt = r.ReadAt
			changed = true
		}
	}
	if changed {
		s.notifyLocked()
	}
}

// Snapshot returns a copy of the current snapshot.
func (s *Sync) Snapshot() proto.Drop {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.drop
	out.Messages = append([]proto.Message(nil), s.drop.Messages...)
	return out
}

// PendingRead reports the highest remote seq not yet acknowledged.
func (s *Sync) PendingRead() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxRemote, s.maxRemote > s.acked
}

// MarkAcked records that a read up to seq was sent.
func (s *Sync) MarkAcked(seq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.acked {
		s.acked = seq
	}
}

// Subscribe returns a channel receiving every snapshot change. Slow
// subscribers miss intermediate snapshots.
func (s *Sync) Subscribe() (<-chan proto.Drop, func()) {
	ch := make(chan proto.Drop, 4)
	s.mu.Lock()
	s.listeners = append(s.listeners, ch)
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, l := range s.listeners {
			if l == ch {
				s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

func (s *Sync) notifyLocked() {
	snap := s.drop
	snap.Messages = append([]proto.Message(nil), s.drop.Messages...)
	for _, ch := range s.listeners {
		select {
		case ch <- snap:
		default:
		}
	}
}
