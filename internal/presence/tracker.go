// Package presence emits local heartbeats and tracks remote liveness.
package presence

import (
	"encoding/json"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/msgdrop/internal/loop"
	"github.com/petervdpas/msgdrop/internal/proto"
)

var log = logging.Logger("presence")

type State string

const (
	Unknown  State = "unknown"
	Active   State = "active"
	Inactive State = "inactive"
)

type Record struct {
	State      State
	LastSeenAt time.Time
}

// Emitter sends heartbeats and presence requests.
type Emitter interface {
	SendPresence(state string, ts int64) bool
	SendPresenceRequest() bool
}

type peer struct {
	rec    Record
	expiry loop.Timer
}

// Tracker runs on the session loop.
type Tracker struct {
	sched    loop.Scheduler
	emit     Emitter
	self     string
	interval time.Duration
	ttl      time.Duration

	peers     map[string]*peer
	heartbeat loop.Timer
	onChange  func(user string, rec Record)
}

func New(sched loop.Scheduler, emit Emitter, self string, interval, ttl time.Duration) *Tracker {
	return &Tracker{
		sched:    sched,
		emit:     emit,
		self:     self,
		interval: interval,
		ttl:      ttl,
		peers:    make(map[string]*peer),
	}
}

// OnChange is called after every state transition of a remote participant.
func (t *Tracker) OnChange(fn func(user string, rec Record)) {
	t.onChange = fn
}

// Start is called on every channel open: heartbeat now, ask the other side
// for theirs, then keep beating on the interval.
func (t *Tracker) Start() {
	t.stopHeartbeat()
	t.Beat()
	t.emit.SendPresenceRequest()
	t.arm()
}

// Stop halts heartbeats; remote expiry timers keep running.
func (t *Tracker) Stop() {
	t.stopHeartbeat()
}

func (t *Tracker) arm() {
	var tm loop.Timer
	tm = t.sched.AfterFunc(t.interval, func() {
		if t.heartbeat != tm {
			return
		}
		t.Beat()
		t.arm()
	})
	t.heartbeat = tm
}

func (t *Tracker) stopHeartbeat() {
	if t.heartbeat != nil {
		t.heartbeat.Stop()
		t.heartbeat = nil
	}
}

// Beat sends one heartbeat.
func (t *Tracker) Beat() bool {
	return t.emit.SendPresence(proto.StateActive, t.sched.Now().UnixMilli())
}

// HandleRequest answers a presence_request with an immediate heartbeat.
func (t *Tracker) HandleRequest(proto.Envelope) {
	t.Beat()
}

// HandlePresence is the dispatcher handler for "presence".
func (t *Tracker) HandlePresence(env proto.Envelope) {
	var p proto.Presence
	if err := json.Unmarshal(env.Body(), &p); err != nil {
		log.Warnf("bad presence payload: %v", err)
		return
	}
	t.Observe(p.User, p.State)
}

// Observe records a remote report. Active reports re-arm the expiry timer;
// inactive or offline reports take effect immediately.
func (t *Tracker) Observe(user, state string) {
	if user == "" || user == t.self {
		return
	}
	p, ok := t.peers[user]
	if !ok {
		p = &peer{rec: Record{State: Unknown}}
		t.peers[user] = p
	}
	if p.expiry != nil {
		p.expiry.Stop()
		p.expiry = nil
	}

	now := t.sched.Now()
	prev := p.rec.State
	switch state {
	case proto.StateActive, "":
		p.rec = Record{State: Active, LastSeenAt: now}
		var tm loop.Timer
		tm = t.sched.AfterFunc(t.ttl, func() {
			if p.expiry != tm {
				return
			}
			p.expiry = nil
			p.rec.State = Inactive
			log.Debugf("%s expired after %s", user, t.ttl)
			t.changed(user, p.rec)
		})
		p.expiry = tm
	default:
		p.rec.State = Inactive
	}

	if prev != p.rec.State {
		t.changed(user, p.rec)
	}
}

func (t *Tracker) changed(user string, rec Record) {
	log.Infof("%s is %s", user, rec.State)
	if t.onChange != nil {
		t.onChange(user, rec)
	}
}

// Get returns the record for user; Unknown if never heard from.
func (t *Tracker) Get(user string) Record {
	if p, ok := t.peers[user]; ok {
		return p.rec
	}
	return Record{State: Unknown}
}

// Reset forgets every remote participant (role switch).
func (t *Tracker) Reset() {
	t.stopHeartbeat()
	for _, p := range t.peers {
		if p.expiry != nil {
			p.expiry.Stop()
		}
	}
	t.peers = make(map[string]*peer)
}
