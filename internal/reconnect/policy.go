// Package reconnect decides when a closed session channel is re-opened.
package reconnect

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	logging "github.com/ipfs/go-log/v2"

	"github.com/petervdpas/msgdrop/internal/loop"
	"github.com/petervdpas/msgdrop/internal/proto"
)

var log = logging.Logger("reconnect")

// Policy retries unexpected closes with capped exponential backoff. The
// attempt counter only resets when the channel reports open. Must be used
// from the session loop.
type Policy struct {
	sched     loop.Scheduler
	bo        *backoff.ExponentialBackOff
	reconnect func()

	attempts   int
	timer      loop.Timer
	suppressed bool
}

// New returns a policy that calls reconnect after each backoff delay.
func New(sched loop.Scheduler, base, max time.Duration, reconnect func()) *Policy {
	return &Policy{
		sched:     sched,
		bo:        newBackOff(base, max),
		reconnect: reconnect,
	}
}

// newBackOff yields min(base * 2^n, max) for the nth retry.
func newBackOff(base, max time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = max
	bo.Reset()
	return bo
}

// Opened resets the counter and drops any pending retry.
func (p *Policy) Opened() {
	if p.attempts > 0 {
		log.Infof("channel open after %d attempt(s)", p.attempts)
	}
	p.attempts = 0
	p.bo.Reset()
	p.cancel()
}

// Closed handles a channel close and reports whether a retry was scheduled.
// Auth rejections and closes after Disconnect never retry.
func (p *Policy) Closed(code int) bool {
	if p.suppressed {
		return false
	}
	if proto.IsAuthClose(code) {
		log.Warnf("close %d is an auth rejection, not reconnecting", code)
		return false
	}
	return p.Schedule()
}

// Schedule arms the retry timer. No-op while one is pending or suppressed.
func (p *Policy) Schedule() bool {
	if p.suppressed || p.timer != nil {
		return false
	}
	d := p.bo.NextBackOff()
	p.attempts++
	log.Infof("reconnect #%d in %s", p.attempts, d)

	var t loop.Timer
	t = p.sched.AfterFunc(d, func() {
		if p.timer != t {
			return
		}
		p.timer = nil
		if p.suppressed {
			return
		}
		p.reconnect()
	})
	p.timer = t
	return true
}

// Disconnect suppresses reconnection until Resume.
func (p *Policy) Disconnect() {
	p.suppressed = true
	p.cancel()
}

// Resume re-enables reconnection; called on every explicit connect.
func (p *Policy) Resume() {
	p.suppressed = false
}

func (p *Policy) cancel() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Policy) Attempts() int    { return p.attempts }
func (p *Policy) Pending() bool    { return p.timer != nil }
func (p *Policy) Suppressed() bool { return p.suppressed }
