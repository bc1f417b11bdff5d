package peer

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/msgdrop/internal/call"
)

// Conn is one call handle. Outbound conns get their PeerConnection in Call,
// inbound ones in Accept.
type Conn struct {
	peer    *Peer
	id      string
	remote  string
	inbound bool
	offer   string

	mu      sync.Mutex
	pc      *webrtc.PeerConnection
	stream  *RemoteStream
	dropped bool
}

func (c *Conn) RemoteID() string { return c.remote }

// ID is the broker connection id.
func (c *Conn) ID() string { return c.id }

// Remote returns the remote stream once the first track arrived.
func (c *Conn) Remote() *RemoteStream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

func (c *Conn) setup(local call.Stream) error {
	cfg := webrtc.Configuration{}
	if len(c.peer.cfg.ICEServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: c.peer.cfg.ICEServers}}
	}
	pc, err := c.peer.api.NewPeerConnection(cfg)
	if err != nil {
		return fmt.Errorf("new peer connection: %w", err)
	}

	added := 0
	if src, ok := local.(trackSource); ok {
		for _, t := range src.Tracks() {
			if _, err := pc.AddTrack(t); err != nil {
				log.Warnf("AddTrack error: %v", err)
				continue
			}
			added++
		}
	}
	if added == 0 {
		addRecvOnlyTransceivers(pc)
	}

	pc.OnTrack(c.onTrack)
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Debugf("call %s ice %s", c.id, state)
		switch state {
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			c.mu.Lock()
			dropped := c.dropped
			c.mu.Unlock()
			if !dropped {
				c.peer.drop(c, true)
			}
		}
	})

	c.mu.Lock()
	c.pc = pc
	c.mu.Unlock()
	return nil
}

// describe creates the local description and waits for ICE gathering to
// finish, returning the complete SDP.
func (c *Conn) describe(kind webrtc.SDPType) (string, error) {
	var (
		desc webrtc.SessionDescription
		err  error
	)
	if kind == webrtc.SDPTypeOffer {
		desc, err = c.pc.CreateOffer(nil)
	} else {
		desc, err = c.pc.CreateAnswer(nil)
	}
	if err != nil {
		return "", fmt.Errorf("create %s: %w", kind, err)
	}

	gathered := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(desc); err != nil {
		return "", fmt.Errorf("set local %s: %w", kind, err)
	}
	select {
	case <-gathered:
	case <-time.After(iceGatherTimeout):
		return "", errors.New("ice gathering timed out")
	}
	ld := c.pc.LocalDescription()
	if ld == nil {
		return "", errors.New("no local description")
	}
	return ld.SDP, nil
}

func (c *Conn) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Infof("call %s: remote %s track %s", c.id, track.Kind(), track.Codec().MimeType)

	c.mu.Lock()
	first := c.stream == nil
	if first {
		c.stream = newRemoteStream()
	}
	stream := c.stream
	pc := c.pc
	c.mu.Unlock()
	stream.add(track)

	if track.Kind() == webrtc.RTPCodecTypeVideo && pc != nil {
		// Ask for a keyframe so the picture starts without waiting for the
		// sender's next interval.
		if err := pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}}); err != nil {
			log.Debugf("PLI: %v", err)
		}
	}

	if first {
		c.peer.emit(call.MediaEvent{Kind: call.EventRemoteStream, ID: c.remote, Conn: c, Stream: stream})
	}

	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				return
			}
			stream.observe(pkt)
		}
	}()
}

func (c *Conn) close() {
	c.mu.Lock()
	c.dropped = true
	pc := c.pc
	c.mu.Unlock()
	if pc != nil {
		if err := pc.Close(); err != nil {
			log.Debugf("close %s: %v", c.id, err)
		}
	}
}
