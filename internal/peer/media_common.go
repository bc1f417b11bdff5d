package peer

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

// localStream is the local capture handed to the call machine. Stop closes
// every track; the camera light goes off.
type localStream struct {
	id     string
	tracks []webrtc.TrackLocal
	stop   func()
	once   sync.Once
}

func newLocalStream(tracks []webrtc.TrackLocal, stop func()) *localStream {
	return &localStream{id: uuid.NewString(), tracks: tracks, stop: stop}
}

func (s *localStream) ID() string { return s.id }

func (s *localStream) Stop() {
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
	})
}

// Tracks returns the tracks to add to a PeerConnection.
func (s *localStream) Tracks() []webrtc.TrackLocal { return s.tracks }

// trackSource is implemented by streams that carry local tracks.
type trackSource interface {
	Tracks() []webrtc.TrackLocal
}

// RemoteStream collects the remote tracks of one call and counts what
// arrives on them.
type RemoteStream struct {
	id string

	mu       sync.Mutex
	tracks   []*webrtc.TrackRemote
	packets  uint64
	bytes    uint64
	lastSeq  uint16
	lastSeen time.Time
}

func newRemoteStream() *RemoteStream {
	return &RemoteStream{id: uuid.NewString()}
}

func (s *RemoteStream) ID() string { return s.id }

// Stop is a no-op; remote tracks end with their PeerConnection.
func (s *RemoteStream) Stop() {}

func (s *RemoteStream) add(t *webrtc.TrackRemote) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *RemoteStream) observe(pkt *rtp.Packet) {
	s.mu.Lock()
	s.packets++
	s.bytes += uint64(len(pkt.Payload))
	s.lastSeq = pkt.SequenceNumber
	s.lastSeen = time.Now()
	s.mu.Unlock()
}

// StreamStats is a point-in-time view of a RemoteStream.
type StreamStats struct {
	Tracks   int
	Packets  uint64
	Bytes    uint64
	LastSeq  uint16
	LastSeen time.Time
}

func (s *RemoteStream) Stats() StreamStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamStats{
		Tracks:   len(s.tracks),
		Packets:  s.packets,
		Bytes:    s.bytes,
		LastSeq:  s.lastSeq,
		LastSeen: s.lastSeen,
	}
}

// addRecvOnlyTransceivers adds recvonly transceivers for video and audio so
// CreateOffer/CreateAnswer always produces valid m-lines with ICE credentials.
func addRecvOnlyTransceivers(pc *webrtc.PeerConnection) {
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			log.Warnf("AddTransceiver(%s) error: %v", kind, err)
		}
	}
}

// settingEngine carries generous ICE timeouts so a brief NAT hiccup does not
// end the call. The default disconnected timeout is 5 s.
func settingEngine() webrtc.SettingEngine {
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)
	return se
}
