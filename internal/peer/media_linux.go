//go:build linux && cgo

package peer

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/msgdrop/internal/call"
)

var (
	selectorOnce sync.Once
	selector     *mediadevices.CodecSelector
	selectorErr  error
)

// codecSelector is shared by capture and the MediaEngine so both agree on
// VP8 + Opus.
func codecSelector() (*mediadevices.CodecSelector, error) {
	selectorOnce.Do(func() {
		vpxParams, err := vpx.NewVP8Params()
		if err != nil {
			selectorErr = err
			return
		}
		vpxParams.BitRate = 1_500_000 // 1.5 Mbps

		opusParams, err := opus.NewParams()
		if err != nil {
			selectorErr = err
			return
		}
		selector = mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		)
	})
	return selector, selectorErr
}

func newAPI() (*webrtc.API, error) {
	cs, err := codecSelector()
	if err != nil {
		return nil, err
	}
	mediaEngine := &webrtc.MediaEngine{}
	cs.Populate(mediaEngine)

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine()),
	), nil
}

// DeviceSource captures camera and microphone via pion/mediadevices
// (V4L2 + malgo on Linux).
type DeviceSource struct{}

func NewDeviceSource() *DeviceSource { return &DeviceSource{} }

// Acquire runs capture off the loop; done gets the stream or a call.Err*.
func (DeviceSource) Acquire(c call.Constraints, done func(call.Stream, error)) {
	go func() {
		s, err := capture(c)
		if err != nil {
			done(nil, err)
			return
		}
		done(s, nil)
	}()
}

func capture(c call.Constraints) (*localStream, error) {
	cs, err := codecSelector()
	if err != nil {
		return nil, fmt.Errorf("codec selector: %w", err)
	}

	devices := mediadevices.EnumerateDevices()
	if len(devices) == 0 {
		return nil, call.ErrNoDevice
	}
	for _, d := range devices {
		log.Debugf("media device: kind=%v label=%q", d.Kind, d.Label)
	}

	constraints := mediadevices.MediaStreamConstraints{Codec: cs}
	if c.Video {
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras produce frames
			// the VP8 encoder chokes on.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			mc.Width = prop.IntRanged{Max: 640}
			mc.Height = prop.IntRanged{Max: 480}
		}
	}
	if c.Audio {
		constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classify(err)
	}

	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return nil, call.ErrNoDevice
	}
	local := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warnf("local track ended: %v", err)
			}
		})
		local = append(local, t)
	}
	log.Infof("local media captured: %d track(s)", len(tracks))
	return newLocalStream(local, func() {
		for _, t := range tracks {
			t.Close()
		}
	}), nil
}

func classify(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "permission"), strings.Contains(msg, "denied"):
		return fmt.Errorf("%w: %v", call.ErrPermissionDenied, err)
	case strings.Contains(msg, "failed to find"), strings.Contains(msg, "not found"), strings.Contains(msg, "no such"):
		return fmt.Errorf("%w: %v", call.ErrNoDevice, err)
	}
	return errors.Join(errors.New("capture failed"), err)
}
