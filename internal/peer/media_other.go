//go:build !linux || !cgo

package peer

import (
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/petervdpas/msgdrop/internal/call"
)

// newAPI builds a PeerConnection API with the default codecs. Capture via
// pion/mediadevices needs the Linux drivers, so this side only receives.
func newAPI() (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
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

type DeviceSource struct{}

func NewDeviceSource() *DeviceSource { return &DeviceSource{} }

func (DeviceSource) Acquire(_ call.Constraints, done func(call.Stream, error)) {
	go done(nil, call.ErrNoDevice)
}
