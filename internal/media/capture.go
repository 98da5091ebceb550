package media

import (
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

// registerCodecs populates the media engine with the VP8/Opus encoders and
// returns the codec selector used for capture. Device drivers are registered
// per-platform in capture_drivers_*.go.
func registerCodecs(mediaEngine *webrtc.MediaEngine) (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000 // 1.5 Mbps

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	selector.Populate(mediaEngine)
	return selector, nil
}

// getUserMedia opens camera and/or microphone. GetUserMedia fails as a unit
// when either requested track cannot be opened, which is what drives the
// caller's fallback ladder. A variable so tests can substitute the device
// layer.
var getUserMedia = func(selector *mediadevices.CodecSelector, video bool) ([]webrtc.TrackLocal, func(), error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: selector}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if video {
		constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only — MJPEG camera nodes can produce malformed
			// frames that poison the VP8 encoder.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, nil, err
	}

	tracks := stream.GetTracks()
	out := make([]webrtc.TrackLocal, 0, len(tracks))
	for _, t := range tracks {
		out = append(out, t)
	}
	stop := func() {
		for _, t := range tracks {
			t.Close()
		}
	}
	return out, stop, nil
}
