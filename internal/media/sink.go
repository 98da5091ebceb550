package media

import (
	"errors"
	"io"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

// drainRemoteTrack keeps RTP flowing on a remote track. Without a consumer
// the interceptor chain stalls and NACK/RR feedback stops. Headless clients
// have no renderer, so packets are counted and discarded.
func drainRemoteTrack(track *webrtc.TrackRemote) {
	var received uint64
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logrus.WithError(err).Debug("media: remote track reader stopped")
			}
			logrus.WithFields(logrus.Fields{
				"kind":    track.Kind().String(),
				"packets": received,
			}).Debug("media: remote track ended")
			return
		}
		received++
		if received%500 == 0 {
			logPacket(track, pkt, received)
		}
	}
}

func logPacket(track *webrtc.TrackRemote, pkt *rtp.Packet, received uint64) {
	logrus.WithFields(logrus.Fields{
		"kind":     track.Kind().String(),
		"seq":      pkt.SequenceNumber,
		"received": received,
	}).Trace("media: remote rtp")
}
