package media

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/btalk/btalk-go/internal/signal"
)

const (
	// captureTimeout bounds local media acquisition; a permission prompt can
	// otherwise block indefinitely.
	captureTimeout = 10 * time.Second

	// maxICERestarts bounds recovery attempts after an ICE failure before the
	// call is declared dead.
	maxICERestarts = 1
)

// Signaler is the only surface the media engine needs from the signaling
// layer: it transmits one signal payload for the current call session.
type Signaler interface {
	SendSignal(t signal.Type, payload any) error
}

// Engine owns the peer connection, local and remote media, and the
// offer/answer/ICE exchange for exactly one call session.
type Engine struct {
	sig        Signaler
	iceServers []string

	mu         sync.Mutex
	pc         *webrtc.PeerConnection
	selector   *mediadevices.CodecSelector
	stopMedia  func()
	audioTrack webrtc.TrackLocal
	videoTrack webrtc.TrackLocal
	audioOff   bool
	videoOff   bool

	// Candidates that arrived before the remote description; flushed once it
	// is set. Dropping them would break calls whose CANDIDATE signals outrun
	// the SDP exchange.
	pending   []webrtc.ICECandidateInit
	remoteSet bool

	initiator   bool
	iceRestarts int
	closed      bool

	quality *qualityMonitor

	failMu   sync.Mutex
	onFail   func(error)
	failOnce bool
}

// NewEngine creates an engine bound to a signaler. Start must be called
// before any negotiation.
func NewEngine(sig Signaler, iceServers []string) *Engine {
	return &Engine{
		sig:        sig,
		iceServers: iceServers,
		quality:    newQualityMonitor(),
	}
}

// OnFailure registers the callback invoked at most once when negotiation
// fails terminally. The session must be torn down by the callback's owner.
func (e *Engine) OnFailure(fn func(error)) {
	e.failMu.Lock()
	e.onFail = fn
	e.failMu.Unlock()
}

// Quality returns the connection quality stream.
func (e *Engine) Quality() (<-chan QualityLevel, func()) {
	return e.quality.subscribe()
}

// Start builds the peer connection. Generous ICE timeouts keep a brief
// network hiccup from immediately terminating the call.
func (e *Engine) Start() error {
	mediaEngine := &webrtc.MediaEngine{}
	selector, err := registerCodecs(mediaEngine)
	if err != nil {
		return err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return err
	}

	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	servers := make([]webrtc.ICEServer, 0, len(e.iceServers))
	for _, u := range e.iceServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{u}})
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return err
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := e.sig.SendSignal(signal.TypeCandidate, c.ToJSON()); err != nil {
			logrus.WithError(err).Warn("media: candidate send failed")
		}
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		logrus.WithFields(logrus.Fields{
			"kind": track.Kind().String(),
			"ssrc": track.SSRC(),
		}).Info("media: remote track")
		go drainRemoteTrack(track)
	})
	pc.OnICEConnectionStateChange(e.handleICEState)

	e.mu.Lock()
	e.pc = pc
	e.selector = selector
	e.mu.Unlock()
	return nil
}

// PrepareLocalMedia captures camera and microphone and attaches the tracks.
// Fallback ladder: video+audio first, then audio-only; only when both fail is
// a classified AccessError returned. Acquisition is bounded by captureTimeout.
func (e *Engine) PrepareLocalMedia(ctx context.Context) error {
	var lastErr error
	for _, attempt := range []struct {
		video bool
		label string
	}{
		{true, "video+audio"},
		{false, "audio-only"},
	} {
		tracks, stop, err := e.captureWithTimeout(ctx, attempt.video)
		if err != nil {
			lastErr = err
			logrus.WithError(err).WithField("attempt", attempt.label).Warn("media: capture failed")
			continue
		}

		e.mu.Lock()
		pc := e.pc
		e.mu.Unlock()
		if pc == nil {
			stop()
			return errors.New("media: engine not started")
		}
		e.mu.Lock()
		e.stopMedia = stop
		e.mu.Unlock()

		for _, track := range tracks {
			sender, err := pc.AddTrack(track)
			if err != nil {
				logrus.WithError(err).Warn("media: add track failed")
				continue
			}
			e.quality.watchSender(sender)
			e.rememberLocalTrack(track)
		}
		logrus.WithFields(logrus.Fields{
			"attempt": attempt.label,
			"tracks":  len(tracks),
		}).Info("media: local media captured")
		return nil
	}
	return classifyAccessError(lastErr)
}

func (e *Engine) captureWithTimeout(ctx context.Context, video bool) ([]webrtc.TrackLocal, func(), error) {
	type result struct {
		tracks []webrtc.TrackLocal
		stop   func()
		err    error
	}
	e.mu.Lock()
	selector := e.selector
	e.mu.Unlock()

	done := make(chan result, 1)
	go func() {
		tracks, stop, err := getUserMedia(selector, video)
		done <- result{tracks, stop, err}
	}()

	// A capture that completes after we gave up still holds the devices; it
	// must be drained and released or the next call finds them busy.
	reclaim := func() {
		go func() {
			if r := <-done; r.stop != nil {
				r.stop()
			}
		}()
	}

	select {
	case r := <-done:
		return r.tracks, r.stop, r.err
	case <-time.After(captureTimeout):
		reclaim()
		return nil, nil, errors.New("media: capture timed out waiting for device permission")
	case <-ctx.Done():
		reclaim()
		return nil, nil, ctx.Err()
	}
}

// SendOffer creates the SDP offer, installs it locally, and transmits it
// immediately. Caller side only, after the remote answer confirmation.
func (e *Engine) SendOffer() error {
	e.mu.Lock()
	pc := e.pc
	e.initiator = true
	e.mu.Unlock()
	if pc == nil {
		return errors.New("media: engine not started")
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return &NegotiationError{Stage: "offer", Err: err}
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return &NegotiationError{Stage: "offer", Err: err}
	}
	if err := e.sig.SendSignal(signal.TypeOffer, offer); err != nil {
		return &NegotiationError{Stage: "offer", Err: err}
	}
	logrus.Info("media: offer sent")
	return nil
}

// HandleOffer installs the remote offer, flushes buffered candidates, and
// answers. Receiver side.
func (e *Engine) HandleOffer(payload json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return &NegotiationError{Stage: "offer", Err: err}
	}

	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return errors.New("media: engine not started")
	}

	if err := pc.SetRemoteDescription(desc); err != nil {
		return &NegotiationError{Stage: "offer", Err: err}
	}
	e.flushPendingCandidates(pc)

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return &NegotiationError{Stage: "answer", Err: err}
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return &NegotiationError{Stage: "answer", Err: err}
	}
	if err := e.sig.SendSignal(signal.TypeAnswer, answer); err != nil {
		return &NegotiationError{Stage: "answer", Err: err}
	}
	logrus.Info("media: answer sent")
	return nil
}

// HandleAnswer installs the remote answer and flushes buffered candidates.
// Caller side.
func (e *Engine) HandleAnswer(payload json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(payload, &desc); err != nil {
		return &NegotiationError{Stage: "answer", Err: err}
	}

	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return errors.New("media: engine not started")
	}

	if err := pc.SetRemoteDescription(desc); err != nil {
		return &NegotiationError{Stage: "answer", Err: err}
	}
	e.flushPendingCandidates(pc)
	return nil
}

// AddRemoteCandidate applies a trickle ICE candidate. Candidates legitimately
// arrive before the SDP they follow; those are buffered and flushed once the
// remote description is set.
func (e *Engine) AddRemoteCandidate(payload json.RawMessage) error {
	var cand webrtc.ICECandidateInit
	if err := json.Unmarshal(payload, &cand); err != nil {
		return err
	}

	e.mu.Lock()
	pc := e.pc
	if pc == nil || !e.remoteSet {
		e.pending = append(e.pending, cand)
		n := len(e.pending)
		e.mu.Unlock()
		logrus.WithField("buffered", n).Debug("media: candidate buffered before remote description")
		return nil
	}
	e.mu.Unlock()

	if err := pc.AddICECandidate(cand); err != nil {
		logrus.WithError(err).Warn("media: add candidate failed")
		return err
	}
	return nil
}

// PendingCandidates reports how many candidates are waiting for the remote
// description.
func (e *Engine) PendingCandidates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Engine) flushPendingCandidates(pc *webrtc.PeerConnection) {
	e.mu.Lock()
	e.remoteSet = true
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, cand := range pending {
		if err := pc.AddICECandidate(cand); err != nil {
			logrus.WithError(err).Warn("media: flush candidate failed")
		}
	}
	if len(pending) > 0 {
		logrus.WithField("count", len(pending)).Debug("media: buffered candidates flushed")
	}
}

// ToggleAudio flips the outgoing audio mute state. Returns true when muted.
func (e *Engine) ToggleAudio() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.audioOff = !e.audioOff
	e.setSending(webrtc.RTPCodecTypeAudio, e.audioTrack, !e.audioOff)
	return e.audioOff
}

// ToggleVideo flips the outgoing video state. Returns true when disabled.
func (e *Engine) ToggleVideo() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.videoOff = !e.videoOff
	e.setSending(webrtc.RTPCodecTypeVideo, e.videoTrack, !e.videoOff)
	return e.videoOff
}

// setSending swaps the sender's track out (mute) or back in. Caller holds mu.
func (e *Engine) setSending(kind webrtc.RTPCodecType, track webrtc.TrackLocal, on bool) {
	if e.pc == nil {
		return
	}
	for _, sender := range e.pc.GetSenders() {
		st := sender.Track()
		if st == nil && track == nil {
			continue
		}
		if (st != nil && st.Kind() == kind) || (st == nil && track != nil && track.Kind() == kind) {
			var next webrtc.TrackLocal
			if on {
				next = track
			}
			if err := sender.ReplaceTrack(next); err != nil {
				logrus.WithError(err).Warn("media: replace track failed")
			}
		}
	}
}

func (e *Engine) rememberLocalTrack(track webrtc.TrackLocal) {
	e.mu.Lock()
	switch track.Kind() {
	case webrtc.RTPCodecTypeAudio:
		e.audioTrack = track
	case webrtc.RTPCodecTypeVideo:
		e.videoTrack = track
	}
	e.mu.Unlock()
}

func (e *Engine) handleICEState(state webrtc.ICEConnectionState) {
	logrus.WithField("state", state.String()).Debug("media: ice state")
	switch state {
	case webrtc.ICEConnectionStateFailed:
		e.mu.Lock()
		canRestart := e.initiator && e.iceRestarts < maxICERestarts && !e.closed
		if canRestart {
			e.iceRestarts++
		}
		pc := e.pc
		e.mu.Unlock()

		if !canRestart {
			e.fail(&NegotiationError{Stage: "ice", Err: errors.New("ice connection failed")})
			return
		}
		logrus.Info("media: attempting ice restart")
		offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
		if err == nil {
			err = pc.SetLocalDescription(offer)
		}
		if err == nil {
			err = e.sig.SendSignal(signal.TypeOffer, offer)
		}
		if err != nil {
			e.fail(&NegotiationError{Stage: "ice", Err: err})
		}
	case webrtc.ICEConnectionStateDisconnected:
		// The generous ICE timeouts give this state time to recover on its
		// own; an actual failure will follow as Failed.
		logrus.Warn("media: ice disconnected, waiting for recovery")
	}
}

func (e *Engine) fail(err error) {
	e.failMu.Lock()
	fired := e.failOnce
	e.failOnce = true
	fn := e.onFail
	e.failMu.Unlock()
	if fired || fn == nil {
		logrus.WithError(err).Error("media: negotiation failure")
		return
	}
	fn(err)
}

// Teardown stops local media, closes the peer connection, and releases device
// handles. Idempotent: hangup, remote-ended, and disposal may all race here.
func (e *Engine) Teardown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	pc := e.pc
	stop := e.stopMedia
	e.pc = nil
	e.stopMedia = nil
	e.pending = nil
	e.mu.Unlock()

	e.quality.stop()
	if stop != nil {
		stop()
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			logrus.WithError(err).Debug("media: close peer connection")
		}
	}
	logrus.Info("media: torn down")
}
