package media

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/btalk/btalk-go/internal/signal"
)

type nopSignaler struct{}

func (nopSignaler) SendSignal(signal.Type, any) error { return nil }

func stubUserMedia(t *testing.T, fn func(*mediadevices.CodecSelector, bool) ([]webrtc.TrackLocal, func(), error)) {
	t.Helper()
	orig := getUserMedia
	getUserMedia = fn
	t.Cleanup(func() { getUserMedia = orig })
}

func TestClassifyLossThresholds(t *testing.T) {
	tests := []struct {
		loss float64
		want QualityLevel
	}{
		{0, QualityGood},
		{4.9, QualityGood},
		{5, QualityAverage},
		{12, QualityAverage},
		{20, QualityAverage},
		{20.1, QualityPoor},
		{80, QualityPoor},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, classifyLoss(tc.loss), "loss=%v", tc.loss)
	}
}

func TestClassifyAccessError(t *testing.T) {
	tests := []struct {
		err  error
		want AccessReason
	}{
		{errors.New("permission denied by user"), ReasonPermissionDenied},
		{errors.New("failed to find camera device"), ReasonDeviceNotFound},
		{errors.New("device or resource busy"), ReasonDeviceBusy},
		{errors.New("no suitable track: constraint not satisfied"), ReasonConstraints},
		{errors.New("something exploded"), ReasonUnknown},
	}
	for _, tc := range tests {
		got := classifyAccessError(tc.err)
		require.NotNil(t, got)
		assert.Equal(t, tc.want, got.Reason, "err=%v", tc.err)
		assert.ErrorIs(t, got, tc.err)
	}
	assert.Nil(t, classifyAccessError(nil))
}

func TestCandidatesBufferWhenRemoteNotSet(t *testing.T) {
	e := NewEngine(nopSignaler{}, nil)

	cand, err := json.Marshal(map[string]any{
		"candidate":     "candidate:1 1 udp 2130706431 192.0.2.1 54321 typ host",
		"sdpMid":        "0",
		"sdpMLineIndex": 0,
	})
	require.NoError(t, err)

	// Candidates arriving before the remote description must not be dropped.
	require.NoError(t, e.AddRemoteCandidate(cand))
	require.NoError(t, e.AddRemoteCandidate(cand))
	assert.Equal(t, 2, e.PendingCandidates())
}

func TestAddRemoteCandidateRejectsGarbage(t *testing.T) {
	e := NewEngine(nopSignaler{}, nil)
	assert.Error(t, e.AddRemoteCandidate(json.RawMessage(`not json`)))
	assert.Equal(t, 0, e.PendingCandidates())
}

func TestTeardownIdempotent(t *testing.T) {
	e := NewEngine(nopSignaler{}, nil)
	e.Teardown()
	e.Teardown()
}

func TestLateCaptureReleasesDevices(t *testing.T) {
	release := make(chan struct{})
	stopped := make(chan struct{})
	stubUserMedia(t, func(*mediadevices.CodecSelector, bool) ([]webrtc.TrackLocal, func(), error) {
		<-release
		return nil, func() { close(stopped) }, nil
	})

	e := NewEngine(nopSignaler{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := e.captureWithTimeout(ctx, true)
	require.Error(t, err)

	// The capture finishes after the caller gave up; its tracks must still
	// be closed or the next call finds the devices busy.
	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("late capture was never released")
	}
}

func TestCaptureOnUnstartedEngineStopsOnce(t *testing.T) {
	stops := 0
	stubUserMedia(t, func(*mediadevices.CodecSelector, bool) ([]webrtc.TrackLocal, func(), error) {
		return nil, func() { stops++ }, nil
	})

	e := NewEngine(nopSignaler{}, nil)
	require.Error(t, e.PrepareLocalMedia(context.Background()))
	assert.Equal(t, 1, stops)

	// No dangling stop handle may remain for Teardown to run a second time.
	e.Teardown()
	assert.Equal(t, 1, stops)
}

func TestFailureCallbackFiresOnce(t *testing.T) {
	e := NewEngine(nopSignaler{}, nil)
	fired := 0
	e.OnFailure(func(error) { fired++ })

	boom := errors.New("ice gave up")
	e.fail(boom)
	e.fail(boom)
	assert.Equal(t, 1, fired)
}

func TestNegotiationErrorWrapping(t *testing.T) {
	inner := errors.New("sdp parse")
	err := &NegotiationError{Stage: "offer", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Contains(t, err.Error(), "offer")
}
