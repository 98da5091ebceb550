// Package media owns one WebRTC peer connection per call session: local
// capture, offer/answer negotiation, trickle ICE, and connection quality.
package media

import (
	"fmt"
	"strings"
)

// AccessReason classifies why local media acquisition failed.
type AccessReason string

const (
	ReasonPermissionDenied AccessReason = "permission-denied"
	ReasonDeviceNotFound   AccessReason = "device-not-found"
	ReasonDeviceBusy       AccessReason = "device-busy"
	ReasonConstraints      AccessReason = "constraints-unsatisfiable"
	ReasonUnknown          AccessReason = "unknown"
)

// AccessError is a terminal failure to acquire camera/microphone after the
// fallback ladder (video+audio, then audio-only) has been exhausted. It is
// always surfaced to the user with an actionable reason.
type AccessError struct {
	Reason AccessReason
	Err    error
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("media access failed (%s): %v", e.Reason, e.Err)
}

func (e *AccessError) Unwrap() error { return e.Err }

// classifyAccessError maps a capture failure onto an AccessReason. Device
// layers do not expose typed errors, so this matches on well-known substrings.
func classifyAccessError(err error) *AccessError {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	reason := ReasonUnknown
	switch {
	case strings.Contains(msg, "permission") || strings.Contains(msg, "denied") || strings.Contains(msg, "not authorized"):
		reason = ReasonPermissionDenied
	case strings.Contains(msg, "not found") || strings.Contains(msg, "no such") || strings.Contains(msg, "no device") || strings.Contains(msg, "failed to find"):
		reason = ReasonDeviceNotFound
	case strings.Contains(msg, "busy") || strings.Contains(msg, "in use") || strings.Contains(msg, "resource unavailable"):
		reason = ReasonDeviceBusy
	case strings.Contains(msg, "constraint") || strings.Contains(msg, "overconstrained") || strings.Contains(msg, "unsupported"):
		reason = ReasonConstraints
	}
	return &AccessError{Reason: reason, Err: err}
}

// NegotiationError is a terminal SDP/ICE failure after the bounded restart
// attempt was spent. The session is torn down when it surfaces.
type NegotiationError struct {
	Stage string // "offer", "answer", "ice"
	Err   error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed during %s: %v", e.Stage, e.Err)
}

func (e *NegotiationError) Unwrap() error { return e.Err }
