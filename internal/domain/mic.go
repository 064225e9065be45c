package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// MicStatus is the state of a mic request.
type MicStatus string

// Mic request states. MicNone is the absence of a request.
const (
	MicNone     MicStatus = ""
	MicPending  MicStatus = "PENDING"
	MicAccepted MicStatus = "ACCEPTED"
	MicRejected MicStatus = "REJECTED"
	MicEnded    MicStatus = "ENDED"
)

func (s MicStatus) String() string {
	if s == MicNone {
		return "NONE"
	}
	return string(s)
}

// Decided reports whether s is a broadcaster decision.
func (s MicStatus) Decided() bool {
	return s == MicAccepted || s == MicRejected
}

// keyword search order: a free-text body mentioning more than one status
// resolves to the first match.
var micKeywords = []MicStatus{MicRejected, MicAccepted, MicEnded, MicPending}

// ParseMicStatus normalizes every wire shape a mic-response has been seen in:
// an object {"status":"ACCEPTED"}, a JSON string "ACCEPTED", or free text that
// merely contains the keyword. It returns false when no status is found.
func ParseMicStatus(raw []byte) (MicStatus, bool) {
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return MicNone, false
	}

	var obj struct {
		Status string `json:"status"`
	}
	if strings.HasPrefix(text, "{") && json.Unmarshal([]byte(text), &obj) == nil && obj.Status != "" {
		text = obj.Status
	} else {
		var s string
		if strings.HasPrefix(text, `"`) && json.Unmarshal([]byte(text), &s) == nil {
			text = s
		}
	}

	return parseMicText(text)
}

// ParseMicStatusString is ParseMicStatus for values that are already plain text.
func ParseMicStatusString(s string) (MicStatus, bool) {
	return parseMicText(s)
}

func parseMicText(text string) (MicStatus, bool) {
	upper := strings.ToUpper(strings.TrimSpace(text))
	for _, s := range micKeywords {
		if upper == string(s) {
			return s, true
		}
	}
	for _, s := range micKeywords {
		if strings.Contains(upper, string(s)) {
			return s, true
		}
	}
	return MicNone, false
}

// MicRequest is one viewer's request to co-broadcast. CreatedAt is unix
// milliseconds and doubles as the request's correlation id.
type MicRequest struct {
	Requester string
	Status    MicStatus
	CreatedAt int64
}

// NowMillis returns the current time in unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// StatusChange is published by the mic coordinator on every transition.
type StatusChange struct {
	Requester string
	From      MicStatus
	To        MicStatus
	CreatedAt int64
}
