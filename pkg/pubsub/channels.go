package pubsub

import (
	"fmt"
	"strings"
)

// Channel naming conventions for co-host signaling.
//
//	cohost:room:{roomID}:user:{identity}  point-to-point delivery to one participant
//	cohost:room:{roomID}:role:{role}      delivery to whoever holds a role (broadcaster)
const (
	ChannelPrefix = "cohost"

	ChannelUser = ChannelPrefix + ":room:%s:user:%s"
	ChannelRole = ChannelPrefix + ":room:%s:role:%s"
)

// RoleBroadcaster is the role topic suffix the broadcaster listens on.
const RoleBroadcaster = "broadcaster"

// UserChannel returns the per-identity channel for a room participant.
func UserChannel(roomID, identity string) string {
	return fmt.Sprintf(ChannelUser, roomID, identity)
}

// RoleChannel returns the per-role channel for a room.
func RoleChannel(roomID, role string) string {
	return fmt.Sprintf(ChannelRole, roomID, role)
}

// ChannelInfo is the parsed form of a channel name.
type ChannelInfo struct {
	RoomID string
	Kind   string // "user" or "role"
	Name   string // identity or role
}

// ParseChannel splits a channel name into its parts.
func ParseChannel(channel string) (ChannelInfo, error) {
	parts := strings.SplitN(channel, ":", 5)
	if len(parts) != 5 || parts[0] != ChannelPrefix || parts[1] != "room" {
		return ChannelInfo{}, fmt.Errorf("invalid channel format: %s", channel)
	}
	if parts[3] != "user" && parts[3] != "role" {
		return ChannelInfo{}, fmt.Errorf("invalid channel kind %q: %s", parts[3], channel)
	}
	if parts[2] == "" || parts[4] == "" {
		return ChannelInfo{}, fmt.Errorf("invalid channel format: %s", channel)
	}
	return ChannelInfo{RoomID: parts[2], Kind: parts[3], Name: parts[4]}, nil
}

// matchPattern reports whether channel matches a redis-style glob where '*'
// spans any run of characters.
func matchPattern(pattern, channel string) bool {
	if !strings.Contains(pattern, "*") {
		return pattern == channel
	}
	segs := strings.Split(pattern, "*")
	if !strings.HasPrefix(channel, segs[0]) {
		return false
	}
	rest := channel[len(segs[0]):]
	for i := 1; i < len(segs); i++ {
		seg := segs[i]
		if i == len(segs)-1 {
			return strings.HasSuffix(rest, seg)
		}
		idx := strings.Index(rest, seg)
		if idx < 0 {
			return false
		}
		rest = rest[idx+len(seg):]
	}
	return true
}
