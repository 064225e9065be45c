package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseMicStatus(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want MicStatus
		ok   bool
	}{
		{"object", `{"status":"ACCEPTED"}`, MicAccepted, true},
		{"object lower case", `{"status":"rejected"}`, MicRejected, true},
		{"json string", `"REJECTED"`, MicRejected, true},
		{"bare word", `ACCEPTED`, MicAccepted, true},
		{"free text", `broadcaster says: request ACCEPTED!`, MicAccepted, true},
		{"free text json string", `"the mic was rejected"`, MicRejected, true},
		{"object with unknown status", `{"status":"maybe"}`, MicNone, false},
		{"empty", ``, MicNone, false},
		{"noise", `hello`, MicNone, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseMicStatus([]byte(tt.raw))
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMicStatus_String(t *testing.T) {
	assert.Equal(t, "NONE", MicNone.String())
	assert.Equal(t, "PENDING", MicPending.String())
	assert.True(t, MicAccepted.Decided())
	assert.False(t, MicEnded.Decided())
}
