package codec

import (
	"encoding/json"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/wes-io-live/cohost/internal/domain"
	"github.com/weiawesome/wes-io-live/cohost/pkg/pubsub"
)

func TestEncodeDecode_Offer(t *testing.T) {
	env := domain.NewOffer("bob", webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	env.From, env.RoomID = "alice", "r1"

	ev, err := Encode(env)
	require.NoError(t, err)
	assert.Equal(t, "offer", ev.Type)
	assert.JSONEq(t, `{"type":"offer","sdp":"v=0"}`, string(ev.Payload))

	got, err := Decode(ev)
	require.NoError(t, err)
	assert.Equal(t, domain.SignalOffer, got.Type)
	assert.Equal(t, "alice", got.From)
	assert.Equal(t, "bob", got.To)
	assert.Equal(t, webrtc.SDPTypeOffer, got.SDP.Type)
	assert.Equal(t, "v=0", got.SDP.SDP)
}

func TestEncode_CandidateShape(t *testing.T) {
	mid := "0"
	ev, err := Encode(domain.NewCandidate("bob", webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 1.2.3.4 5 typ host", SDPMid: &mid}))
	require.NoError(t, err)

	var body map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(ev.Payload, &body))
	assert.JSONEq(t, `"ice-candidate"`, string(body["type"]))
	assert.Contains(t, string(body["candidate"]), "1.2.3.4")

	got, err := Decode(ev)
	require.NoError(t, err)
	assert.Equal(t, "0", *got.Candidate.SDPMid)
}

func TestEncode_MicEndIsBareString(t *testing.T) {
	ev, err := Encode(domain.NewMicEnd("host", "viewer"))
	require.NoError(t, err)
	assert.Equal(t, `"viewer"`, string(ev.Payload))

	got, err := Decode(ev)
	require.NoError(t, err)
	assert.Equal(t, "viewer", got.Ended)
}

func TestDecode_MicResponseFormats(t *testing.T) {
	for _, payload := range []string{
		`{"status":"ACCEPTED"}`,
		`"ACCEPTED"`,
		`"request accepted by host"`,
	} {
		got, err := Decode(&pubsub.Event{Type: "mic-response", Payload: json.RawMessage(payload)})
		require.NoError(t, err, payload)
		assert.Equal(t, domain.MicAccepted, got.Status, payload)
	}
}

func TestDecode_MicRequest(t *testing.T) {
	ev, err := Encode(domain.NewMicRequest("viewer", 1700000000000))
	require.NoError(t, err)
	assert.JSONEq(t, `{"requesterIdentity":"viewer","timestamp":1700000000000}`, string(ev.Payload))

	got, err := Decode(ev)
	require.NoError(t, err)
	assert.Equal(t, "viewer", got.Request.RequesterIdentity)
	assert.Equal(t, int64(1700000000000), got.Request.Timestamp)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode(&pubsub.Event{Type: "renegotiate"})
	assert.ErrorIs(t, err, domain.ErrUnknownSignal)

	_, err = Decode(&pubsub.Event{Type: "answer", Payload: json.RawMessage(`{"type":"answer"}`)})
	assert.ErrorIs(t, err, domain.ErrMalformedEnvelope)

	_, err = Decode(&pubsub.Event{Type: "ice-candidate", Payload: json.RawMessage(`not json`)})
	assert.ErrorIs(t, err, domain.ErrMalformedEnvelope)

	_, err = Decode(&pubsub.Event{Type: "mic-response", Payload: json.RawMessage(`"maybe later"`)})
	assert.ErrorIs(t, err, domain.ErrMalformedEnvelope)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, domain.ErrMalformedEnvelope)
}

func TestEncode_RejectsUnknownAndIncomplete(t *testing.T) {
	_, err := Encode(domain.Envelope{Type: "bogus"})
	assert.ErrorIs(t, err, domain.ErrUnknownSignal)

	_, err = Encode(domain.Envelope{Type: domain.SignalOffer})
	assert.ErrorIs(t, err, domain.ErrMalformedEnvelope)

	_, err = Encode(domain.NewMicResponse("v", domain.MicPending))
	assert.ErrorIs(t, err, domain.ErrMalformedEnvelope)
}
