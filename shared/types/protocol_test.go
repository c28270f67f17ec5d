package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeEnvelopeRoundTrip(t *testing.T) {
	env, err := Encode(MsgBackupProgress, "req-1", JobProgress{
		JobID:      "job-1",
		FilesDone:  3,
		FilesTotal: 10,
		BytesDone:  1024,
		BytesTotal: 4096,
	})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)

	assert.Equal(t, MsgBackupProgress, decoded.Type)
	assert.Equal(t, "req-1", decoded.RequestID)

	var p JobProgress
	require.NoError(t, json.Unmarshal(decoded.Payload, &p))
	assert.Equal(t, 3, p.FilesDone)
	assert.Equal(t, int64(4096), p.BytesTotal)
}

func TestDecodeEnvelopeExternallyTaggedFallback(t *testing.T) {
	raw := []byte(`{"backup:failed":{"job_id":"job-2","error":"disk full"}}`)

	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, MsgBackupFailed, decoded.Type)

	var f JobFailed
	require.NoError(t, json.Unmarshal(decoded.Payload, &f))
	assert.Equal(t, "job-2", f.JobID)
	assert.Equal(t, "disk full", f.Error)
}

func TestDecodeEnvelopeEmptyIsError(t *testing.T) {
	_, err := DecodeEnvelope([]byte(`{}`))
	assert.Error(t, err)
}

func TestDecodeEnvelopeCanonicalTakesPrecedence(t *testing.T) {
	raw := []byte(`{"type":"agent:register:ok","payload":{"agent_id":"a-1"}}`)

	decoded, err := DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, MsgAgentRegisterOK, decoded.Type)

	var ack RegisterAck
	require.NoError(t, json.Unmarshal(decoded.Payload, &ack))
	assert.Equal(t, "a-1", ack.AgentID)
}
