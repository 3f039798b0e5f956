package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusCompleted, StatusPending, false},
		{StatusFailed, StatusRunning, false},
		{StatusCompleted, StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
			if tt.want {
				assert.Greater(t, tt.to.Rank(), tt.from.Rank())
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("running")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, s)

	_, err = ParseStatus("archived")
	require.Error(t, err)
}

func TestDecodeRequest(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		payload := []byte(`{"job_id":"J1","user_id":"U1","input_file_name":"sample.vcf","s3_inputs_bucket":"in","s3_key_input_file":"P1/U1/J1~sample.vcf","submit_time":1000}`)
		req, err := DecodeRequest(payload)
		require.NoError(t, err)
		assert.Equal(t, "J1", req.JobID)
		assert.Equal(t, int64(1000), req.SubmitTime)
	})

	t.Run("missing fields", func(t *testing.T) {
		_, err := DecodeRequest([]byte(`{"job_id":"J1"}`))
		require.ErrorIs(t, err, ErrInvalidEnvelope)
		assert.Contains(t, err.Error(), "user_id")
	})

	t.Run("not json", func(t *testing.T) {
		_, err := DecodeRequest([]byte(`not-json`))
		require.ErrorIs(t, err, ErrInvalidEnvelope)
	})
}

func TestDecodeCompletion(t *testing.T) {
	c, err := DecodeCompletion([]byte(`{"job_id":"J1","user_id":"U1","input_file_name":"sample.vcf","s3_inputs_bucket":"in","complete_time":2000}`))
	require.NoError(t, err)
	assert.Equal(t, int64(2000), c.CompleteTime)

	_, err = DecodeCompletion([]byte(`{"job_id":"J1","user_id":"U1"}`))
	require.ErrorIs(t, err, ErrInvalidEnvelope)
}
