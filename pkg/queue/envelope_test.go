package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnwrap(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		want    string
		wantErr bool
	}{
		{
			name: "topic wrapper",
			body: `{"Type":"Notification","MessageId":"x","Message":"{\"job_id\":\"J1\"}"}`,
			want: `{"job_id":"J1"}`,
		},
		{
			name: "raw payload",
			body: `{"job_id":"J1"}`,
			want: `{"job_id":"J1"}`,
		},
		{name: "empty", body: "  ", wantErr: true},
		{name: "not json", body: "hello", wantErr: true},
		{name: "message not a string", body: `{"Message":{"job_id":"J1"}}`, wantErr: true},
		{name: "inner not json", body: `{"Message":"job J1 done"}`, wantErr: true},
		{name: "array body", body: `[1,2]`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unwrap(tt.body)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrMalformedEnvelope)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestWrapRoundTrip(t *testing.T) {
	body, err := Wrap([]byte(`{"job_id":"J1"}`))
	require.NoError(t, err)

	got, err := Unwrap(body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"job_id":"J1"}`, string(got))
}
