package cmd

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/jobline/pkg/job"
)

func sampleRecords() []job.Record {
	return []job.Record{
		{
			JobID: "J1", UserID: "U1", InputFileName: "sample.vcf", InputsBucket: "in",
			InputKey: "P1/U1/J1~sample.vcf", SubmitTime: 1700000000, Status: job.StatusCompleted,
			StartTime: 1700000010, CompleteTime: 1700000100, ResultsBucket: "out",
			ResultKey: "P1/U1/J1/sample.result.vcf", LogKey: "P1/U1/J1/sample.vcf.count.log",
		},
		{
			JobID: "J2", UserID: "U1", InputFileName: "other.vcf", InputsBucket: "in",
			InputKey: "P1/U1/J2~other.vcf", SubmitTime: 1700000200, Status: job.StatusPending,
		},
	}
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    outputFormat
		wantErr bool
	}{
		{in: "", want: formatTable},
		{in: "table", want: formatTable},
		{in: "JSON", want: formatJSON},
		{in: " yaml ", want: formatYAML},
		{in: "csv", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseOutputFormat(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWriteRecordsTable(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeRecords(&out, formatTable, sampleRecords()))

	s := out.String()
	assert.Contains(t, s, "JOB ID")
	assert.Contains(t, s, "J1")
	assert.Contains(t, s, "COMPLETED")
	assert.Contains(t, s, "2023-11-14T22:13:20Z")
	assert.Contains(t, s, "PENDING")
}

func TestWriteRecordsEmpty(t *testing.T) {
	var table, js bytes.Buffer
	require.NoError(t, writeRecords(&table, formatTable, nil))
	require.NoError(t, writeRecords(&js, formatJSON, nil))

	assert.Equal(t, "No jobs found\n", table.String())
	assert.JSONEq(t, "[]", js.String())
}

func TestWriteRecordsJSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, writeRecords(&out, formatJSON, sampleRecords()))

	var got []map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "COMPLETED", got[0]["job_status"])
	assert.Equal(t, "P1/U1/J1/sample.result.vcf", got[0]["s3_key_result_file"])
	assert.NotContains(t, got[1], "s3_key_result_file")
}

func TestWriteRecordYAML(t *testing.T) {
	recs := sampleRecords()
	var out bytes.Buffer
	require.NoError(t, writeRecord(&out, formatYAML, &recs[0]))

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(out.Bytes(), &got))
	assert.Equal(t, "J1", got["job_id"])
	assert.Equal(t, "COMPLETED", got["job_status"])
}

func TestWriteRecordTable(t *testing.T) {
	rec := &job.Record{JobID: "J3", UserID: "U2", Status: job.StatusFailed, FailureReason: "timed out"}
	var out bytes.Buffer
	require.NoError(t, writeRecord(&out, formatTable, rec))

	s := out.String()
	assert.Contains(t, s, "J3")
	assert.Contains(t, s, "Failure:")
	assert.Contains(t, s, "timed out")
	assert.NotContains(t, s, "Result:")
}

func TestFormatEpoch(t *testing.T) {
	assert.Equal(t, "-", formatEpoch(0))
	assert.Equal(t, "2023-11-14T22:13:20Z", formatEpoch(1700000000))
}
