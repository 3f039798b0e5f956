package job

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInputKey(t *testing.T) {
	tests := []struct {
		name    string
		key     string
		want    Location
		wantErr string
	}{
		{
			name: "simple key",
			key:  "P1/U1/J1~sample.vcf",
			want: Location{Partition: "P1", UserID: "U1", JobID: "J1", FileName: "sample.vcf"},
		},
		{
			name: "nested partition",
			key:  "org/team/U1/J1~sample.vcf",
			want: Location{Partition: "org/team", UserID: "U1", JobID: "J1", FileName: "sample.vcf"},
		},
		{
			name:    "missing separator",
			key:     "P1/U1/J1/sample.vcf",
			wantErr: "missing",
		},
		{
			name:    "too few segments",
			key:     "U1/J1~sample.vcf",
			wantErr: "expected",
		},
		{
			name:    "empty file name",
			key:     "P1/U1/J1~",
			wantErr: "file name is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseInputKey(tt.key)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.key, got.InputKey())
		})
	}
}

func TestLocationValidate(t *testing.T) {
	tests := []struct {
		name    string
		loc     Location
		wantErr string
	}{
		{"valid", Location{Partition: "P1", UserID: "U1", JobID: "J1", FileName: "sample.vcf"}, ""},
		{"separator in file name", Location{Partition: "P1", UserID: "U1", JobID: "J1", FileName: "a~b.vcf"}, ""},
		{"separator in job id", Location{Partition: "P1", UserID: "U1", JobID: "J~1", FileName: "sample.vcf"}, "must not contain"},
		{"separator in user id", Location{Partition: "P1", UserID: "U~1", JobID: "J1", FileName: "sample.vcf"}, "must not contain"},
		{"separator in partition", Location{Partition: "org~x/P1", UserID: "U1", JobID: "J1", FileName: "sample.vcf"}, "must not contain"},
		{"empty partition segment", Location{Partition: "org//P1", UserID: "U1", JobID: "J1", FileName: "sample.vcf"}, "invalid partition"},
		{"parent partition segment", Location{Partition: "org/..", UserID: "U1", JobID: "J1", FileName: "sample.vcf"}, "invalid partition"},
		{"slash in job id", Location{Partition: "P1", UserID: "U1", JobID: "J/1", FileName: "sample.vcf"}, "invalid path component"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.loc.Validate()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)

			got, err := ParseInputKey(tt.loc.InputKey())
			require.NoError(t, err)
			assert.Equal(t, tt.loc, got)
		})
	}
}

func TestLocationArtifactKeys(t *testing.T) {
	loc := Location{Partition: "P1", UserID: "U1", JobID: "J1", FileName: "sample.vcf"}

	assert.Equal(t, "P1/U1/J1", loc.KeyPrefix())
	assert.Equal(t, "P1/U1/J1/sample.result.vcf", loc.ResultKey())
	assert.Equal(t, "P1/U1/J1/sample.vcf.count.log", loc.LogKey())
}

func TestArtifactFileNames(t *testing.T) {
	assert.Equal(t, "sample.result.vcf", ResultFileName("sample.vcf"))
	assert.Equal(t, "sample.result.vcf.gz", ResultFileName("sample.vcf.gz"))
	assert.Equal(t, "noext.result", ResultFileName("noext"))
	assert.Equal(t, "sample.vcf.count.log", LogFileName("sample.vcf"))
}

func TestStagedPathRoundTrip(t *testing.T) {
	base := t.TempDir()
	loc := Location{Partition: "P1", UserID: "U1", JobID: "J1", FileName: "sample.vcf"}

	staged := loc.StagedFile(base)
	assert.Equal(t, filepath.Join(base, "P1", "U1", "J1", "sample.vcf"), staged)

	got, err := ParseStagedPath(base, staged)
	require.NoError(t, err)
	assert.Equal(t, loc, got)
}

func TestParseStagedPathRejectsOutsideBase(t *testing.T) {
	base := t.TempDir()

	_, err := ParseStagedPath(base, filepath.Join(filepath.Dir(base), "elsewhere", "U1", "J1", "a.vcf"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is not under")

	_, err = ParseStagedPath(base, filepath.Join(base, "U1", "J1", "a.vcf"))
	require.Error(t, err)
}
