package job

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// InputKeySeparator separates the job id from the original file name in an
// input object key: {partition}/{user}/{job}~{file}.
const InputKeySeparator = "~"

const (
	resultInfix = "result"
	logSuffix   = ".count.log"
)

// Location identifies a job's namespace: partition, user, job and the
// original input file name.
type Location struct {
	Partition string
	UserID    string
	JobID     string
	FileName  string
}

// Validate reports missing or malformed components. Every valid location
// survives an InputKey/ParseInputKey round trip.
func (l Location) Validate() error {
	switch {
	case strings.TrimSpace(l.Partition) == "":
		return fmt.Errorf("partition is required")
	case strings.TrimSpace(l.UserID) == "":
		return fmt.Errorf("user id is required")
	case strings.TrimSpace(l.JobID) == "":
		return fmt.Errorf("job id is required")
	case strings.TrimSpace(l.FileName) == "":
		return fmt.Errorf("file name is required")
	}
	for _, part := range []string{l.UserID, l.JobID, l.FileName} {
		if strings.ContainsAny(part, `/\`) || part == "." || part == ".." {
			return fmt.Errorf("invalid path component %q", part)
		}
	}
	for _, seg := range strings.Split(l.Partition, "/") {
		if seg == "" || seg == "." || seg == ".." || strings.Contains(seg, `\`) {
			return fmt.Errorf("invalid partition %q", l.Partition)
		}
	}
	// The first separator in an input key ends the job id.
	for _, part := range []string{l.Partition, l.UserID, l.JobID} {
		if strings.Contains(part, InputKeySeparator) {
			return fmt.Errorf("path component %q must not contain %q", part, InputKeySeparator)
		}
	}
	return nil
}

// InputKey renders the input object key for l.
func (l Location) InputKey() string {
	return path.Join(l.Partition, l.UserID, l.JobID) + InputKeySeparator + l.FileName
}

// KeyPrefix is the results-store prefix for the job: {partition}/{user}/{job}.
func (l Location) KeyPrefix() string {
	return path.Join(l.Partition, l.UserID, l.JobID)
}

// ResultKey is the object key of the result artifact.
func (l Location) ResultKey() string {
	return path.Join(l.KeyPrefix(), ResultFileName(l.FileName))
}

// LogKey is the object key of the log artifact.
func (l Location) LogKey() string {
	return path.Join(l.KeyPrefix(), LogFileName(l.FileName))
}

// StagingDir is the per-job local directory under baseDir.
func (l Location) StagingDir(baseDir string) string {
	return filepath.Join(baseDir, filepath.FromSlash(l.Partition), l.UserID, l.JobID)
}

// StagedFile is the local path of the staged input file.
func (l Location) StagedFile(baseDir string) string {
	return filepath.Join(l.StagingDir(baseDir), l.FileName)
}

// ParseInputKey extracts the location from an input object key.
//
// The key must look like {partition}/{user}/{job}~{file}; the partition may
// itself contain slashes.
func ParseInputKey(key string) (Location, error) {
	prefix, fileName, ok := strings.Cut(key, InputKeySeparator)
	if !ok {
		return Location{}, fmt.Errorf("input key %q: missing %q separator", key, InputKeySeparator)
	}
	parts := strings.Split(strings.Trim(prefix, "/"), "/")
	if len(parts) < 3 {
		return Location{}, fmt.Errorf("input key %q: expected {partition}/{user}/{job}~{file}", key)
	}
	n := len(parts)
	loc := Location{
		Partition: strings.Join(parts[:n-2], "/"),
		UserID:    parts[n-2],
		JobID:     parts[n-1],
		FileName:  fileName,
	}
	if err := loc.Validate(); err != nil {
		return Location{}, fmt.Errorf("input key %q: %w", key, err)
	}
	return loc, nil
}

// ParseStagedPath recovers the location from a staged input file path under baseDir.
func ParseStagedPath(baseDir, stagedPath string) (Location, error) {
	absBase, err := filepath.Abs(baseDir)
	if err != nil {
		return Location{}, fmt.Errorf("resolve staging dir: %w", err)
	}
	absPath, err := filepath.Abs(stagedPath)
	if err != nil {
		return Location{}, fmt.Errorf("resolve staged path: %w", err)
	}
	rel, err := filepath.Rel(absBase, absPath)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return Location{}, fmt.Errorf("staged path %q is not under %q", stagedPath, baseDir)
	}

	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) < 4 {
		return Location{}, fmt.Errorf("staged path %q: expected {partition}/{user}/{job}/{file}", stagedPath)
	}
	n := len(parts)
	loc := Location{
		Partition: strings.Join(parts[:n-3], "/"),
		UserID:    parts[n-3],
		JobID:     parts[n-2],
		FileName:  parts[n-1],
	}
	if err := loc.Validate(); err != nil {
		return Location{}, fmt.Errorf("staged path %q: %w", stagedPath, err)
	}
	return loc, nil
}

// ResultFileName derives the result artifact name: sample.vcf -> sample.result.vcf.
func ResultFileName(inputName string) string {
	base, ext, ok := strings.Cut(inputName, ".")
	if !ok || ext == "" {
		return base + "." + resultInfix
	}
	return base + "." + resultInfix + "." + ext
}

// LogFileName derives the log artifact name: sample.vcf -> sample.vcf.count.log.
func LogFileName(inputName string) string {
	return inputName + logSuffix
}
