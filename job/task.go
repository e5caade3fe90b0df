package job

import (
	"fmt"

	"github.com/google/uuid"
)

// ChecksumAlgorithm identifies the digest used to validate an artifact.
type ChecksumAlgorithm string

const (
	ChecksumSHA256 ChecksumAlgorithm = "sha-256"
	ChecksumMD5    ChecksumAlgorithm = "md5"
)

// Task is one artifact download+upload within a job. Tasks are created
// exactly once per job, when the provider first reports the export READY,
// and are never re-split.
type Task struct {
	TaskID      string `json:"task_id"`
	JobID       string `json:"job_id"`
	DownloadURL string `json:"download_url"`
	FileName    string `json:"file_name"`

	// ExpectedFileSize is the provider-advertised artifact size in bytes.
	// Zero means unknown.
	ExpectedFileSize int64 `json:"expected_file_size,omitempty"`

	// ExpectedChecksum, when set, is verified against the streamed bytes.
	ExpectedChecksum  string            `json:"expected_checksum,omitempty"`
	ChecksumAlgorithm ChecksumAlgorithm `json:"checksum_algorithm,omitempty"`

	// OutputKey is the object-store key the artifact is written to.
	OutputKey string `json:"output_key"`
}

// OutputKey derives the stable object key for the index-th artifact of a job.
func OutputKey(jobID string, index int, fileName string) string {
	return fmt.Sprintf("%s/%d_%s", jobID, index, fileName)
}

// NewTask builds the index-th task of a job with a fresh task ID and the
// derived output key.
func NewTask(jobID string, index int, downloadURL, fileName string) Task {
	return Task{
		TaskID:      uuid.New().String(),
		JobID:       jobID,
		DownloadURL: downloadURL,
		FileName:    fileName,
		OutputKey:   OutputKey(jobID, index, fileName),
	}
}

// Validate checks the task invariants that hold at every boundary.
func (t *Task) Validate() error {
	if _, err := uuid.Parse(t.TaskID); err != nil {
		return &ValidationError{Field: "task_id", Reason: "must be a UUID"}
	}
	if _, err := uuid.Parse(t.JobID); err != nil {
		return &ValidationError{Field: "job_id", Reason: "must be a UUID"}
	}
	if t.DownloadURL == "" {
		return &ValidationError{Field: "download_url", Reason: "must not be empty"}
	}
	if t.FileName == "" {
		return &ValidationError{Field: "file_name", Reason: "must not be empty"}
	}
	if t.OutputKey == "" {
		return &ValidationError{Field: "output_key", Reason: "must not be empty"}
	}
	if t.ExpectedFileSize < 0 {
		return &ValidationError{Field: "expected_file_size", Reason: "must not be negative"}
	}
	if t.ExpectedChecksum != "" {
		switch t.ChecksumAlgorithm {
		case ChecksumSHA256, ChecksumMD5:
		default:
			return &ValidationError{Field: "checksum_algorithm", Reason: "must be sha-256 or md5"}
		}
	}
	return nil
}
