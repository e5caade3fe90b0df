package job

import (
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJob(t *testing.T, opts ...Option) Job {
	t.Helper()
	j, err := New(uuid.New().String(), "export-1", "user-1", opts...)
	require.NoError(t, err)
	return j
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		jobID    string
		exportID string
		userID   string
		wantErr  bool
	}{
		{"valid", uuid.New().String(), "e1", "u1", false},
		{"job id not a uuid", "j1", "e1", "u1", true},
		{"empty job id", "", "e1", "u1", true},
		{"empty export id", uuid.New().String(), "", "u1", true},
		{"empty user id", uuid.New().String(), "e1", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j, err := New(tt.jobID, tt.exportID, tt.userID)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsValidation(err), "expected a validation error, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, StatusPending, j.Status)
			assert.Equal(t, DefaultMaxPollingAttempts, j.MaxPollingAttempts)
			assert.Equal(t, DefaultPollingIntervalMs, j.PollingIntervalMs)
			assert.False(t, j.CreatedAt.IsZero())
		})
	}

	t.Run("rejects non-positive polling overrides", func(t *testing.T) {
		_, err := New(uuid.New().String(), "e1", "u1", WithPollingLimits(0, 5000))
		require.Error(t, err)
		_, err = New(uuid.New().String(), "e1", "u1", WithPollingLimits(10, -1))
		require.Error(t, err)
	})

	t.Run("options applied", func(t *testing.T) {
		j := newTestJob(t,
			WithCallbackToken("tok"),
			WithMetadata(map[string]any{"source": "ui"}),
			WithPollingLimits(3, 100))
		assert.Equal(t, "tok", j.CallbackToken)
		assert.Equal(t, "ui", j.Metadata["source"])
		assert.Equal(t, 3, j.MaxPollingAttempts)
		assert.Equal(t, 100, j.PollingIntervalMs)
	})
}

func TestTransitions(t *testing.T) {
	t.Run("pending to processing to downloading", func(t *testing.T) {
		j := newTestJob(t)

		j, err := j.TransitionTo(StatusProcessing)
		require.NoError(t, err)
		assert.Equal(t, StatusProcessing, j.Status)

		j, err = j.TransitionTo(StatusDownloading)
		require.NoError(t, err)
		assert.Equal(t, StatusDownloading, j.Status)
	})

	t.Run("processing to polling", func(t *testing.T) {
		j := newTestJob(t)
		j, err := j.TransitionTo(StatusProcessing)
		require.NoError(t, err)
		j, err = j.TransitionTo(StatusPolling)
		require.NoError(t, err)
		assert.Equal(t, StatusPolling, j.Status)
	})

	t.Run("downloading cannot go back to polling", func(t *testing.T) {
		j := newTestJob(t)
		j, err := j.TransitionTo(StatusDownloading)
		require.NoError(t, err)
		_, err = j.TransitionTo(StatusPolling)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("terminal transitions rejected via TransitionTo", func(t *testing.T) {
		j := newTestJob(t)
		_, err := j.TransitionTo(StatusCompleted)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		_, err = j.TransitionTo(StatusFailed)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("any non-terminal state can fail", func(t *testing.T) {
		for _, s := range []Status{StatusProcessing, StatusPolling, StatusDownloading} {
			j := newTestJob(t)
			j, err := j.TransitionTo(s)
			require.NoError(t, err)
			j, err = j.Fail("provider exploded")
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, j.Status)
			assert.Equal(t, "provider exploded", j.ErrorMessage)
			require.NotNil(t, j.CompletedAt)
		}
	})

	t.Run("fail requires a message", func(t *testing.T) {
		j := newTestJob(t)
		_, err := j.Fail("")
		assert.True(t, IsValidation(err))
	})
}

func TestTerminalStateIsFrozen(t *testing.T) {
	j := newTestJob(t)
	j, err := j.Fail("boom")
	require.NoError(t, err)

	_, err = j.TransitionTo(StatusDownloading)
	assert.ErrorIs(t, err, ErrTerminalState)
	_, err = j.SetTotalTasks(5)
	assert.ErrorIs(t, err, ErrTerminalState)
	_, err = j.IncrementCompleted()
	assert.ErrorIs(t, err, ErrTerminalState)
	_, err = j.IncrementFailed("late")
	assert.ErrorIs(t, err, ErrTerminalState)
	_, err = j.AttachTasks(nil)
	assert.ErrorIs(t, err, ErrTerminalState)

	// Failing twice is a no-op, not an error.
	again, err := j.Fail("boom again")
	require.NoError(t, err)
	assert.Equal(t, "boom", again.ErrorMessage)
}

func TestComplete(t *testing.T) {
	t.Run("requires all tasks accounted for", func(t *testing.T) {
		j := newTestJob(t)
		j, err := j.TransitionTo(StatusDownloading)
		require.NoError(t, err)
		j, err = j.SetTotalTasks(2)
		require.NoError(t, err)
		j, err = j.IncrementCompleted()
		require.NoError(t, err)

		_, err = j.Complete()
		assert.ErrorIs(t, err, ErrInvalidTransition)

		j, err = j.IncrementFailed("404")
		require.NoError(t, err)
		j, err = j.Complete()
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, j.Status)
		require.NotNil(t, j.CompletedAt)
	})

	t.Run("failed tasks still complete the job", func(t *testing.T) {
		j := newTestJob(t)
		j, _ = j.TransitionTo(StatusDownloading)
		j, _ = j.SetTotalTasks(1)
		j, err := j.IncrementFailed("gone")
		require.NoError(t, err)
		j, err = j.Complete()
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, j.Status)
		assert.Equal(t, 1, j.FailedTasks)
	})

	t.Run("zero tasks cannot complete implicitly", func(t *testing.T) {
		j := newTestJob(t)
		j, _ = j.TransitionTo(StatusDownloading)
		_, err := j.Complete()
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("empty success path", func(t *testing.T) {
		j := newTestJob(t)
		j, _ = j.TransitionTo(StatusDownloading)
		j, err := j.CompleteEmpty()
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, j.Status)
		assert.Zero(t, j.TotalTasks)
	})

	t.Run("complete is idempotent", func(t *testing.T) {
		j := newTestJob(t)
		j, _ = j.TransitionTo(StatusDownloading)
		j, _ = j.SetTotalTasks(1)
		j, _ = j.IncrementCompleted()
		j, err := j.Complete()
		require.NoError(t, err)
		again, err := j.Complete()
		require.NoError(t, err)
		assert.Equal(t, j.CompletedAt, again.CompletedAt)
	})
}

func TestCounters(t *testing.T) {
	j := newTestJob(t)
	j, _ = j.TransitionTo(StatusDownloading)
	j, err := j.SetTotalTasks(2)
	require.NoError(t, err)

	j, err = j.IncrementCompleted()
	require.NoError(t, err)
	j, err = j.IncrementFailed("http 500")
	require.NoError(t, err)

	// Third outcome would exceed the total.
	_, err = j.IncrementCompleted()
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = j.IncrementFailed("late")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	assert.Equal(t, 0, j.PendingTasks())
	assert.InDelta(t, 100, j.ProgressPercentage(), 0.001)

	t.Run("cannot shrink total below outcomes", func(t *testing.T) {
		_, err := j.SetTotalTasks(1)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("increment without a total", func(t *testing.T) {
		fresh := newTestJob(t)
		_, err := fresh.IncrementCompleted()
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestDerivedQuantities(t *testing.T) {
	j := newTestJob(t)
	assert.Equal(t, 0, j.PendingTasks())
	assert.Zero(t, j.ProgressPercentage(), "zero-task job must report zero progress, not NaN")

	j, _ = j.TransitionTo(StatusDownloading)
	j, _ = j.SetTotalTasks(4)
	j, _ = j.IncrementCompleted()
	assert.Equal(t, 3, j.PendingTasks())
	assert.InDelta(t, 25, j.ProgressPercentage(), 0.001)
}

func TestAttachTasks(t *testing.T) {
	j := newTestJob(t)

	tasks := []Task{
		NewTask(j.JobID, 0, "https://dl.example.com/a.bin", "a.bin"),
		NewTask(j.JobID, 1, "https://dl.example.com/b.bin", "b.bin"),
	}
	j2, err := j.AttachTasks(tasks)
	require.NoError(t, err)
	require.Len(t, j2.Tasks, 2)
	assert.Equal(t, j.JobID+"/0_a.bin", j2.Tasks[0].OutputKey)
	assert.Equal(t, j.JobID+"/1_b.bin", j2.Tasks[1].OutputKey)

	t.Run("foreign task rejected", func(t *testing.T) {
		foreign := NewTask(uuid.New().String(), 0, "https://dl.example.com/x.bin", "x.bin")
		_, err := j.AttachTasks([]Task{foreign})
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("attached slice is a copy", func(t *testing.T) {
		tasks[0].FileName = "mutated"
		assert.Equal(t, "a.bin", j2.Tasks[0].FileName)
	})
}

func TestTaskValidate(t *testing.T) {
	jobID := uuid.New().String()
	valid := NewTask(jobID, 0, "https://dl.example.com/a.bin", "a.bin")
	require.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(*Task)
	}{
		{"bad task id", func(tk *Task) { tk.TaskID = "nope" }},
		{"bad job id", func(tk *Task) { tk.JobID = "nope" }},
		{"empty url", func(tk *Task) { tk.DownloadURL = "" }},
		{"empty file name", func(tk *Task) { tk.FileName = "" }},
		{"empty output key", func(tk *Task) { tk.OutputKey = "" }},
		{"negative size", func(tk *Task) { tk.ExpectedFileSize = -1 }},
		{"checksum without algorithm", func(tk *Task) { tk.ExpectedChecksum = "abc" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := valid
			tt.mutate(&tk)
			err := tk.Validate()
			require.Error(t, err)
			var ve *ValidationError
			assert.True(t, errors.As(err, &ve))
		})
	}
}

func TestValidateInvariants(t *testing.T) {
	j := newTestJob(t)
	require.NoError(t, j.Validate())

	j.CompletedTasks = 3
	j.TotalTasks = 2
	assert.ErrorIs(t, j.Validate(), ErrInvalidTransition)

	j = newTestJob(t)
	j.FailedTasks = -1
	assert.ErrorIs(t, j.Validate(), ErrInvalidTransition)

	j = newTestJob(t)
	j.Status = StatusFailed
	assert.Error(t, j.Validate(), "FAILED without message must be invalid")
}
