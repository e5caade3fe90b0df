package job

// Status represents the lifecycle state of an export job.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusProcessing  Status = "PROCESSING"
	StatusPolling     Status = "POLLING"
	StatusDownloading Status = "DOWNLOADING"
	StatusCompleted   Status = "COMPLETED"
	StatusFailed      Status = "FAILED"
)

// validTransitions maps each status to the set of statuses it may move to.
// Any non-terminal status may additionally move to FAILED.
var validTransitions = map[Status][]Status{
	StatusPending:     {StatusProcessing, StatusPolling, StatusDownloading},
	StatusProcessing:  {StatusPolling, StatusDownloading},
	StatusPolling:     {StatusDownloading},
	StatusDownloading: {StatusCompleted},
	StatusCompleted:   {},
	StatusFailed:      {},
}

// IsTerminal reports whether the status permits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsValid reports whether s is one of the known job statuses.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// CanTransitionTo reports whether a move from s to next is allowed.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusFailed {
		return true
	}
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ProviderStatus is the status reported by the external export provider.
// It is never stored as a job status verbatim; the intake handler and the
// poller translate it into job transitions.
type ProviderStatus string

const (
	ProviderStatusPending    ProviderStatus = "PENDING"
	ProviderStatusProcessing ProviderStatus = "PROCESSING"
	ProviderStatusReady      ProviderStatus = "READY"
	ProviderStatusFailed     ProviderStatus = "FAILED"
	ProviderStatusExpired    ProviderStatus = "EXPIRED"
)

// IsTerminal reports whether the provider will not change this status again.
func (s ProviderStatus) IsTerminal() bool {
	return s == ProviderStatusReady || s == ProviderStatusFailed || s == ProviderStatusExpired
}
