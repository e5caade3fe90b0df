package provider

import (
	"context"
	"fmt"
	"sync"
)

// Fake is a scripted Provider for tests. Each GetExportStatus call for an
// export pops the next scripted response; the last response repeats once the
// script is exhausted.
type Fake struct {
	mu      sync.Mutex
	scripts map[string][]scriptStep
	calls   map[string]int

	// Cancelled records exports CancelExport was called for.
	Cancelled []string
}

type scriptStep struct {
	status *ExportStatus
	err    error
}

// NewFake returns an empty fake provider.
func NewFake() *Fake {
	return &Fake{
		scripts: make(map[string][]scriptStep),
		calls:   make(map[string]int),
	}
}

// Script appends a status response for the export.
func (f *Fake) Script(exportID string, status *ExportStatus) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[exportID] = append(f.scripts[exportID], scriptStep{status: status})
	return f
}

// ScriptError appends an error response for the export.
func (f *Fake) ScriptError(exportID string, err error) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[exportID] = append(f.scripts[exportID], scriptStep{err: err})
	return f
}

// StatusCalls returns how many times GetExportStatus was called for an export.
func (f *Fake) StatusCalls(exportID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[exportID]
}

// StartExport is not scripted; it returns a fixed ID derived from the user.
func (f *Fake) StartExport(_ context.Context, req StartExportRequest) (string, error) {
	return "export-" + req.UserID, nil
}

// GetExportStatus pops the next scripted response.
func (f *Fake) GetExportStatus(_ context.Context, exportID string) (*ExportStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	script, ok := f.scripts[exportID]
	if !ok || len(script) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrExportNotFound, exportID)
	}

	idx := f.calls[exportID]
	f.calls[exportID]++
	if idx >= len(script) {
		idx = len(script) - 1
	}
	step := script[idx]
	if step.err != nil {
		return nil, step.err
	}
	out := *step.status
	return &out, nil
}

// CancelExport records the cancellation.
func (f *Fake) CancelExport(_ context.Context, exportID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Cancelled = append(f.Cancelled, exportID)
	return nil
}
