package engine

import "context"

// CycleReport summarizes one RunSync call.
type CycleReport struct {
	Drain    DrainReport `json:"drain"`
	DrainErr error       `json:"-"`
	Pull     PullReport  `json:"pull"`
}

// RunSync runs one full cycle: DrainQueue, then PullChanges for scopeID.
// A failed drain never skips the pull, and neither step's failure escapes.
func (w *Worker) RunSync(ctx context.Context, scopeID string) CycleReport {
	var report CycleReport
	report.Drain, report.DrainErr = w.DrainQueue(ctx)
	report.Pull = w.PullChanges(ctx, scopeID)
	return report
}
