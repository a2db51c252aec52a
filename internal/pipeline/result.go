package pipeline

// ResultKind tags a StageResult.
type ResultKind string

const (
	ResultSuccess  ResultKind = "success"
	ResultDegraded ResultKind = "degraded"
	ResultFatal    ResultKind = "fatal"
)

// StageResult is what a stage returns to the executor. Only Fatal aborts a run.
type StageResult struct {
	Kind  ResultKind
	Patch Patch
	Notes []string
	Err   error
}

// Success wraps a patch produced without problems.
func Success(p Patch) StageResult {
	return StageResult{Kind: ResultSuccess, Patch: p}
}

// Degraded wraps a patch that fell back to defaults somewhere.
func Degraded(p Patch, notes ...string) StageResult {
	return StageResult{Kind: ResultDegraded, Patch: p, Notes: notes}
}

// Fatal reports an unrecoverable condition.
func Fatal(err error) StageResult {
	return StageResult{Kind: ResultFatal, Err: err}
}

// RunStatus is the terminal (or current) status of a pipeline run.
type RunStatus string

const (
	RunRunning  RunStatus = "running"
	RunOK       RunStatus = "ok"
	RunDegraded RunStatus = "degraded"
	RunAborted  RunStatus = "aborted"
	RunFatal    RunStatus = "fatal"
)
