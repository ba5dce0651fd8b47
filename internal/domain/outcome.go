package domain

// Result classifies the execution of one test case.
type Result string

const (
	ResultPass                Result = "Pass"
	ResultWrongAnswer         Result = "WrongAnswer"
	ResultRuntimeError        Result = "RuntimeError"
	ResultTimeLimitExceeded   Result = "TimeLimitExceeded"
	ResultMemoryLimitExceeded Result = "MemoryLimitExceeded"
	ResultCompileError        Result = "CompileError"
)

// ExecutionOutcome is the judged result of running one test case.
type ExecutionOutcome struct {
	TestCaseIndex int    `json:"testCaseIndex"`
	Result        Result `json:"result"`
	DurationMs    int64  `json:"durationMs"`
	PeakMemoryKB  int64  `json:"peakMemoryKB"`
	Hidden        bool   `json:"hidden"`
	// Fields below are never serialised; the aggregator decides what a
	// learner may see.
	Input          string `json:"-"`
	ExpectedOutput string `json:"-"`
	ActualOutput   string `json:"-"`
	Diagnostic     string `json:"-"`
}

// Passed reports whether the case passed.
func (o ExecutionOutcome) Passed() bool {
	return o.Result == ResultPass
}
