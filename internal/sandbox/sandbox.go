package sandbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

// TruncationMarker is appended to stdout captured beyond the output limit.
const TruncationMarker = "\n...[output truncated]"

// Status describes how a sandboxed process ended.
type Status string

const (
	StatusExited         Status = "exited"
	StatusTimedOut       Status = "timed_out"
	StatusMemoryExceeded Status = "memory_exceeded"
	StatusOutputExceeded Status = "output_exceeded"
)

// Execution is the raw result of running a program against one input.
type Execution struct {
	Status       Status
	ExitCode     int
	Stdout       string
	Stderr       string
	Duration     time.Duration
	PeakMemoryKB int64
}

// Limits bound a single execution.
type Limits struct {
	Time     time.Duration
	MemoryMB int
}

// MemoryKB returns the memory limit in kilobytes, zero when unlimited.
func (l Limits) MemoryKB() int64 {
	return int64(l.MemoryMB) * 1024
}

// Config holds settings shared by all sandbox backends.
type Config struct {
	CompileTimeout time.Duration
	KillGrace      time.Duration
	PollInterval   time.Duration
	OutputLimit    int
	// ScratchRoot is the parent of per-submission scratch directories.
	// Empty means the OS temp dir.
	ScratchRoot string
	// IsolateNetwork runs local processes in a fresh network namespace.
	IsolateNetwork bool
	// AllowUnconfined permits the process sandbox, which cannot stop user
	// code from reading or writing outside its scratch directory. Development
	// only.
	AllowUnconfined bool
	CPULimit        float64
	PidsLimit       int64
}

// DefaultConfig returns the sandbox defaults.
func DefaultConfig() Config {
	return Config{
		CompileTimeout: 10 * time.Second,
		KillGrace:      500 * time.Millisecond,
		PollInterval:   50 * time.Millisecond,
		OutputLimit:    1 << 20,
		CPULimit:       1.0,
		PidsLimit:      64,
	}
}

var (
	// ErrInfraFailure marks host or orchestration faults. The caller may retry.
	ErrInfraFailure = errors.New("sandbox infrastructure failure")
	ErrClosed       = errors.New("program closed")
	// ErrUnconfined is returned when the process sandbox is requested
	// without AllowUnconfined.
	ErrUnconfined = errors.New("process sandbox does not confine the filesystem; use the docker executor or allow_unconfined for development")
)

// infraError wraps err as an infrastructure failure.
func infraError(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInfraFailure, op, err)
}

// CompileError reports that user code failed to compile. It is a user defect,
// never retried.
type CompileError struct {
	Output   string
	TimedOut bool
}

func (e *CompileError) Error() string {
	if e.TimedOut {
		return "compilation timed out"
	}
	return "compilation failed"
}

// Sandbox prepares programs for execution. Prepare is the compile phase; it
// returns *CompileError when the source does not compile.
type Sandbox interface {
	Prepare(ctx context.Context, lang domain.LanguageID, source string) (Program, error)
	Close() error
}

// Program is a prepared submission that can run many inputs. Run blocks until
// the process tree has exited and been reaped. When ctx is cancelled the tree
// is killed within the kill grace and ctx.Err() is returned.
type Program interface {
	Run(ctx context.Context, input string, limits Limits) (*Execution, error)
	Close() error
}

// Run compiles source and executes it against a single input.
func Run(ctx context.Context, sb Sandbox, lang domain.LanguageID, source, input string, limits Limits) (*Execution, error) {
	prog, err := sb.Prepare(ctx, lang, source)
	if err != nil {
		return nil, err
	}
	defer prog.Close()
	return prog.Run(ctx, input, limits)
}
