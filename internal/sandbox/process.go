package sandbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

// ProcessSandbox runs programs as local processes inside a per-submission
// scratch directory. Each run gets its own process group so timeouts, memory
// breaches and cancellation kill the whole tree. Filesystem access is not
// confined, so it is only available with Config.AllowUnconfined.
type ProcessSandbox struct {
	cfg       Config
	languages Languages
}

// NewProcessSandbox creates a local process sandbox. It returns
// ErrUnconfined unless cfg.AllowUnconfined is set.
func NewProcessSandbox(cfg Config, languages Languages) (*ProcessSandbox, error) {
	if !cfg.AllowUnconfined {
		return nil, ErrUnconfined
	}
	if languages == nil {
		languages = DefaultLanguages()
	}
	slog.Warn("process sandbox does not confine filesystem access; use for development only",
		"isolate_network", cfg.IsolateNetwork)
	return &ProcessSandbox{cfg: cfg, languages: languages}, nil
}

// Prepare writes the source into a fresh scratch directory and runs the
// compile phase under the compile timeout.
func (s *ProcessSandbox) Prepare(ctx context.Context, lang domain.LanguageID, source string) (Program, error) {
	langCfg, err := s.languages.Get(lang)
	if err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(s.cfg.ScratchRoot, "dojo-run-*")
	if err != nil {
		return nil, infraError("create scratch dir", err)
	}
	prog := &processProgram{cfg: s.cfg, lang: langCfg, dir: dir, env: scratchEnv(dir, langCfg.Env)}

	if err := os.WriteFile(filepath.Join(dir, langCfg.SourceFile), []byte(source), 0o600); err != nil {
		prog.Close()
		return nil, infraError("write source", err)
	}

	if len(langCfg.CompileCommand) > 0 {
		if err := prog.compile(ctx); err != nil {
			prog.Close()
			return nil, err
		}
	}
	return prog, nil
}

// Close is a no-op; programs own their scratch directories.
func (s *ProcessSandbox) Close() error {
	return nil
}

// scratchEnv builds a minimal environment confined to dir.
func scratchEnv(dir string, extra []string) []string {
	env := []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + dir,
		"TMPDIR=" + dir,
		"LANG=C.UTF-8",
	}
	for _, kv := range extra {
		env = append(env, strings.ReplaceAll(kv, "$SCRATCH", dir))
	}
	return env
}

type processProgram struct {
	cfg  Config
	lang LanguageConfig
	dir  string
	env  []string

	mu     sync.Mutex
	closed bool
}

func (p *processProgram) command(args []string) *exec.Cmd {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = p.dir
	cmd.Env = p.env
	cmd.WaitDelay = p.cfg.KillGrace
	return cmd
}

func (p *processProgram) compile(ctx context.Context) error {
	out := newCappedBuffer(p.cfg.OutputLimit)
	cmd := p.command(p.lang.CompileCommand)
	cmd.Stdout = out
	cmd.Stderr = out

	res, err := p.supervise(ctx, cmd, Limits{Time: p.cfg.CompileTimeout})
	if err != nil {
		return err
	}
	switch {
	case res.Status == StatusTimedOut:
		return &CompileError{Output: out.String(), TimedOut: true}
	case res.ExitCode != 0:
		return &CompileError{Output: out.String()}
	}
	return nil
}

// Run executes the prepared program against input.
func (p *processProgram) Run(ctx context.Context, input string, limits Limits) (*Execution, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	stdout := newCappedBuffer(p.cfg.OutputLimit)
	stderr := newCappedBuffer(p.cfg.OutputLimit)
	cmd := p.command(p.lang.RunCommand)
	cmd.Stdin = strings.NewReader(input)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	res, err := p.supervise(ctx, cmd, limits)
	if err != nil {
		return nil, err
	}
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if res.Status == StatusExited && stdout.Truncated() {
		res.Status = StatusOutputExceeded
	}
	return res, nil
}

// supervise starts cmd and waits for it while enforcing limits. The process
// group is always killed and the child reaped before returning.
func (p *processProgram) supervise(ctx context.Context, cmd *exec.Cmd, limits Limits) (*Execution, error) {
	if err := configureProcess(cmd, p.cfg.IsolateNetwork); err != nil {
		return nil, infraError("configure process", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, infraError("start process", err)
	}
	pid := int32(cmd.Process.Pid)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	if limits.Time <= 0 {
		limits.Time = p.cfg.CompileTimeout
	}
	timer := time.NewTimer(limits.Time)
	defer timer.Stop()
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	limitKB := limits.MemoryKB()
	peakKB := sampleTreeRSSKB(pid)
	status := StatusExited
	stdout, _ := cmd.Stdout.(*cappedBuffer)

	var waitErr error
wait:
	for {
		select {
		case waitErr = <-done:
			break wait
		case <-timer.C:
			status = StatusTimedOut
			killGroup(cmd)
			waitErr = <-done
			break wait
		case <-ticker.C:
			if kb := sampleTreeRSSKB(pid); kb > peakKB {
				peakKB = kb
			}
			if limitKB > 0 && peakKB > limitKB {
				status = StatusMemoryExceeded
				killGroup(cmd)
				waitErr = <-done
				break wait
			}
			if stdout != nil && stdout.Truncated() {
				status = StatusOutputExceeded
				killGroup(cmd)
				waitErr = <-done
				break wait
			}
		case <-ctx.Done():
			p.terminate(cmd, done)
			return nil, ctx.Err()
		}
	}
	duration := time.Since(start)

	// Reap anything the program left running in its group.
	killGroup(cmd)

	if kb := rusagePeakKB(cmd.ProcessState); kb > peakKB {
		peakKB = kb
	}
	if status == StatusExited && limitKB > 0 && peakKB > limitKB {
		status = StatusMemoryExceeded
	}

	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		var exitErr *exec.ExitError
		if !errors.As(waitErr, &exitErr) {
			return nil, infraError("wait process", waitErr)
		}
	}

	return &Execution{
		Status:       status,
		ExitCode:     cmd.ProcessState.ExitCode(),
		Duration:     duration,
		PeakMemoryKB: peakKB,
	}, nil
}

// terminate asks the group to exit, escalating to SIGKILL after the grace
// period, and waits for the child to be reaped.
func (p *processProgram) terminate(cmd *exec.Cmd, done <-chan error) {
	terminateGroup(cmd)
	select {
	case <-done:
		killGroup(cmd)
		return
	case <-time.After(p.cfg.KillGrace):
	}
	killGroup(cmd)
	<-done
}

// Close removes the scratch directory.
func (p *processProgram) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	if err := os.RemoveAll(p.dir); err != nil {
		slog.Warn("remove scratch dir", "dir", p.dir, "error", err)
		return fmt.Errorf("remove scratch dir: %w", err)
	}
	return nil
}
