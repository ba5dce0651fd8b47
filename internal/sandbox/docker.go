package sandbox

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/felixgeelhaar/fortify/circuitbreaker"
	"github.com/google/uuid"

	"github.com/felixgeelhaar/dojo/internal/domain"
)

const (
	workspaceDir = "/workspace"
	// compileMemoryMB bounds the container during the compile phase.
	compileMemoryMB = 1024
	// oomExitCode is what the kernel OOM killer leaves behind.
	oomExitCode = 137
)

// DockerSandbox runs each submission in its own container with networking
// disabled, capabilities dropped and memory/pid limits applied. Test cases
// run as execs inside the container.
type DockerSandbox struct {
	client    *client.Client
	cfg       Config
	languages Languages
	breaker   circuitbreaker.CircuitBreaker[string]
}

// NewDockerSandbox connects to the Docker daemon from the environment.
func NewDockerSandbox(cfg Config, languages Languages) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker not reachable: %w", err)
	}

	if languages == nil {
		languages = DefaultLanguages()
	}
	return &DockerSandbox{
		client:    cli,
		cfg:       cfg,
		languages: languages,
		breaker: circuitbreaker.New[string](circuitbreaker.Config{
			MaxRequests: 2,
			Interval:    30 * time.Second,
			Timeout:     15 * time.Second,
			ReadyToTrip: func(counts circuitbreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(from, to circuitbreaker.State) {
				slog.Warn("docker circuit breaker state change", "from", from.String(), "to", to.String())
			},
		}),
	}, nil
}

// Close closes the Docker client.
func (s *DockerSandbox) Close() error {
	return s.client.Close()
}

// Prepare starts a container, copies the source in and runs the compile phase.
func (s *DockerSandbox) Prepare(ctx context.Context, lang domain.LanguageID, source string) (Program, error) {
	langCfg, err := s.languages.Get(lang)
	if err != nil {
		return nil, err
	}

	containerID, err := s.breaker.Execute(ctx, func(ctx context.Context) (string, error) {
		return s.createContainer(ctx, langCfg)
	})
	if err != nil {
		return nil, infraError("create container", err)
	}

	prog := &dockerProgram{sandbox: s, lang: langCfg, containerID: containerID, memoryMB: compileMemoryMB}
	if err := s.copySource(ctx, containerID, langCfg.SourceFile, source); err != nil {
		prog.Close()
		return nil, infraError("copy source", err)
	}

	if len(langCfg.CompileCommand) > 0 {
		out := newCappedBuffer(s.cfg.OutputLimit)
		res, err := prog.exec(ctx, langCfg.CompileCommand, "", Limits{Time: s.cfg.CompileTimeout}, out, out)
		if err != nil {
			prog.Close()
			return nil, err
		}
		switch {
		case res.Status == StatusTimedOut:
			prog.Close()
			return nil, &CompileError{Output: out.String(), TimedOut: true}
		case res.ExitCode != 0:
			prog.Close()
			return nil, &CompileError{Output: out.String()}
		}
	}
	return prog, nil
}

func (s *DockerSandbox) createContainer(ctx context.Context, lang LanguageConfig) (string, error) {
	if err := s.ensureImage(ctx, lang.DockerImage); err != nil {
		return "", fmt.Errorf("ensure image: %w", err)
	}

	env := make([]string, 0, len(lang.Env)+1)
	env = append(env, "HOME="+workspaceDir)
	for _, kv := range lang.Env {
		env = append(env, strings.ReplaceAll(kv, "$SCRATCH", workspaceDir))
	}

	containerCfg := &container.Config{
		Image:           lang.DockerImage,
		Cmd:             []string{"sh", "-c", "while true; do sleep 3600; done"},
		WorkingDir:      workspaceDir,
		Env:             env,
		NetworkDisabled: true,
		Labels: map[string]string{
			"dojo.sandbox": "true",
		},
	}

	pids := s.cfg.PidsLimit
	memory := int64(compileMemoryMB) * 1024 * 1024
	hostCfg := &container.HostConfig{
		NetworkMode: "none",
		CapDrop:     []string{"ALL"},
		SecurityOpt: []string{"no-new-privileges"},
		Tmpfs:       map[string]string{"/tmp": "rw,noexec,nosuid,size=64m"},
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			NanoCPUs:   int64(s.cfg.CPULimit * 1e9),
			PidsLimit:  &pids,
		},
	}

	name := "dojo-" + uuid.NewString()[:12]
	resp, err := s.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	if err := s.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = s.client.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("start container: %w", err)
	}
	return resp.ID, nil
}

func (s *DockerSandbox) copySource(ctx context.Context, containerID, name, source string) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	header := &tar.Header{Name: name, Mode: 0644, Size: int64(len(source))}
	if err := tw.WriteHeader(header); err != nil {
		return fmt.Errorf("write tar header: %w", err)
	}
	if _, err := tw.Write([]byte(source)); err != nil {
		return fmt.Errorf("write tar content: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("close tar: %w", err)
	}
	return s.client.CopyToContainer(ctx, containerID, workspaceDir, &buf, container.CopyToContainerOptions{})
}

func (s *DockerSandbox) ensureImage(ctx context.Context, img string) error {
	if _, err := s.client.ImageInspect(ctx, img); err == nil {
		return nil
	}
	reader, err := s.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

type dockerProgram struct {
	sandbox     *DockerSandbox
	lang        LanguageConfig
	containerID string

	mu       sync.Mutex
	memoryMB int
	stopped  bool
	closed   bool
}

// Run executes the program against input inside the container.
func (p *dockerProgram) Run(ctx context.Context, input string, limits Limits) (*Execution, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	if err := p.applyMemoryLimit(ctx, limits.MemoryMB); err != nil {
		return nil, err
	}

	stdout := newCappedBuffer(p.sandbox.cfg.OutputLimit)
	stderr := newCappedBuffer(p.sandbox.cfg.OutputLimit)
	res, err := p.exec(ctx, p.lang.RunCommand, input, limits, stdout, stderr)
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

// applyMemoryLimit narrows the container to the problem's limit once the
// compile phase is over. When the daemon refuses, the stats sampler still
// enforces the limit.
func (p *dockerProgram) applyMemoryLimit(ctx context.Context, memoryMB int) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		if err := p.sandbox.client.ContainerStart(ctx, p.containerID, container.StartOptions{}); err != nil {
			return infraError("restart container", err)
		}
		p.stopped = false
	}
	if memoryMB <= 0 || memoryMB == p.memoryMB {
		return nil
	}
	limit := int64(memoryMB) * 1024 * 1024
	_, err := p.sandbox.client.ContainerUpdate(ctx, p.containerID, container.UpdateConfig{
		Resources: container.Resources{Memory: limit, MemorySwap: limit},
	})
	if err != nil {
		slog.Debug("container memory update refused", "container", p.containerID, "error", err)
		return nil
	}
	p.memoryMB = memoryMB
	return nil
}

func (p *dockerProgram) exec(ctx context.Context, cmd []string, input string, limits Limits, stdout, stderr io.Writer) (*Execution, error) {
	cli := p.sandbox.client
	execResp, err := cli.ContainerExecCreate(ctx, p.containerID, container.ExecOptions{
		Cmd:          cmd,
		WorkingDir:   workspaceDir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, infraError("create exec", err)
	}

	start := time.Now()
	attach, err := cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, infraError("attach exec", err)
	}
	defer attach.Close()

	go func() {
		_, _ = io.WriteString(attach.Conn, input)
		_ = attach.CloseWrite()
	}()

	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()

	if limits.Time <= 0 {
		limits.Time = p.sandbox.cfg.CompileTimeout
	}
	timer := time.NewTimer(limits.Time)
	defer timer.Stop()
	ticker := time.NewTicker(p.sandbox.cfg.PollInterval)
	defer ticker.Stop()

	limitKB := limits.MemoryKB()
	baseKB := p.memoryUsageKB(ctx)
	var peakKB int64
	status := StatusExited
	out, _ := stdout.(*cappedBuffer)

wait:
	for {
		select {
		case <-done:
			break wait
		case <-timer.C:
			status = StatusTimedOut
			p.kill(ctx, done)
			break wait
		case <-ticker.C:
			if kb := p.memoryUsageKB(ctx) - baseKB; kb > peakKB {
				peakKB = kb
			}
			if limitKB > 0 && peakKB > limitKB {
				status = StatusMemoryExceeded
				p.kill(ctx, done)
				break wait
			}
			if out != nil && out.Truncated() {
				status = StatusOutputExceeded
				p.kill(ctx, done)
				break wait
			}
		case <-ctx.Done():
			p.terminate(done)
			return nil, ctx.Err()
		}
	}
	duration := time.Since(start)

	exitCode := -1
	if status == StatusExited {
		inspect, err := cli.ContainerExecInspect(ctx, execResp.ID)
		if err != nil {
			return nil, infraError("inspect exec", err)
		}
		exitCode = inspect.ExitCode
		if exitCode == oomExitCode && limits.MemoryMB > 0 {
			status = StatusMemoryExceeded
		}
	}

	return &Execution{
		Status:       status,
		ExitCode:     exitCode,
		Duration:     duration,
		PeakMemoryKB: peakKB,
	}, nil
}

func (p *dockerProgram) memoryUsageKB(ctx context.Context) int64 {
	stats, err := p.sandbox.client.ContainerStatsOneShot(ctx, p.containerID)
	if err != nil {
		return 0
	}
	defer stats.Body.Close()

	var resp container.StatsResponse
	if err := json.NewDecoder(stats.Body).Decode(&resp); err != nil {
		return 0
	}
	return int64(resp.MemoryStats.Usage) / 1024
}

// kill stops every process in the container. The container is restarted
// before the next run; the compiled workspace survives.
func (p *dockerProgram) kill(ctx context.Context, done <-chan error) {
	if err := p.sandbox.client.ContainerKill(ctx, p.containerID, "KILL"); err != nil {
		slog.Warn("kill container", "container", p.containerID, "error", err)
	}
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	<-done
}

// terminate is used on cancellation; the caller's context is already done.
func (p *dockerProgram) terminate(done <-chan error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = p.sandbox.client.ContainerKill(ctx, p.containerID, "TERM")
	select {
	case <-done:
	case <-time.After(p.sandbox.cfg.KillGrace):
		p.kill(ctx, done)
	}
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
}

// Close removes the container.
func (p *dockerProgram) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.sandbox.client.ContainerRemove(ctx, p.containerID, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}
