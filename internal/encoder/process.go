package encoder

import (
	"context"
	"io"
	"os"
	"os/exec"
	"time"
)

// ProcessHandle is a running encoder subprocess.
type ProcessHandle interface {
	// Stderr is the diagnostic stream. It reaches EOF once the process exits.
	Stderr() io.Reader
	// Wait blocks until the process exits. A nonzero exit is reported as an
	// error implementing ExitCode() int.
	Wait() error
	// Kill terminates the process immediately.
	Kill() error
}

// Launcher starts encoder subprocesses.
type Launcher interface {
	Start(ctx context.Context, name string, args []string) (ProcessHandle, error)
}

// ExecLauncher starts processes with os/exec. Cancelling the context sends
// an interrupt so ffmpeg can finalize, and kills it after the grace period.
type ExecLauncher struct {
	Grace time.Duration
}

// Start launches name with args.
func (l ExecLauncher) Start(ctx context.Context, name string, args []string) (ProcessHandle, error) {
	// #nosec G204 - binary path comes from configuration, args from the synthesizer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = l.Grace

	// Writing through a pipe lets Wait own the copy, so the reader sees EOF
	// once Wait returns even if a grandchild keeps the descriptor open.
	pr, pw := io.Pipe()
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return nil, err
	}
	return &execProcess{cmd: cmd, stderr: pr, pw: pw}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr *io.PipeReader
	pw     *io.PipeWriter
}

func (p *execProcess) Stderr() io.Reader { return p.stderr }

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	_ = p.pw.Close()
	return err
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}
