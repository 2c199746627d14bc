package pool

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync/atomic"
)

// Exec returns a Launcher that spawns the worker binary as a child process,
// with jobs on its stdin and results on its stdout. Worker logs pass
// through on stderr.
func Exec(bin string, extraArgs ...string) Launcher {
	return func(id, device int) (Transport, error) {
		args := []string{
			"--worker-id", strconv.Itoa(id),
			"--device", strconv.Itoa(device),
		}
		args = append(args, extraArgs...)
		cmd := exec.Command(bin, args...)
		cmd.Stderr = os.Stderr
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("pool: worker stdin: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, fmt.Errorf("pool: worker stdout: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("pool: start %s: %w", bin, err)
		}
		p := &procTransport{cmd: cmd, stdin: stdin, stdout: stdout}
		go func() {
			_ = cmd.Wait()
			p.exited.Store(true)
		}()
		return p, nil
	}
}

type procTransport struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	exited atomic.Bool
}

func (p *procTransport) Jobs() io.Writer    { return p.stdin }
func (p *procTransport) Results() io.Reader { return p.stdout }

func (p *procTransport) Alive() bool {
	return !p.exited.Load()
}

// Stop closes the job stream so the worker loop drains and exits; a worker
// that keeps running anyway is killed.
func (p *procTransport) Stop() error {
	err := p.stdin.Close()
	if p.Alive() && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
	return err
}
