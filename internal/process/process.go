// Package process runs a local process while streaming its output, enforcing
// an inactivity timeout and answering sudo password prompts.
package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/eugenetaranov/rig/internal/connector"
)

// Config controls a single process run.
type Config struct {
	// Timeout aborts the process when no output arrives for this long.
	// Zero disables the timeout.
	Timeout time.Duration

	// Output receives every chunk read from stdout and stderr.
	Output connector.OutputFunc

	// Password answers sudo prompts seen on stderr. When nil, a prompt
	// kills the process.
	Password *Password

	// Logger receives debug events. Defaults to a no-op logger.
	Logger *zap.Logger
}

type chunk struct {
	stream connector.Stream
	text   string
}

// Run starts argv and blocks until it exits, times out or ctx is cancelled.
// A non-zero exit status is reported through Result.ExitCode, not as an
// error. Timeouts return *connector.TimeoutError.
func Run(ctx context.Context, argv []string, cfg Config) (*connector.Result, error) {
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	// Own process group so a kill reaches grandchildren holding the pipes.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", argv[0], err)
	}
	log.Debug("process started", zap.Int("pid", cmd.Process.Pid), zap.Strings("argv", argv))

	chunks := make(chan chunk)
	var wg sync.WaitGroup
	wg.Add(2)
	go readStream(connector.Stdout, stdout, chunks, &wg)
	go readStream(connector.Stderr, stderr, chunks, &wg)
	go func() {
		wg.Wait()
		close(chunks)
	}()

	var timeout <-chan time.Time
	var timer *time.Timer
	if cfg.Timeout > 0 {
		timer = time.NewTimer(cfg.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var out, errOut strings.Builder
	command := strings.Join(argv, " ")

loop:
	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				break loop
			}
			if timer != nil {
				timer.Reset(cfg.Timeout)
			}
			if c.stream == connector.Stdout {
				out.WriteString(c.text)
			} else {
				errOut.WriteString(c.text)
			}
			if cfg.Output != nil {
				cfg.Output(c.stream, c.text)
			}
			if c.stream == connector.Stderr && !answerPrompt(c.text, stdin, cfg.Password) {
				log.Debug("sudo password unavailable, killing process", zap.Int("pid", cmd.Process.Pid))
				abort(cmd, chunks)
				return exitResult(out.String(), errOut.String(), cmd.ProcessState)
			}

		case <-timeout:
			log.Debug("inactivity timeout", zap.Duration("timeout", cfg.Timeout), zap.String("cmd", command))
			abort(cmd, chunks)
			return nil, &connector.TimeoutError{Command: command, Timeout: cfg.Timeout}

		case <-ctx.Done():
			abort(cmd, chunks)
			return nil, ctx.Err()
		}
	}

	_ = stdin.Close()
	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to wait for %s: %w", argv[0], err)
		}
	}
	return exitResult(out.String(), errOut.String(), cmd.ProcessState)
}

func exitResult(stdout, stderr string, state *os.ProcessState) (*connector.Result, error) {
	return &connector.Result{
		Stdout:   stdout,
		Stderr:   stderr,
		ExitCode: state.ExitCode(),
	}, nil
}

// answerPrompt writes the password when text holds a sudo prompt. It returns
// false when the process must be killed because no password can be given.
func answerPrompt(text string, stdin io.Writer, pw *Password) bool {
	if passwordRetry.MatchString(text) {
		pw.Forget()
		if !pw.Interactive() {
			return false
		}
	}
	if !passwordPrompt.MatchString(text) {
		return true
	}
	value, ok := pw.Get(text)
	if !ok {
		return false
	}
	_, err := io.WriteString(stdin, value+"\n")
	return err == nil
}

// abort kills the process group, reaps the process and drains the readers.
func abort(cmd *exec.Cmd, chunks <-chan chunk) {
	if cmd.Process != nil {
		_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
		_ = cmd.Process.Kill()
	}
	_ = cmd.Wait()
	for range chunks {
	}
}

func readStream(stream connector.Stream, r io.Reader, chunks chan<- chunk, wg *sync.WaitGroup) {
	defer wg.Done()
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunks <- chunk{stream: stream, text: string(buf[:n])}
		}
		if err != nil {
			return
		}
	}
}
