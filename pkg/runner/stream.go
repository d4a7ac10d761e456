package runner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/openfroyo/deployer/pkg/engine"
	"github.com/openfroyo/deployer/pkg/telemetry"
)

// Stream is a running tool process whose output is delivered line by line.
// The line channel closes when the process exits; Wait then reports the
// result.
type Stream struct {
	lines  chan string
	done   chan struct{}
	result *engine.CommandResult
	err    error
}

// Lines returns the channel of decoded output lines.
func (s *Stream) Lines() <-chan string {
	return s.lines
}

// Wait drains any unread lines and blocks until the process has exited.
func (s *Stream) Wait() (*engine.CommandResult, error) {
	for range s.lines {
	}
	<-s.done
	return s.result, s.err
}

// Stream starts the tool with args and returns its line stream. Stdout and
// stderr are merged. The caller must consume Lines or call Wait.
func (r *Runner) Stream(ctx context.Context, args ...string) (*Stream, error) {
	command := subcommand(args)
	ctx, span := r.startSpan(ctx, command)

	inv, err := r.prepare(ctx, command, args)
	if err != nil {
		telemetry.RecordError(span, err)
		span.End()
		return nil, err
	}

	pr, pw := io.Pipe()
	inv.cmd.Stdout = pw
	inv.cmd.Stderr = pw

	start := time.Now()
	if err := inv.cmd.Start(); err != nil {
		inv.close()
		_ = pw.Close()
		if errors.Is(err, exec.ErrNotFound) {
			err = toolNotInstalled(r.binary, err)
		} else {
			err = engine.NewPermanentError("failed to start "+r.binary, err).
				WithCode(engine.ErrCodeCommandFailed).WithOperation(command)
		}
		telemetry.RecordError(span, err)
		span.End()
		return nil, err
	}

	s := &Stream{
		lines: make(chan string, 64),
		done:  make(chan struct{}),
	}

	waitErr := make(chan error, 1)
	go func() {
		err := inv.cmd.Wait()
		_ = pw.Close()
		waitErr <- err
	}()

	go func() {
		defer close(s.done)
		defer span.End()
		defer inv.close()

		var out strings.Builder
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			out.WriteString(line)
			out.WriteByte('\n')
			s.lines <- line
		}
		if scanner.Err() != nil {
			// Keep the process from blocking on a full pipe.
			_, _ = io.Copy(io.Discard, pr)
		}
		close(s.lines)

		runErr := <-waitErr
		s.result = r.finish(command, out.String(), time.Since(start), runErr)
		s.err = r.classify(inv.ctx, command, s.result, runErr)
		if s.err != nil {
			telemetry.RecordError(span, s.err)
		}
	}()

	return s, nil
}
