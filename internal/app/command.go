package app

import (
	"context"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kballard/go-shellquote"

	"syncedcron/internal/scheduler"
)

// outputTail is how much combined stdout/stderr a command result keeps.
const outputTail = 4 << 10

// CommandResult is stored as the record result of a command job.
type CommandResult struct {
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output,omitempty"`
	TookMS   int64  `json:"tookMs"`
}

// commandJob turns a shell-style command line into a job body. The command
// gets SYNCEDCRON_JOB and SYNCEDCRON_INTENDED_AT in its environment and is
// killed when the job context ends.
func commandJob(command, dir string) (scheduler.JobFunc, error) {
	argv, err := shellquote.Split(command)
	if err != nil {
		return nil, errors.Wrap(err, "parse command")
	}
	if len(argv) == 0 {
		return nil, errors.New("empty command")
	}

	return func(ctx context.Context, intendedAt time.Time, name string) (any, error) {
		cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"SYNCEDCRON_JOB="+name,
			"SYNCEDCRON_INTENDED_AT="+intendedAt.UTC().Format(time.RFC3339),
		)
		out := &tailBuffer{max: outputTail}
		cmd.Stdout = out
		cmd.Stderr = out

		start := time.Now()
		runErr := cmd.Run()
		res := CommandResult{
			ExitCode: -1,
			Output:   out.String(),
			TookMS:   time.Since(start).Milliseconds(),
		}
		if cmd.ProcessState != nil {
			res.ExitCode = cmd.ProcessState.ExitCode()
		}
		if runErr != nil {
			if tail := strings.TrimSpace(res.Output); tail != "" {
				return res, errors.Wrapf(runErr, "%s: %s", argv[0], lastLine(tail))
			}
			return res, errors.Wrap(runErr, argv[0])
		}
		return res, nil
	}, nil
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
	cut bool
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
		b.cut = true
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cut {
		return "..." + string(b.buf)
	}
	return string(b.buf)
}
