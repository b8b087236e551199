package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/warden/internal/denial"
	"github.com/jkaninda/warden/internal/envutil"
)

// spawn starts pl and fills res with its outcome. Three activities run
// while the child is alive: a reader per stream and the timeout watchdog.
// All three are joined before spawn returns.
func (e *Executor) spawn(ctx context.Context, pl *plan, res *Result) {
	path, err := lookPath(pl.argv[0], pl.env["PATH"], pl.cwd)
	if err != nil {
		res.DeniedReason = denial.SpawnFailed(spawnCause(err))
		return
	}

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		res.DeniedReason = denial.SpawnFailed(spawnCause(err))
		return
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		_ = stdoutR.Close()
		_ = stdoutW.Close()
		res.DeniedReason = denial.SpawnFailed(spawnCause(err))
		return
	}
	defer stdoutR.Close()
	defer stderrR.Close()

	cmd := &exec.Cmd{
		Path:   path,
		Args:   pl.argv,
		Dir:    pl.cwd,
		Env:    envutil.ToList(pl.env),
		Stdin:  nil, // /dev/null
		Stdout: stdoutW,
		Stderr: stderrW,
	}
	setProcessGroup(cmd)

	if e.onSpawn != nil {
		e.onSpawn(pl.argv)
	}
	start := time.Now()
	err = cmd.Start()
	// The child holds its own copies of the write ends.
	_ = stdoutW.Close()
	_ = stderrW.Close()
	if err != nil {
		res.DeniedReason = denial.SpawnFailed(spawnCause(err))
		return
	}
	res.Spawned = true

	stdout := &cappedBuffer{limit: pl.maxOutput}
	stderr := &cappedBuffer{limit: pl.maxOutput}
	exited := make(chan struct{})
	var timedOut, cancelled bool

	var g errgroup.Group
	g.Go(func() error { return drain(stdoutR, stdout) })
	g.Go(func() error { return drain(stderrR, stderr) })
	g.Go(func() error {
		timer := time.NewTimer(pl.timeout)
		defer timer.Stop()
		select {
		case <-exited:
			return nil
		case <-timer.C:
			timedOut = true
		case <-ctx.Done():
			cancelled = true
		}
		e.stop(cmd.Process, exited)
		return nil
	})

	waitErr := cmd.Wait()
	res.Duration = time.Since(start)
	close(exited)

	// Descendants may still hold the pipes; bound how long we wait for EOF.
	deadline := time.Now().Add(e.drainTimeout)
	_ = stdoutR.SetReadDeadline(deadline)
	_ = stderrR.SetReadDeadline(deadline)
	if err := g.Wait(); err != nil {
		e.logger.Warn("output drain incomplete",
			slog.String("request_id", res.RequestID),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, errDrainDeadline) {
			_ = killGroup(cmd.Process)
		}
	}

	if state := cmd.ProcessState; state != nil {
		code := exitStatus(state)
		res.ExitCode = &code
	} else if waitErr != nil {
		res.DeniedReason = denial.SpawnFailed(spawnCause(waitErr))
	}

	res.Stdout = stdout.Bytes()
	res.Stderr = stderr.Bytes()
	res.StdoutTruncated = stdout.truncated
	res.StderrTruncated = stderr.truncated
	res.TimedOut = timedOut
	if cancelled {
		res.DeniedReason = denial.Cancelled
	}
}

// stop asks the process group to terminate and force-kills it if it is
// still alive after the grace period.
func (e *Executor) stop(p *os.Process, exited <-chan struct{}) {
	if err := terminateGroup(p); err != nil {
		e.logger.Debug("terminate failed", slog.Int("pid", p.Pid), slog.String("error", err.Error()))
	}
	grace := time.NewTimer(e.killGrace)
	defer grace.Stop()
	select {
	case <-exited:
		return
	case <-grace.C:
	}
	if err := killGroup(p); err != nil {
		e.logger.Debug("kill failed", slog.Int("pid", p.Pid), slog.String("error", err.Error()))
	}
}

var errDrainDeadline = errors.New("output pipe still open after exit")

// drain copies r into buf until EOF or the read deadline.
func drain(r io.Reader, buf *cappedBuffer) error {
	_, err := io.Copy(buf, r)
	switch {
	case err == nil, errors.Is(err, os.ErrClosed):
		return nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return errDrainDeadline
	default:
		return err
	}
}

// cappedBuffer keeps the first limit bytes written to it and silently
// discards the rest, recording that it did.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	remaining := b.limit - b.buf.Len()
	switch {
	case remaining <= 0:
		if len(p) > 0 {
			b.truncated = true
		}
	case len(p) > remaining:
		b.buf.Write(p[:remaining])
		b.truncated = true
	default:
		b.buf.Write(p)
	}
	return len(p), nil
}

// Bytes returns the captured bytes; never nil.
func (b *cappedBuffer) Bytes() []byte {
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}

// lookPath resolves file against the child's PATH rather than the host's.
// Names containing a separator are taken relative to dir. Empty and
// relative PATH entries are skipped.
func lookPath(file, pathList, dir string) (string, error) {
	if strings.ContainsAny(file, `/\`) {
		p := file
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}
		if err := checkExecutable(p); err != nil {
			return "", &exec.Error{Name: file, Err: err}
		}
		return p, nil
	}
	for _, d := range filepath.SplitList(pathList) {
		if d == "" || !filepath.IsAbs(d) {
			continue
		}
		p := filepath.Join(d, file)
		if checkExecutable(p) == nil {
			return p, nil
		}
	}
	return "", &exec.Error{Name: file, Err: exec.ErrNotFound}
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() || info.Mode()&0o111 == 0 {
		return fs.ErrPermission
	}
	return nil
}

// spawnCause renders err as the detail of a SpawnFailed reason.
func spawnCause(err error) string {
	var execErr *exec.Error
	switch {
	case errors.As(err, &execErr) && errors.Is(execErr.Err, exec.ErrNotFound):
		return "not found: " + execErr.Name
	case errors.Is(err, fs.ErrPermission):
		return "permission denied"
	case errors.Is(err, fs.ErrNotExist):
		return "no such file or directory"
	default:
		return err.Error()
	}
}

func exitCodeAttr(code *int) slog.Attr {
	if code == nil {
		return slog.String("exit_code", "none")
	}
	return slog.Int("exit_code", *code)
}
