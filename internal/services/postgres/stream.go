package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fgeck/pgdump-relay/internal/models"
	"github.com/rs/zerolog"
)

const (
	// ChunkSize is the maximum size of a chunk returned by Next.
	ChunkSize      = 64 * 1024
	stderrTailSize = 4 * 1024
)

// DumpStream is the output of one running dump process.
//
// It is owned by a single request and is not safe for concurrent use.
// Close releases the process exactly once.
type DumpStream struct {
	database string
	proc     Process
	stdout   io.ReadCloser
	stderr   *tailBuffer
	logger   zerolog.Logger

	buf     []byte
	pending []byte // first chunk read by Prime
	start   time.Time
	sent    int64 // bytes accepted by the Pump writer
	readErr error // io.EOF once output ended naturally
	stopErr error // set when the consumer stopped early
	aborted bool

	once   sync.Once
	result *models.DumpResult
}

func newDumpStream(database string, proc Process, stderr *tailBuffer, logger zerolog.Logger) *DumpStream {
	return &DumpStream{
		database: database,
		proc:     proc,
		stdout:   proc.Stdout(),
		stderr:   stderr,
		logger:   logger,
		buf:      make([]byte, ChunkSize),
		start:    time.Now(),
	}
}

// Database returns the database being dumped.
func (d *DumpStream) Database() string {
	return d.database
}

// Next returns the next chunk of output, or io.EOF at the end.
// The chunk is only valid until the next call.
func (d *DumpStream) Next() ([]byte, error) {
	if d.pending != nil {
		chunk := d.pending
		d.pending = nil
		return chunk, nil
	}
	if d.readErr != nil {
		return nil, d.readErr
	}
	for {
		n, err := d.stdout.Read(d.buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				d.readErr = io.EOF
			} else {
				d.readErr = fmt.Errorf("reading dump output: %w", err)
			}
		}
		if n > 0 {
			return d.buf[:n], nil
		}
		if d.readErr != nil {
			return nil, d.readErr
		}
	}
}

// Prime blocks until the process produced its first chunk or its output
// ended. It returns nil when output is available, io.EOF when the process
// closed stdout without writing anything, and the read or context error
// otherwise. The primed chunk is returned by the next call to Next.
func (d *DumpStream) Prime(ctx context.Context) error {
	chunk, err := d.Next()
	if err != nil {
		if errors.Is(err, io.EOF) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				d.stop(ctxErr, true)
				return ctxErr
			}
		}
		return err
	}
	d.pending = chunk
	return nil
}

// Pump copies chunks to w until the output ends, a read or write fails, or
// ctx is done. flush, if non-nil, is called after every chunk.
func (d *DumpStream) Pump(ctx context.Context, w io.Writer, flush func()) (int64, error) {
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			d.stop(err, true)
			return written, err
		}

		chunk, err := d.Next()
		if errors.Is(err, io.EOF) {
			// A cancelled context kills the process, which also ends the output.
			if ctxErr := ctx.Err(); ctxErr != nil {
				d.stop(ctxErr, true)
				return written, ctxErr
			}
			return written, nil
		}
		if err != nil {
			return written, err
		}

		n, err := w.Write(chunk)
		written += int64(n)
		d.sent += int64(n)
		if err != nil {
			err = fmt.Errorf("writing dump output: %w", err)
			d.stop(err, ctx.Err() != nil)
			return written, err
		}
		if flush != nil {
			flush()
		}
	}
}

func (d *DumpStream) stop(err error, aborted bool) {
	if d.stopErr == nil {
		d.stopErr = err
		d.aborted = aborted
	}
}

// Close releases the pipe and the process. Unless the output ended
// naturally, the process is killed first. It is idempotent and always
// returns the same result.
func (d *DumpStream) Close() *models.DumpResult {
	d.once.Do(func() {
		natural := errors.Is(d.readErr, io.EOF)
		if !natural {
			if err := d.proc.Kill(); err != nil {
				d.logger.Warn().Err(err).Str("database", d.database).Msg("failed to kill pg_dump")
			}
		}
		_ = d.stdout.Close()
		code, waitErr := d.proc.Wait()

		d.result = d.classify(natural, code, waitErr)
		d.log(d.result)
	})
	return d.result
}

func (d *DumpStream) classify(natural bool, code int, waitErr error) *models.DumpResult {
	res := &models.DumpResult{
		Database:  d.database,
		BytesSent: d.sent,
		Duration:  time.Since(d.start),
		ExitCode:  code,
		Stderr:    d.stderr.String(),
	}

	switch {
	case d.stopErr != nil && d.aborted:
		res.Outcome = models.DumpAborted
		res.Error = d.stopErr
	case d.stopErr != nil:
		res.Outcome = models.DumpStreamError
		res.Error = d.stopErr
	case d.readErr != nil && !natural:
		res.Outcome = models.DumpStreamError
		res.Error = d.readErr
	case natural && code == 0 && waitErr == nil:
		res.Outcome = models.DumpCompleted
	case natural:
		res.Outcome = models.DumpExitError
		res.Error = fmt.Errorf("pg_dump exited with code %d: %w", code, waitErr)
		if waitErr == nil {
			res.Error = fmt.Errorf("pg_dump exited with code %d", code)
		}
	default:
		// The consumer closed before the output ended.
		res.Outcome = models.DumpAborted
	}
	return res
}

func (d *DumpStream) log(res *models.DumpResult) {
	var event *zerolog.Event
	switch res.Outcome {
	case models.DumpCompleted:
		event = d.logger.Info()
	case models.DumpAborted:
		event = d.logger.Warn()
	default:
		event = d.logger.Error().Str("stderr", res.Stderr)
	}
	event.
		Err(res.Error).
		Str("database", res.Database).
		Str("outcome", string(res.Outcome)).
		Int("exit_code", res.ExitCode).
		Int64("size_bytes", res.BytesSent).
		Dur("duration", res.Duration).
		Msg("PostgreSQL dump finished")
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
