// Package postgres launches pg_dump and exposes its output as a stream.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/fgeck/pgdump-relay/internal/models"
	"github.com/rs/zerolog"
)

// PostgreSQL dump format constants.
const (
	FormatCustom = "custom"
	FormatPlain  = "plain"
	FormatTar    = "tar"
)

// DefaultBinary is the dump tool invoked when none is configured.
const DefaultBinary = "pg_dump"

// ErrLaunch is returned when the dump process cannot be started.
var ErrLaunch = errors.New("dump launch failed")

// Service defines the interface for PostgreSQL dump operations.
type Service interface {
	Start(ctx context.Context, cfg models.PostgresConfig, database string) (*DumpStream, error)
}

// Process is a started dump process.
type Process interface {
	// Stdout is the artifact byte stream.
	Stdout() io.ReadCloser
	// Kill terminates the process. It is safe to call after exit.
	Kill() error
	// Wait blocks until the process exits and returns its exit code
	// (-1 if it was killed by a signal).
	Wait() (int, error)
}

// CommandExecutor allows mocking exec.Command in tests.
type CommandExecutor interface {
	StartWithEnv(ctx context.Context, env []string, stderr io.Writer, name string, args ...string) (Process, error)
}

// DefaultExecutor is the default command executor using os/exec.
type DefaultExecutor struct{}

// StartWithEnv starts name with env appended to the current environment.
// The process is killed when ctx is done.
func (e *DefaultExecutor) StartWithEnv(ctx context.Context, env []string, stderr io.Writer, name string, args ...string) (Process, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Stderr = stderr
	// Do not hang in Wait if a grandchild keeps stderr open.
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %w", ErrLaunch, err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLaunch, err)
	}

	return &execProcess{cmd: cmd, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (p *execProcess) Stdout() io.ReadCloser {
	return p.stdout
}

func (p *execProcess) Kill() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	code := -1
	if p.cmd.ProcessState != nil {
		code = p.cmd.ProcessState.ExitCode()
	}
	return code, err
}

// Impl implements the PostgreSQL Service interface.
type Impl struct {
	executor CommandExecutor
	logger   zerolog.Logger
}

// New creates a new PostgreSQL service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		executor: &DefaultExecutor{},
		logger:   logger,
	}
}

// NewWithExecutor creates a new PostgreSQL service with a custom executor (for testing).
func NewWithExecutor(logger zerolog.Logger, executor CommandExecutor) *Impl {
	return &Impl{
		executor: executor,
		logger:   logger,
	}
}

// Start launches pg_dump for database. The caller owns the returned stream
// and must Close it. Cancelling ctx kills the process.
func (s *Impl) Start(ctx context.Context, cfg models.PostgresConfig, database string) (*DumpStream, error) {
	binary := cfg.Binary
	if binary == "" {
		binary = DefaultBinary
	}

	s.logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", database).
		Str("format", cfg.Format).
		Msg("starting PostgreSQL dump")

	stderr := newTailBuffer(stderrTailSize)
	proc, err := s.executor.StartWithEnv(ctx, BuildEnv(cfg), stderr, binary, BuildArgs(cfg, database)...)
	if err != nil {
		if !errors.Is(err, ErrLaunch) {
			err = fmt.Errorf("%w: %w", ErrLaunch, err)
		}
		return nil, err
	}

	return newDumpStream(database, proc, stderr, s.logger), nil
}

// BuildArgs returns the pg_dump arguments for database. Every value is a
// discrete argument; nothing is passed through a shell.
func BuildArgs(cfg models.PostgresConfig, database string) []string {
	args := []string{
		"-h", cfg.Host,
		"-p", strconv.Itoa(cfg.Port),
		"-U", cfg.Username,
		"-d", database,
		"-w", // never prompt for a password
	}

	// Add format flag
	switch cfg.Format {
	case FormatPlain:
		args = append(args, "-Fp")
	case FormatTar:
		args = append(args, "-Ft")
	default:
		args = append(args, "-Fc")
	}

	args = append(args, "-Z", strconv.Itoa(cfg.Compression))
	return args
}

// BuildEnv returns the environment carrying the connection secret.
func BuildEnv(cfg models.PostgresConfig) []string {
	env := []string{}
	if cfg.Password != "" {
		env = append(env, fmt.Sprintf("PGPASSWORD=%s", cfg.Password))
	}
	return env
}

// OutputFilename returns the attachment filename for a dump of database
// taken at now, e.g. app_20240102T030405Z.dump.
func OutputFilename(database string, now time.Time) string {
	return fmt.Sprintf("%s_%s.dump", database, now.UTC().Format("20060102T150405Z"))
}
