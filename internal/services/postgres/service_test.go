package postgres

import (
	"context"
	"errors"
	"io"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/fgeck/pgdump-relay/internal/models"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockExecutor struct {
	startFunc func(ctx context.Context, env []string, stderr io.Writer, name string, args ...string) (Process, error)
}

func (m *mockExecutor) StartWithEnv(ctx context.Context, env []string, stderr io.Writer, name string, args ...string) (Process, error) {
	if m.startFunc != nil {
		return m.startFunc(ctx, env, stderr, name, args...)
	}
	return newFakeProcess(""), nil
}

func testLogger() zerolog.Logger {
	return zerolog.New(io.Discard)
}

func testConfig() models.PostgresConfig {
	return models.PostgresConfig{
		Host:        "localhost",
		Port:        5432,
		Username:    "postgres",
		Password:    "secret",
		Format:      "custom",
		Compression: 6,
	}
}

func TestBuildArgs(t *testing.T) {
	args := BuildArgs(testConfig(), "testdb")

	assert.Equal(t, []string{
		"-h", "localhost",
		"-p", "5432",
		"-U", "postgres",
		"-d", "testdb",
		"-w",
		"-Fc",
		"-Z", "6",
	}, args)

	for _, a := range args {
		assert.NotContains(t, a, "secret")
	}
}

func TestBuildArgs_Formats(t *testing.T) {
	tests := []struct {
		format string
		flag   string
	}{
		{"custom", "-Fc"},
		{"plain", "-Fp"},
		{"tar", "-Ft"},
		{"", "-Fc"},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			cfg := testConfig()
			cfg.Format = tt.format
			assert.Contains(t, BuildArgs(cfg, "db"), tt.flag)
		})
	}
}

func TestBuildArgs_DatabaseIsDiscreteArgument(t *testing.T) {
	args := BuildArgs(testConfig(), "my db; drop")
	assert.Contains(t, args, "my db; drop")
}

func TestBuildEnv(t *testing.T) {
	assert.Equal(t, []string{"PGPASSWORD=secret"}, BuildEnv(testConfig()))

	cfg := testConfig()
	cfg.Password = ""
	assert.Empty(t, BuildEnv(cfg))
}

func TestStart_Success(t *testing.T) {
	var capturedName string
	var capturedArgs []string
	var capturedEnv []string

	executor := &mockExecutor{
		startFunc: func(ctx context.Context, env []string, stderr io.Writer, name string, args ...string) (Process, error) {
			capturedName = name
			capturedArgs = args
			capturedEnv = env
			return newFakeProcess("dump-bytes"), nil
		},
	}

	svc := NewWithExecutor(testLogger(), executor)
	stream, err := svc.Start(context.Background(), testConfig(), "testdb")
	require.NoError(t, err)
	require.NotNil(t, stream)
	defer stream.Close()

	assert.Equal(t, "testdb", stream.Database())
	assert.Equal(t, "pg_dump", capturedName)
	assert.Contains(t, capturedArgs, "testdb")
	assert.Contains(t, capturedEnv, "PGPASSWORD=secret")
}

func TestStart_CustomBinary(t *testing.T) {
	var capturedName string
	executor := &mockExecutor{
		startFunc: func(ctx context.Context, env []string, stderr io.Writer, name string, args ...string) (Process, error) {
			capturedName = name
			return newFakeProcess(""), nil
		},
	}

	cfg := testConfig()
	cfg.Binary = "/usr/lib/postgresql/16/bin/pg_dump"

	stream, err := NewWithExecutor(testLogger(), executor).Start(context.Background(), cfg, "db")
	require.NoError(t, err)
	stream.Close()

	assert.Equal(t, cfg.Binary, capturedName)
}

func TestStart_LaunchError(t *testing.T) {
	executor := &mockExecutor{
		startFunc: func(ctx context.Context, env []string, stderr io.Writer, name string, args ...string) (Process, error) {
			return nil, errors.New("executable file not found")
		},
	}

	stream, err := NewWithExecutor(testLogger(), executor).Start(context.Background(), testConfig(), "db")
	require.Error(t, err)
	assert.Nil(t, stream)
	assert.True(t, errors.Is(err, ErrLaunch))
	assert.Contains(t, err.Error(), "executable file not found")
}

func TestOutputFilename(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "app_20240102T020405Z.dump", OutputFilename("app", at))

	name := OutputFilename("app", time.Now())
	assert.Regexp(t, regexp.MustCompile(`^app_\d{8}T\d{6}Z\.dump$`), name)
}

func TestDefaultExecutor_MissingBinary(t *testing.T) {
	executor := &DefaultExecutor{}

	_, err := executor.StartWithEnv(context.Background(), nil, io.Discard, "definitely-not-a-real-binary-xyz")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLaunch))
}

func TestDefaultExecutor_StreamsStdoutAndCapturesStderr(t *testing.T) {
	executor := &DefaultExecutor{}
	stderr := newTailBuffer(stderrTailSize)

	proc, err := executor.StartWithEnv(
		context.Background(),
		[]string{"PGPASSWORD=from-env"},
		stderr,
		"sh",
		"-c", `printf "%s" "$PGPASSWORD"; echo 'error message' >&2`,
	)
	require.NoError(t, err)

	stream := newDumpStream("db", proc, stderr, testLogger())
	var out strings.Builder
	_, err = stream.Pump(context.Background(), &out, nil)
	require.NoError(t, err)

	res := stream.Close()
	assert.Equal(t, "from-env", out.String())
	assert.Equal(t, models.DumpCompleted, res.Outcome)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Stderr, "error message")
	assert.NotContains(t, out.String(), "error message")
}
