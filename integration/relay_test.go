//go:build integration

package integration

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/fgeck/pgdump-relay/internal/models"
	"github.com/fgeck/pgdump-relay/internal/services/auth"
	"github.com/fgeck/pgdump-relay/internal/services/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRelay(t *testing.T) (*httptest.Server, string) {
	t.Helper()

	pgCfg, database := getPostgresConfig(t)
	srv, err := server.New(testLogger(), models.RelayConfig{
		Access:           models.AccessConfig{Token: "integration-token"},
		Postgres:         pgCfg,
		AllowedDatabases: []string{database},
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, database
}

func TestRelay_StreamsDump_Integration(t *testing.T) {
	ts, database := newRelay(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/backup?db="+database, nil)
	require.NoError(t, err)
	req.Header.Set(auth.TokenHeader, "integration-token")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Regexp(t, `^attachment; filename=`+database+`_\d{8}T\d{6}Z\.dump$`, resp.Header.Get("Content-Disposition"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(body, []byte("PGDMP")))
}

func TestRelay_RejectsWrongToken_Integration(t *testing.T) {
	ts, database := newRelay(t)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/backup?db="+database, nil)
	require.NoError(t, err)
	req.Header.Set(auth.TokenHeader, "wrong")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
