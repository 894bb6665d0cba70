package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sprintconnect/authsession/internal/config"
	"github.com/sprintconnect/authsession/internal/fakebackend"
	"github.com/sprintconnect/authsession/internal/server"
)

func writeConfig(t *testing.T, fb *fakebackend.Backend) string {
	t.Helper()
	dir := t.TempDir()

	data := fmt.Sprintf(`backend:
  url: %s
store:
  type: file
  file:
    dir: %s
id_token:
  issuer: %s
  client_id: %s
logging:
  level: error
`, fb.URL(), filepath.Join(dir, "store"), fb.URL(), fb.ClientID())

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

// signIn completes a login against the file store the CLI will read.
func signIn(t *testing.T, fb *fakebackend.Backend, configPath string) {
	t.Helper()
	ctx := context.Background()

	cfg, err := config.Load(configPath)
	require.NoError(t, err)

	sess, err := server.OpenSession(ctx, *cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer sess.Close()

	authURL, err := sess.Manager.Login(ctx, "")
	require.NoError(t, err)
	u, err := url.Parse(authURL)
	require.NoError(t, err)
	state := u.Query().Get("state")

	code, err := fb.Authorize(state)
	require.NoError(t, err)
	_, err = sess.Manager.HandleCallback(ctx, code, state, "")
	require.NoError(t, err)
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer

	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)

	err := cmd.Execute()
	return out.String(), err
}

func TestCLI_SessionLifecycle(t *testing.T) {
	fb, err := fakebackend.Start()
	require.NoError(t, err)
	t.Cleanup(fb.Close)

	configPath := writeConfig(t, fb)

	out, err := run(t, "status", "-c", configPath)
	assert.ErrorIs(t, err, errNotAuthenticated)
	assert.Contains(t, out, "Not signed in")

	signIn(t, fb, configPath)

	out, err = run(t, "status", "--config", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Signed in as")
	assert.Contains(t, out, "org-123")

	out, err = run(t, "refresh", "-c", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Session refreshed")
	assert.Equal(t, 1, fb.Calls("/auth/refresh"))

	out, err = run(t, "status", "--json", "-c", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, `"authenticated": true`)

	out, err = run(t, "logout", "-c", configPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Signed out")
	assert.Contains(t, out, fb.URL()+fakebackend.PathEndSess)

	_, err = run(t, "status", "-c", configPath)
	assert.ErrorIs(t, err, errNotAuthenticated)

	_, err = run(t, "refresh", "-c", configPath)
	assert.ErrorIs(t, err, errNotAuthenticated)
}

func TestCLI_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("backend:\n  url: not-a-url\n"), 0o600))

	_, err := run(t, "status", "-c", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")

	_, err = run(t, "status", "-c", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load config")
}

func TestCLI_Version(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "authsession version "+version+"\n", out)

	out, err = run(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "authsession version "+version+"\n", out)
}
