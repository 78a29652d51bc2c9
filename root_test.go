package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/tonimelisma/thumbphoto/internal/auth"
	"github.com/tonimelisma/thumbphoto/internal/config"
	"github.com/tonimelisma/thumbphoto/internal/graph"
	"github.com/tonimelisma/thumbphoto/internal/tokenfile"
)

const (
	testTenant = "contoso.onmicrosoft.com"
	testUPN    = "alice@contoso.onmicrosoft.com"
)

// --- fake directory graph ---

type fakeDirectory struct {
	mu         sync.Mutex
	photo      []byte
	puts       int
	meCalls    int
	getStatus  int // when non-zero, GETs fail with this status
	putStatus  int // when non-zero, PUTs fail with this status
	lastPath   string
	lastBearer string
}

func newFakeDirectory(t *testing.T) (*fakeDirectory, *httptest.Server) {
	t.Helper()

	fd := &fakeDirectory{}
	srv := httptest.NewServer(http.HandlerFunc(fd.serve))
	t.Cleanup(srv.Close)

	return fd, srv
}

func (fd *fakeDirectory) serve(w http.ResponseWriter, r *http.Request) {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	fd.lastBearer = r.Header.Get("Authorization")

	if r.URL.Path == "/me" {
		fd.meCalls++
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"objectId":"0b1c","userPrincipalName":"`+testUPN+`","displayName":"Alice"}`)

		return
	}

	if !strings.HasSuffix(r.URL.Path, "/thumbnailPhoto") {
		http.NotFound(w, r)
		return
	}

	fd.lastPath = r.URL.EscapedPath()

	switch r.Method {
	case http.MethodGet:
		if fd.getStatus != 0 {
			w.WriteHeader(fd.getStatus)
			return
		}

		if len(fd.photo) == 0 {
			w.WriteHeader(http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(fd.photo)
	case http.MethodPut:
		fd.puts++

		if fd.putStatus != 0 {
			w.WriteHeader(fd.putStatus)
			return
		}

		fd.photo, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (fd *fakeDirectory) state() (photo []byte, puts, meCalls int) {
	fd.mu.Lock()
	defer fd.mu.Unlock()

	return fd.photo, fd.puts, fd.meCalls
}

// --- CLI harness ---

// setupCLIEnv isolates HOME and XDG directories, writes a config pointing at
// graphURL, and returns the config path. With signedIn, a valid oauth2 token
// is saved where the oauth2 backend looks for it.
func setupCLIEnv(t *testing.T, graphURL string, signedIn bool) string {
	t.Helper()

	root := t.TempDir()
	t.Setenv("HOME", filepath.Join(root, "home"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(root, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(root, "data"))
	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvTenantID, "")
	t.Setenv(config.EnvAuthBackend, "")

	cfgPath := filepath.Join(root, "config.toml")
	content := `tenant_id = "` + testTenant + `"
graph_base_url = "` + graphURL + `"
auth_backend = "oauth2"
max_retries = 0
log_level = "error"
`
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0o600))

	if signedIn {
		tok := &oauth2.Token{
			AccessToken:  "test-access-token",
			RefreshToken: "test-refresh-token",
			TokenType:    "Bearer",
			Expiry:       time.Now().Add(time.Hour),
		}

		require.NoError(t, tokenfile.Save(testTokenPath(), tok, map[string]string{
			tokenfile.MetaAccountID: "acct-1",
			tokenfile.MetaTenant:    testTenant,
		}))
	}

	return cfgPath
}

func testTokenPath() string {
	return filepath.Join(config.DefaultDataDir(), "token.json")
}

// runCLI executes the root command with args and returns its stdout.
func runCLI(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{"--config", cfgPath, "--quiet"}, args...))

	err := cmd.Execute()

	return out.String(), err
}

type historyRow struct {
	Kind       string `json:"kind"`
	Outcome    string `json:"outcome"`
	Principal  string `json:"principal"`
	Tenant     string `json:"tenant"`
	HTTPStatus int    `json:"http_status"`
	Size       int64  `json:"size"`
	SHA256     string `json:"sha256"`
}

func readHistory(t *testing.T, cfgPath string) []historyRow {
	t.Helper()

	out, err := runCLI(t, cfgPath, "history", "--json")
	require.NoError(t, err)

	var rows []historyRow
	require.NoError(t, json.Unmarshal([]byte(out), &rows))

	return rows
}

// --- buildLogger ---

func TestBuildLogger_Default(t *testing.T) {
	logger := buildLogger(nil, CLIFlags{})

	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelWarn))
	assert.False(t, logger.Handler().Enabled(context.Background(), slog.LevelInfo))
}

func TestBuildLogger_ConfigLevel(t *testing.T) {
	cfg := &config.Resolved{}
	cfg.LogLevel = "debug"

	logger := buildLogger(cfg, CLIFlags{})
	assert.True(t, logger.Handler().Enabled(context.Background(), slog.LevelDebug))
}

func TestBuildLogger_FlagsOverrideConfig(t *testing.T) {
	cfg := &config.Resolved{}
	cfg.LogLevel = "error"

	verbose := buildLogger(cfg, CLIFlags{Verbose: true})
	assert.True(t, verbose.Handler().Enabled(context.Background(), slog.LevelDebug))

	cfg.LogLevel = "debug"

	quiet := buildLogger(cfg, CLIFlags{Quiet: true})
	assert.False(t, quiet.Handler().Enabled(context.Background(), slog.LevelWarn))
	assert.True(t, quiet.Handler().Enabled(context.Background(), slog.LevelError))
}

func TestBuildLogger_JSONFormat(t *testing.T) {
	cfg := &config.Resolved{}
	cfg.LogFormat = "json"

	logger := buildLogger(cfg, CLIFlags{})
	_, ok := logger.Handler().(*slog.JSONHandler)
	assert.True(t, ok, "log_format = json should produce a JSON handler")
}

// --- command wiring ---

func TestNewRootCmd_Subcommands(t *testing.T) {
	cmd := newRootCmd()

	want := []string{"login", "logout", "whoami", "get", "upload", "delete", "watch", "history", "config"}
	for _, name := range want {
		sub, _, err := cmd.Find([]string{name})
		require.NoError(t, err)
		assert.Equal(t, name, sub.Name())
	}
}

func TestLenientConfigCommands_UseCommandPath(t *testing.T) {
	cmd := newRootCmd()

	for _, args := range [][]string{{"config", "show"}, {"history"}} {
		sub, _, err := cmd.Find(args)
		require.NoError(t, err)
		assert.True(t, lenientConfigCommands[sub.CommandPath()], "%q should be lenient", sub.CommandPath())
	}

	get, _, err := cmd.Find([]string{"get"})
	require.NoError(t, err)
	assert.False(t, lenientConfigCommands[get.CommandPath()])
}

func TestMustCLIContext_PanicsWhenMissing(t *testing.T) {
	assert.Panics(t, func() { mustCLIContext(context.Background()) })
}

func TestFriendlyError(t *testing.T) {
	authErr := &auth.AuthError{Mode: auth.ModeSilent, Err: errors.New("refresh token expired")}
	assert.Contains(t, friendlyError(authErr).Error(), "thumbphoto login")
	assert.ErrorIs(t, friendlyError(authErr), auth.ErrAuthFailure)

	forbidden := &graph.GraphError{StatusCode: http.StatusForbidden, Message: "denied", Err: graph.ErrForbidden}
	assert.Contains(t, friendlyError(forbidden).Error(), "permission")

	plain := errors.New("boom")
	assert.Equal(t, plain, friendlyError(plain))
}

// --- config loading through the root command ---

func TestMissingTenant_IsConfigError(t *testing.T) {
	_, srv := newFakeDirectory(t)
	setupCLIEnv(t, srv.URL, false)

	empty := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(empty, []byte("log_level = \"error\"\n"), 0o600))

	_, err := runCLI(t, empty, "get", "-o", filepath.Join(t.TempDir(), "photo"))
	require.Error(t, err)

	var cfgErr *config.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "tenant_id", cfgErr.Key)
}

func TestTenantFlag_OverridesConfig(t *testing.T) {
	fd, srv := newFakeDirectory(t)
	cfgPath := setupCLIEnv(t, srv.URL, true)

	_, err := runCLI(t, cfgPath, "--tenant", "fabrikam.onmicrosoft.com", "get", "-o", filepath.Join(t.TempDir(), "p"))
	require.NoError(t, err)

	fd.mu.Lock()
	defer fd.mu.Unlock()
	assert.Equal(t, "/fabrikam.onmicrosoft.com/users/alice%40contoso.onmicrosoft.com/thumbnailPhoto", fd.lastPath)
}

func TestConfigShow_WorksWithoutTenant(t *testing.T) {
	_, srv := newFakeDirectory(t)
	setupCLIEnv(t, srv.URL, false)

	empty := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(empty, []byte("log_level = \"error\"\n"), 0o600))

	out, err := runCLI(t, empty, "config", "show")
	require.NoError(t, err)
	assert.Contains(t, out, empty)
}

// --- photo commands ---

func TestGetCmd_NoPhoto(t *testing.T) {
	_, srv := newFakeDirectory(t)
	cfgPath := setupCLIEnv(t, srv.URL, true)
	outPath := filepath.Join(t.TempDir(), "photo.png")

	out, err := runCLI(t, cfgPath, "get", "-o", outPath, "--json")
	require.NoError(t, err)

	var res getOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.False(t, res.Present)

	_, statErr := os.Stat(outPath)
	assert.True(t, os.IsNotExist(statErr), "no file should be written for an absent photo")

	rows := readHistory(t, cfgPath)
	require.Len(t, rows, 1)
	assert.Equal(t, "get", rows[0].Kind)
	assert.Equal(t, "absent", rows[0].Outcome)
	assert.Equal(t, testUPN, rows[0].Principal)
	assert.Equal(t, testTenant, rows[0].Tenant)
}

func TestGetCmd_JSONNeedsOutputFile(t *testing.T) {
	_, srv := newFakeDirectory(t)
	cfgPath := setupCLIEnv(t, srv.URL, true)

	_, err := runCLI(t, cfgPath, "get", "--json")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "-o")
}

func TestGetCmd_WritesToStdout(t *testing.T) {
	fd, srv := newFakeDirectory(t)
	fd.photo = []byte("\x89PNG-bytes")
	cfgPath := setupCLIEnv(t, srv.URL, true)

	out, err := runCLI(t, cfgPath, "get")
	require.NoError(t, err)
	assert.Equal(t, "\x89PNG-bytes", out)

	fd.mu.Lock()
	defer fd.mu.Unlock()
	assert.Equal(t, "Bearer test-access-token", fd.lastBearer)
}

func TestUploadGetDelete_RoundTrip(t *testing.T) {
	fd, srv := newFakeDirectory(t)
	cfgPath := setupCLIEnv(t, srv.URL, true)
	dir := t.TempDir()

	data := bytes.Repeat([]byte{0xAB}, 1024)
	src := filepath.Join(dir, "me.png")
	require.NoError(t, os.WriteFile(src, data, 0o600))

	_, err := runCLI(t, cfgPath, "upload", src)
	require.NoError(t, err)

	photo, puts, _ := fd.state()
	assert.Equal(t, data, photo)
	assert.Equal(t, 1, puts)

	fetched := filepath.Join(dir, "fetched.png")
	out, err := runCLI(t, cfgPath, "get", "-o", fetched, "--json")
	require.NoError(t, err)

	var res getOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.True(t, res.Present)
	assert.Equal(t, 1024, res.Size)
	assert.Equal(t, hashPhoto(data), res.SHA256)

	got, err := os.ReadFile(fetched)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// Same bytes: no second PUT.
	_, err = runCLI(t, cfgPath, "upload", "--if-changed", src)
	require.NoError(t, err)

	_, puts, _ = fd.state()
	assert.Equal(t, 1, puts)

	_, err = runCLI(t, cfgPath, "delete")
	require.NoError(t, err)

	photo, puts, _ = fd.state()
	assert.Empty(t, photo)
	assert.Equal(t, 2, puts)

	rows := readHistory(t, cfgPath)
	require.Len(t, rows, 4)

	// Newest first.
	assert.Equal(t, "delete", rows[0].Kind)
	assert.Equal(t, "upload", rows[1].Kind)
	assert.Equal(t, "skipped", rows[1].Outcome)
	assert.Equal(t, "get", rows[2].Kind)
	assert.Equal(t, "success", rows[2].Outcome)
	assert.Equal(t, "upload", rows[3].Kind)
	assert.Equal(t, "success", rows[3].Outcome)
	assert.Equal(t, hashPhoto(data), rows[3].SHA256)
	assert.EqualValues(t, 1024, rows[3].Size)
}

func TestUploadCmd_EmptyFileRejected(t *testing.T) {
	fd, srv := newFakeDirectory(t)
	cfgPath := setupCLIEnv(t, srv.URL, true)

	src := filepath.Join(t.TempDir(), "empty.png")
	require.NoError(t, os.WriteFile(src, nil, 0o600))

	_, err := runCLI(t, cfgPath, "upload", src)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--allow-empty")

	_, puts, meCalls := fd.state()
	assert.Zero(t, puts)
	assert.Zero(t, meCalls, "rejected before any request")
}

func TestUploadCmd_AllowEmptyClearsPhoto(t *testing.T) {
	fd, srv := newFakeDirectory(t)
	fd.photo = []byte("old")
	cfgPath := setupCLIEnv(t, srv.URL, true)

	src := filepath.Join(t.TempDir(), "empty.png")
	require.NoError(t, os.WriteFile(src, nil, 0o600))

	_, err := runCLI(t, cfgPath, "upload", "--allow-empty", src)
	require.NoError(t, err)

	photo, puts, _ := fd.state()
	assert.Empty(t, photo)
	assert.Equal(t, 1, puts)
}

func TestUploadCmd_FailureRecorded(t *testing.T) {
	fd, srv := newFakeDirectory(t)
	fd.putStatus = http.StatusForbidden
	cfgPath := setupCLIEnv(t, srv.URL, true)

	src := filepath.Join(t.TempDir(), "me.png")
	require.NoError(t, os.WriteFile(src, []byte("png"), 0o600))

	_, err := runCLI(t, cfgPath, "upload", src)
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrForbidden)

	rows := readHistory(t, cfgPath)
	require.Len(t, rows, 1)
	assert.Equal(t, "failed", rows[0].Outcome)
	assert.Equal(t, http.StatusForbidden, rows[0].HTTPStatus)
}

func TestUploadCmd_IfChangedFetchFailureRecorded(t *testing.T) {
	fd, srv := newFakeDirectory(t)
	fd.getStatus = http.StatusForbidden
	cfgPath := setupCLIEnv(t, srv.URL, true)

	src := filepath.Join(t.TempDir(), "me.png")
	require.NoError(t, os.WriteFile(src, []byte("png"), 0o600))

	_, err := runCLI(t, cfgPath, "upload", "--if-changed", src)
	require.Error(t, err)
	assert.ErrorIs(t, err, graph.ErrForbidden)

	_, puts, _ := fd.state()
	assert.Zero(t, puts, "nothing is sent when the current photo cannot be read")

	rows := readHistory(t, cfgPath)
	require.Len(t, rows, 1)
	assert.Equal(t, "upload", rows[0].Kind)
	assert.Equal(t, "failed", rows[0].Outcome)
	assert.Equal(t, http.StatusForbidden, rows[0].HTTPStatus)
	assert.EqualValues(t, 3, rows[0].Size)
	assert.Equal(t, hashPhoto([]byte("png")), rows[0].SHA256)
}

func TestUploadCmd_Directory(t *testing.T) {
	_, srv := newFakeDirectory(t)
	cfgPath := setupCLIEnv(t, srv.URL, true)

	_, err := runCLI(t, cfgPath, "upload", t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "directory")
}

// --- auth commands ---

func TestWhoamiCmd_JSON(t *testing.T) {
	_, srv := newFakeDirectory(t)
	cfgPath := setupCLIEnv(t, srv.URL, true)

	out, err := runCLI(t, cfgPath, "whoami", "--json")
	require.NoError(t, err)

	var res whoamiOutput
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, testUPN, res.UserPrincipalName)
	assert.Equal(t, "0b1c", res.ObjectID)
	assert.Equal(t, testTenant, res.Tenant)
	assert.Equal(t, config.BackendOAuth2, res.Backend)

	// The oauth2 backend remembers who the token belongs to.
	_, meta, err := tokenfile.Load(testTokenPath())
	require.NoError(t, err)
	assert.Equal(t, testUPN, meta[tokenfile.MetaUsername])
}

func TestWhoamiCmd_Text(t *testing.T) {
	_, srv := newFakeDirectory(t)
	cfgPath := setupCLIEnv(t, srv.URL, true)

	out, err := runCLI(t, cfgPath, "whoami")
	require.NoError(t, err)
	assert.Contains(t, out, "Alice ("+testUPN+")")
	assert.Contains(t, out, testTenant)
}

func TestWhoamiCmd_NotSignedIn(t *testing.T) {
	fd, srv := newFakeDirectory(t)
	cfgPath := setupCLIEnv(t, srv.URL, false)

	_, err := runCLI(t, cfgPath, "whoami")
	require.ErrorIs(t, err, errNotSignedIn)

	_, _, meCalls := fd.state()
	assert.Zero(t, meCalls)
}

func TestLogoutCmd_RemovesToken(t *testing.T) {
	_, srv := newFakeDirectory(t)
	cfgPath := setupCLIEnv(t, srv.URL, true)

	_, err := runCLI(t, cfgPath, "logout")
	require.NoError(t, err)

	_, statErr := os.Stat(testTokenPath())
	assert.True(t, os.IsNotExist(statErr))

	// A second logout has nothing to do.
	_, err = runCLI(t, cfgPath, "logout")
	require.NoError(t, err)
}

func TestLoginCmd_AlreadySignedIn(t *testing.T) {
	fd, srv := newFakeDirectory(t)
	cfgPath := setupCLIEnv(t, srv.URL, true)

	_, err := runCLI(t, cfgPath, "login")
	require.NoError(t, err)

	_, _, meCalls := fd.state()
	assert.Equal(t, 1, meCalls, "login confirms the principal once")
}

// --- history ---

func TestHistoryCmd_Empty(t *testing.T) {
	_, srv := newFakeDirectory(t)
	cfgPath := setupCLIEnv(t, srv.URL, false)

	out, err := runCLI(t, cfgPath, "history", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestHistoryCmd_Disabled(t *testing.T) {
	_, srv := newFakeDirectory(t)
	setupCLIEnv(t, srv.URL, false)

	cfgPath := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("history_enabled = false\n"), 0o600))

	out, err := runCLI(t, cfgPath, "history")
	require.NoError(t, err)
	assert.Empty(t, out)

	_, statErr := os.Stat(filepath.Join(config.DefaultDataDir(), "history.db"))
	assert.True(t, os.IsNotExist(statErr), "disabled history must not create a database")
}

// --- helpers ---

func TestPhotoMatches(t *testing.T) {
	assert.True(t, photoMatches(nil, nil))
	assert.False(t, photoMatches(nil, []byte("x")))
	assert.True(t, photoMatches(&graph.Photo{Data: []byte("x")}, []byte("x")))
	assert.False(t, photoMatches(&graph.Photo{Data: []byte("x")}, []byte("y")))
}

func TestHashPhoto(t *testing.T) {
	assert.Empty(t, hashPhoto(nil))
	assert.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", hashPhoto([]byte("hello")))
}

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photo.png")

	require.NoError(t, writeFileAtomic(path, []byte("one")))
	require.NoError(t, writeFileAtomic(path, []byte("two")))

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)

	_, statErr := os.Stat(path + ".partial")
	assert.True(t, os.IsNotExist(statErr))
}

func TestIsTerminal_NonFile(t *testing.T) {
	assert.False(t, isTerminal(&bytes.Buffer{}))
}
