package cmd

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/primeloop/internal/config"
	"github.com/3leaps/primeloop/pkg/statestore"
)

const legacyResult = "M52000001 is not prime. Res64: 9CE24584CD974BF0. Wh8: 1,2. Program: Prime95 v30.8"

// fakePrimeNet serves both the keyed API and the manual forms site.
type fakePrimeNet struct {
	mu        sync.Mutex
	commands  []string
	submitted []string
	fetches   int
}

func newFakePrimeNet(t *testing.T) (*fakePrimeNet, *httptest.Server) {
	f := &fakePrimeNet{}
	mux := http.NewServeMux()
	mux.HandleFunc("/v5server/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.commands = append(f.commands, r.URL.Query().Get("t"))
		f.mu.Unlock()
		_, _ = fmt.Fprint(w, "pnErrorResult=0\npnErrorDetail=SUCCESS\n==END==\n")
	})
	mux.HandleFunc("/default.php", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		_, _ = fmt.Fprintf(w, "<p>%s<br>logged in</p>", r.PostForm.Get("user_login"))
	})
	mux.HandleFunc("/manual_assignment/", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.fetches++
		f.mu.Unlock()
		_, _ = fmt.Fprint(w, "<pre>\n"+headLine+"\n"+secondLine+"\n</pre>")
	})
	mux.HandleFunc("/manual_result/default.php", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		f.mu.Lock()
		f.submitted = append(f.submitted, r.PostForm.Get("data"))
		f.mu.Unlock()
		_, _ = fmt.Fprint(w, "<div>Accepted</div>")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return f, srv
}

func fakeOverrides(srv *httptest.Server, extra map[string]any) map[string]any {
	out := map[string]any{
		"api_url":    srv.URL + "/v5server/",
		"base_url":   srv.URL + "/",
		"rate_limit": "0",
		"timeout":    "0",
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

func TestRunLoop_SingleCycle(t *testing.T) {
	fake, srv := newFakePrimeNet(t)
	dir := t.TempDir()
	writeLines(t, dir, config.ResultsFile, legacyResult)

	cfg := loadTestConfig(t, dir, fakeOverrides(srv, map[string]any{
		"username": "alice",
		"password": "secret",
	}))
	require.NoError(t, runLoop(context.Background(), cfg))

	queue, err := os.ReadFile(filepath.Join(dir, config.WorkToDoFile))
	require.NoError(t, err)
	assert.Equal(t, headLine+"\n"+secondLine+"\n", string(queue))

	sent, err := os.ReadFile(filepath.Join(dir, config.ResultsSentFile))
	require.NoError(t, err)
	assert.Equal(t, legacyResult+"\n", string(sent))

	assert.Equal(t, []string{legacyResult}, fake.submitted)
	assert.Equal(t, 1, fake.fetches)
	assert.Empty(t, fake.commands, "an unregistered node sends no keyed API calls")

	stored, err := config.Load(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.Username, "supplied credentials are saved")

	_, err = os.Stat(filepath.Join(dir, statestore.DefaultFileName))
	assert.NoError(t, err)
}

func TestRunLoop_InvalidConfig(t *testing.T) {
	_, srv := newFakePrimeNet(t)
	cfg := loadTestConfig(t, t.TempDir(), fakeOverrides(srv, map[string]any{"username": "alice"}))

	err := runLoop(context.Background(), cfg)
	require.Error(t, err)
	assert.Equal(t, exitInvalidArgument, ExitCode(err))
	assert.ErrorIs(t, err, config.ErrInvalidConfig)
}

func TestRunLoop_RejectedSettingsNotSaved(t *testing.T) {
	fake, srv := newFakePrimeNet(t)
	dir := t.TempDir()
	writeLines(t, dir, config.FileName, "username: bob", "cpu_model: Generic x86_64 CPU")
	before, err := os.ReadFile(filepath.Join(dir, config.FileName))
	require.NoError(t, err)

	cfg := loadTestConfig(t, dir, fakeOverrides(srv, map[string]any{
		"username":  "alice",
		"password":  "secret",
		"cpu_model": "short",
	}))
	err = runLoop(context.Background(), cfg)
	require.Error(t, err)
	assert.Equal(t, exitInvalidArgument, ExitCode(err))

	after, err := os.ReadFile(filepath.Join(dir, config.FileName))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))

	stored, err := config.Load(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "bob", stored.Username)
	assert.Equal(t, "Generic x86_64 CPU", stored.CPUModel)
	assert.Zero(t, fake.fetches)
}

func TestRunLoop_InvalidStatusAddr(t *testing.T) {
	_, srv := newFakePrimeNet(t)
	cfg := loadTestConfig(t, t.TempDir(), fakeOverrides(srv, map[string]any{
		"username":    "alice",
		"password":    "secret",
		"status_addr": "no-port",
	}))

	err := runLoop(context.Background(), cfg)
	require.Error(t, err)
	assert.Equal(t, exitInvalidArgument, ExitCode(err))
}

func TestRunRegistration(t *testing.T) {
	fake, srv := newFakePrimeNet(t)
	dir := t.TempDir()
	cfg := loadTestConfig(t, dir, fakeOverrides(srv, map[string]any{
		"username":  "alice",
		"hostname":  "worker-01",
		"cpu_model": "Generic x86_64 CPU",
	}))

	var out bytes.Buffer
	require.NoError(t, runRegistration(context.Background(), cfg, &out))

	guid := strings.TrimSpace(out.String())
	assert.Len(t, guid, 32)
	assert.Equal(t, []string{"uc"}, fake.commands)

	stored, err := config.Load(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, guid, stored.GUID)
	assert.Equal(t, "worker-01", stored.Hostname)
}

func TestRunRegistration_RequiresHostname(t *testing.T) {
	fake, srv := newFakePrimeNet(t)
	cfg := loadTestConfig(t, t.TempDir(), fakeOverrides(srv, map[string]any{"username": "alice"}))

	err := runRegistration(context.Background(), cfg, &bytes.Buffer{})
	require.Error(t, err)
	assert.Equal(t, exitInvalidArgument, ExitCode(err))
	assert.Empty(t, fake.commands)
}

func TestRunRegistration_RejectedSettingsNotSaved(t *testing.T) {
	fake, srv := newFakePrimeNet(t)
	dir := t.TempDir()
	cfg := loadTestConfig(t, dir, fakeOverrides(srv, map[string]any{
		"username":  "alice",
		"hostname":  "worker-01",
		"cpu_model": "short",
	}))

	err := runRegistration(context.Background(), cfg, &bytes.Buffer{})
	require.Error(t, err)
	assert.Equal(t, exitInvalidArgument, ExitCode(err))
	assert.Empty(t, fake.commands)

	_, err = os.Stat(filepath.Join(dir, config.FileName))
	assert.True(t, os.IsNotExist(err), "local.yaml must not be created")
}
