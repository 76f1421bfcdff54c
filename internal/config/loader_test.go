package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/3leaps/primeloop/pkg/primenet"
)

func writeNodeFile(t *testing.T, dir string, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0600))
}

func readNodeFile(t *testing.T, dir string) map[string]any {
	t.Helper()
	b, err := os.ReadFile(filepath.Join(dir, FileName))
	require.NoError(t, err)
	out := map[string]any{}
	require.NoError(t, yaml.Unmarshal(b, &out))
	return out
}

func TestLoad(t *testing.T) {
	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(t.TempDir(), nil)
		require.NoError(t, err)

		assert.Equal(t, "101", cfg.WorkType)
		assert.Equal(t, 2, cfg.NumCache)
		assert.Equal(t, 90, cfg.PercentLimit)
		assert.Equal(t, 6*time.Hour, cfg.Timeout)
		assert.Equal(t, "unknown.unknown", cfg.CPUModel)
		assert.Equal(t, 100, cfg.Frequency)
		assert.Equal(t, detectMemoryMiB(), cfg.Memory)
		assert.Equal(t, 8, cfg.L1)
		assert.Equal(t, 512, cfg.L2)
		assert.Equal(t, 1, cfg.NP)
		assert.Equal(t, primenet.DefaultAPIURL, cfg.APIURL)
		assert.Empty(t, cfg.GUID)
	})

	t.Run("FileOverridesDefaults", func(t *testing.T) {
		dir := t.TempDir()
		writeNodeFile(t, dir, "username: ada\nnum_cache: 4\ncpu_model: Generic CPU 3GHz\n")

		cfg, err := Load(dir, nil)
		require.NoError(t, err)
		assert.Equal(t, "ada", cfg.Username)
		assert.Equal(t, 4, cfg.NumCache)
		assert.Equal(t, "Generic CPU 3GHz", cfg.CPUModel)
		assert.Equal(t, 90, cfg.PercentLimit)
	})

	t.Run("EnvOverridesFile", func(t *testing.T) {
		dir := t.TempDir()
		writeNodeFile(t, dir, "num_cache: 4\n")
		t.Setenv("PRIMELOOP_NUM_CACHE", "5")
		t.Setenv("PRIMELOOP_TIMEOUT", "600")

		cfg, err := Load(dir, nil)
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.NumCache)
		assert.Equal(t, 10*time.Minute, cfg.Timeout)
	})

	t.Run("FlagsOverrideEnv", func(t *testing.T) {
		dir := t.TempDir()
		t.Setenv("PRIMELOOP_NUM_CACHE", "5")

		cfg, err := Load(dir, map[string]any{"num_cache": 7, "timeout": 0})
		require.NoError(t, err)
		assert.Equal(t, 7, cfg.NumCache)
		assert.Zero(t, cfg.Timeout)
	})

	t.Run("DurationString", func(t *testing.T) {
		cfg, err := Load(t.TempDir(), map[string]any{"timeout": "90m"})
		require.NoError(t, err)
		assert.Equal(t, 90*time.Minute, cfg.Timeout)
	})

	t.Run("MalformedFile", func(t *testing.T) {
		dir := t.TempDir()
		writeNodeFile(t, dir, "num_cache: [\n")
		_, err := Load(dir, nil)
		assert.Error(t, err)
	})
}

func TestPersist(t *testing.T) {
	t.Run("SuppliedValuesAreStored", func(t *testing.T) {
		dir := t.TempDir()
		writeNodeFile(t, dir, "username: ada\nnum_cache: 4\nguid: 0807e4456339466376bcf63436fe5176\n")

		cfg, err := Load(dir, map[string]any{"num_cache": 3, "timeout": 0})
		require.NoError(t, err)
		written, err := cfg.Persist()
		require.NoError(t, err)
		assert.True(t, written)

		stored := readNodeFile(t, dir)
		assert.Equal(t, 3, stored["num_cache"])
		assert.Equal(t, "ada", stored["username"], "unsupplied settings keep their stored value")
		assert.Equal(t, "0807e4456339466376bcf63436fe5176", stored["guid"])
		assert.NotContains(t, stored, "timeout", "runtime settings are not persisted")

		info, err := os.Stat(filepath.Join(dir, FileName))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	})

	t.Run("UnchangedValuesSkipWrite", func(t *testing.T) {
		dir := t.TempDir()
		writeNodeFile(t, dir, "username: ada\n")

		cfg, err := Load(dir, map[string]any{"username": "ada"})
		require.NoError(t, err)
		written, err := cfg.Persist()
		require.NoError(t, err)
		assert.False(t, written)
	})

	t.Run("NoOverrides", func(t *testing.T) {
		dir := t.TempDir()
		cfg, err := Load(dir, nil)
		require.NoError(t, err)
		written, err := cfg.Persist()
		require.NoError(t, err)
		assert.False(t, written)
		_, err = os.Stat(filepath.Join(dir, FileName))
		assert.True(t, os.IsNotExist(err))
	})
}

func TestIdentity_SaveGUID(t *testing.T) {
	dir := t.TempDir()
	writeNodeFile(t, dir, "username: ada\nhostname: worker-01\n")

	cfg, err := Load(dir, nil)
	require.NoError(t, err)
	id := cfg.Identity()
	assert.Empty(t, id.GUID())

	var _ primenet.IdentityStore = id
	require.NoError(t, id.SaveGUID("0807e4456339466376bcf63436fe5176"))
	assert.Equal(t, "0807e4456339466376bcf63436fe5176", id.GUID())

	reloaded, err := Load(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, "0807e4456339466376bcf63436fe5176", reloaded.GUID)
	assert.Equal(t, "worker-01", reloaded.Hostname)
	assert.Equal(t, "ada", reloaded.Username)
}

func TestConfig_Derived(t *testing.T) {
	cfg, err := Load(t.TempDir(), map[string]any{"worktype": "DoubleCheckPRP", "np": 4, "l2": 1024})
	require.NoError(t, err)

	wt, err := cfg.PreferredWorkType()
	require.NoError(t, err)
	assert.Equal(t, primenet.WorkDoubleCheckPRP, wt)

	hw := cfg.Hardware()
	assert.Equal(t, 4, hw.NumCores)
	assert.Equal(t, 1024, hw.L2)

	p := cfg.Policy()
	assert.Equal(t, 2, p.NumCache)
	assert.Equal(t, 6*time.Hour, p.Timeout)
	assert.Equal(t, filepath.Join(cfg.WorkDir(), WorkToDoFile), cfg.Path(WorkToDoFile))
}
