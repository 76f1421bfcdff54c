package config

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T, overrides map[string]any) *Config {
	t.Helper()
	base := map[string]any{
		"username":  "ada",
		"password":  "secret",
		"hostname":  "worker-01",
		"cpu_model": "Generic x86_64 CPU",
	}
	for k, v := range overrides {
		base[k] = v
	}
	cfg, err := Load(t.TempDir(), base)
	require.NoError(t, err)
	return cfg
}

func TestValidate_Valid(t *testing.T) {
	cfg := validConfig(t, nil)
	assert.NoError(t, cfg.Validate(ModeRun))
	assert.NoError(t, cfg.Validate(ModeRegister))
	assert.NoError(t, cfg.Validate(ModeStatus))
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		mode      Mode
		field     string
	}{
		{"cpu model too short", map[string]any{"cpu_model": "x86"}, ModeStatus, "cpu_model"},
		{"cpu model too long", map[string]any{"cpu_model": strings.Repeat("c", 65)}, ModeStatus, "cpu_model"},
		{"hostname too long", map[string]any{"hostname": strings.Repeat("h", 21)}, ModeStatus, "hostname"},
		{"num cache zero", map[string]any{"num_cache": 0}, ModeStatus, "num_cache"},
		{"percent limit above 100", map[string]any{"percent_limit": 101}, ModeStatus, "percent_limit"},
		{"unknown worktype", map[string]any{"worktype": "103"}, ModeStatus, "worktype"},
		{"missing password", map[string]any{"password": ""}, ModeRun, "password"},
		{"missing username", map[string]any{"username": ""}, ModeRun, "username"},
		{"register needs hostname", map[string]any{"hostname": ""}, ModeRegister, "hostname"},
		{"negative timeout", map[string]any{"timeout": -1}, ModeStatus, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validConfig(t, tt.overrides).Validate(tt.mode)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestValidate_MissingPasswordAllowedForRegister(t *testing.T) {
	cfg := validConfig(t, map[string]any{"password": ""})
	assert.NoError(t, cfg.Validate(ModeRegister))
}

func TestValidate_OneErrorPerBadField(t *testing.T) {
	err := validConfig(t, map[string]any{"cpu_model": "short"}).Validate(ModeStatus)
	require.Error(t, err)

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	require.Len(t, verrs, 1)
	assert.Equal(t, "/cpu_model", verrs[0].Path)
	assert.True(t, strings.HasPrefix(err.Error(), "cpu_model: "))
}
