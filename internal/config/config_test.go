package config

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cascade/internal/types"
)

func TestParseStages(t *testing.T) {
	stages, err := ParseStages("short:20, medium:20,long:34:s3://models/v2/long.onnx")
	require.NoError(t, err)
	assert.Equal(t, StageList{
		{Name: "short", StepCount: 20},
		{Name: "medium", StepCount: 20},
		{Name: "long", StepCount: 34, ModelPath: "s3://models/v2/long.onnx"},
	}, stages)
	assert.Equal(t, 74, types.TotalSteps(stages))
}

func TestParseStages_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"empty", "  "},
		{"missing count", "short"},
		{"empty name", ":3"},
		{"zero count", "short:0"},
		{"negative count", "short:-2"},
		{"non numeric", "short:many"},
		{"duplicate", "short:1,short:2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseStages(tt.value)
			assert.Error(t, err)
		})
	}
}

func TestStageList_Decode(t *testing.T) {
	var l StageList
	require.NoError(t, l.Decode("a:1,b:2"))
	assert.Len(t, l, 2)

	assert.Error(t, l.Decode("a"))
	assert.Len(t, l, 2, "failed decode leaves previous value")
}

func TestRolloutConfig_Schedule(t *testing.T) {
	rc := RolloutConfig{
		Stages:    StageList{{Name: "short", StepCount: 2}, {Name: "long", StepCount: 1, ModelPath: "/custom/long.onnx"}},
		ModelRoot: "s3://models/cascade/",
	}

	got := rc.Schedule()
	assert.Equal(t, "s3://models/cascade/short.onnx", got[0].ModelPath)
	assert.Equal(t, "/custom/long.onnx", got[1].ModelPath)
	assert.Empty(t, rc.Stages[0].ModelPath, "schedule must not mutate the configured list")
}

func TestDatabaseConfig_Enabled(t *testing.T) {
	assert.False(t, DatabaseConfig{}.Enabled())
	assert.True(t, DatabaseConfig{URL: types.SecretString("postgres://localhost/cascade")}.Enabled())
}

func TestNewBuildInfo(t *testing.T) {
	origV, origC, origT := version, commit, buildTime
	t.Cleanup(func() { version, commit, buildTime = origV, origC, origT })

	version, commit, buildTime = "1.4.0", "abc123", "2026-01-02T03:04:05Z"
	assert.Equal(t, BuildInfo{Version: "1.4.0", Commit: "abc123", BuildTime: "2026-01-02T03:04:05Z"}, NewBuildInfo())
}

func TestConfigError(t *testing.T) {
	inner := errors.New("boom")
	err := &ConfigError{Type: ErrParsing, Message: "bad env", Err: inner}
	assert.Equal(t, "[PARSING_FAILED] bad env: boom", err.Error())
	assert.ErrorIs(t, err, inner)

	bare := &ConfigError{Type: ErrValidation, Message: "invalid"}
	assert.Equal(t, "[VALIDATION_FAILED] invalid", bare.Error())
	assert.Nil(t, bare.Unwrap())
}
