package main

import (
	"encoding/json"
	"testing"

	"github.com/spboyer/guardrail/internal/projectconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const keywordConfig = `
chain:
  contract_address: "` + testContract + `"
classifier:
  type: keyword
  params:
    unsafe_keywords: [bomb]
records:
  journal_dir: records
`

func checkStatuses(t *testing.T, out string) (*checkReport, map[string]checkStatus) {
	t.Helper()
	var report checkReport
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	statuses := map[string]checkStatus{}
	for _, c := range report.Checks {
		statuses[c.Name] = c.Status
	}
	return &report, statuses
}

func TestCheck_OfflineReady(t *testing.T) {
	t.Setenv(projectconfig.EnvOperatorKey, testKey)
	path := writeConfig(t, keywordConfig)

	out, err := runCLI(t, "check", "--config", path, "--offline", "--probe", "--format", "json")
	require.NoError(t, err)

	report, statuses := checkStatuses(t, out)
	assert.True(t, report.Ready)
	assert.Equal(t, path, report.ConfigPath)
	assert.Equal(t, map[string]checkStatus{
		"config":       checkOK,
		"operator key": checkOK,
		"classifier":   checkOK,
		"chain":        checkSkipped,
		"records":      checkOK,
	}, statuses)

	for _, c := range report.Checks {
		if c.Name == "operator key" {
			assert.Equal(t, testAddress, c.Detail)
		}
	}
}

func TestCheck_MissingKeyFails(t *testing.T) {
	t.Setenv(projectconfig.EnvOperatorKey, "")
	path := writeConfig(t, keywordConfig)

	out, err := runCLI(t, "check", "--config", path, "--offline", "--format", "json")
	require.ErrorIs(t, err, errCheckFailed)

	report, statuses := checkStatuses(t, out)
	assert.False(t, report.Ready)
	assert.Equal(t, checkFailed, statuses["operator key"])
}

func TestCheck_TextOutput(t *testing.T) {
	t.Setenv(projectconfig.EnvOperatorKey, testKey)
	path := writeConfig(t, "classifier:\n  type: keyword\n  params:\n    unsafe_keywords: [bomb]\n")

	out, err := runCLI(t, "check", "--config", path, "--offline")
	require.ErrorIs(t, err, errCheckFailed)
	assert.Contains(t, out, "❌ config")
	assert.Contains(t, out, "✅ operator key")
	assert.Contains(t, out, "Not ready")
}

func TestCheck_InvalidConfigFile(t *testing.T) {
	path := writeConfig(t, "classifier:\n  type: magic\n")

	_, err := runCLI(t, "check", "--config", path, "--offline")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/classifier/type")
}
