package validation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const validConfigYAML = `chain:
  rpc_url: http://localhost:8545
  contract_address: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  from_block: 120
  poll_interval: 2s
  receipt_timeout: 2m
classifier:
  type: ollama
  timeout: 30s
  fail_open: false
  params:
    model: llama-guard3:1b
    options:
      temperature: 0
processor:
  max_attempts: 5
  initial_backoff: 500ms
  max_backoff: 30s
  workers: 8
watcher:
  grace_period: 30s
records:
  journal_dir: .guardrail/records
metrics:
  enabled: true
  address: 127.0.0.1:9464
`

func TestValidateConfig_Valid(t *testing.T) {
	require.NoError(t, ValidateConfig([]byte(validConfigYAML)))
}

func TestValidateConfig_Empty(t *testing.T) {
	require.NoError(t, ValidateConfig(nil))
	require.NoError(t, ValidateConfig([]byte("# nothing here\n")))
}

func TestValidateConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantLoc string
	}{
		{"bad address", "chain:\n  contract_address: \"0x123\"\n", "/chain/contract_address"},
		{"bad duration", "classifier:\n  timeout: thirty\n", "/classifier/timeout"},
		{"numeric duration", "watcher:\n  grace_period: 30\n", "/watcher/grace_period"},
		{"unknown classifier", "classifier:\n  type: openai\n", "/classifier/type"},
		{"zero attempts", "processor:\n  max_attempts: 0\n", "/processor/max_attempts"},
		{"unknown section", "database:\n  dsn: x\n", "/"},
		{"unknown key", "chain:\n  rpc: http://x\n", "/chain"},
		{"bad url", "chain:\n  rpc_url: localhost:8545\n", "/chain/rpc_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig([]byte(tt.yaml))
			var ps Problems
			require.ErrorAs(t, err, &ps)
			require.NotEmpty(t, ps)

			var locs []string
			for _, p := range ps {
				locs = append(locs, p.Location)
			}
			require.Contains(t, locs, tt.wantLoc)
			require.Contains(t, err.Error(), tt.wantLoc+": ")
		})
	}
}

func TestValidateConfig_ProblemsAreOrdered(t *testing.T) {
	err := ValidateConfig([]byte("watcher:\n  grace_period: soon\nchain:\n  rpc_url: nope\n"))
	var ps Problems
	require.ErrorAs(t, err, &ps)
	require.Len(t, ps, 2)
	require.Equal(t, "/chain/rpc_url", ps[0].Location)
	require.Equal(t, "/watcher/grace_period", ps[1].Location)
}

func TestValidateConfig_ParseError(t *testing.T) {
	err := ValidateConfig([]byte("chain: [unclosed"))
	var ps Problems
	require.ErrorAs(t, err, &ps)
	require.Len(t, ps, 1)
	require.Equal(t, "/", ps[0].Location)
	require.Contains(t, ps[0].Message, "YAML parse error")
}
