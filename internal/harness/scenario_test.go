package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
description: "Two sites, one edit"
seed: 3
sites: 2
steps:
  - action: edit
    site: 1
  - action: flush
assertions:
  - type: converged
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0644))

	scenario, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal", scenario.Name)
	assert.Equal(t, uint64(3), scenario.Seed)
	assert.Equal(t, 2, scenario.Sites)
	assert.Equal(t, []Step{{Action: StepEdit, Site: 1}, {Action: StepFlush}}, scenario.Steps)
	assert.Equal(t, []Assertion{{Type: AssertConverged}}, scenario.Assertions)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("/nonexistent/scenario.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestLoadScenario_Testdata(t *testing.T) {
	paths, err := filepath.Glob("testdata/scenarios/*.yaml")
	require.NoError(t, err)
	require.NotEmpty(t, paths)

	for _, path := range paths {
		t.Run(filepath.Base(path), func(t *testing.T) {
			_, err := LoadScenario(path)
			require.NoError(t, err)
		})
	}
}

func TestParseScenario_Full(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: full
description: "Every field"
seed: 9
sites: 3
edits: 10
delete_ratio: 0.5
network:
  drop_rate: 0.1
  duplicate_rate: 0.05
  reorder: true
persist: bolt
steps:
  - action: restart
    site: 3
rounds: 2
assertions:
  - type: trace_count
    event: restart
    count: 1
    site: 3
`))
	require.NoError(t, err)

	assert.Equal(t, 10, scenario.Edits)
	assert.Equal(t, 0.5, scenario.DeleteRatio)
	assert.Equal(t, NetworkConfig{DropRate: 0.1, DuplicateRate: 0.05, Reorder: true}, scenario.Network)
	assert.Equal(t, "bolt", scenario.Persist)
	assert.Equal(t, 2, scenario.Rounds)
	assert.Equal(t, Assertion{Type: AssertTraceCount, Event: EventRestart, Count: 1, Site: 3}, scenario.Assertions[0])
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name:    "empty document",
			content: ``,
			errMsg:  "empty document",
		},
		{
			name:    "malformed yaml",
			content: "name: [unclosed",
			errMsg:  "failed to parse YAML",
		},
		{
			name: "missing description",
			content: `
name: x
seed: 1
sites: 2
assertions:
  - type: converged
`,
			errMsg: "invalid scenario",
		},
		{
			name: "unknown field",
			content: `
name: x
description: "typo"
seed: 1
sites: 2
assertion:
  - type: converged
`,
			errMsg: "invalid scenario",
		},
		{
			name: "bad name",
			content: `
name: "Has Spaces"
description: "d"
seed: 1
sites: 2
assertions:
  - type: converged
`,
			errMsg: "invalid scenario",
		},
		{
			name: "drop rate of one",
			content: `
name: x
description: "d"
seed: 1
sites: 2
network:
  drop_rate: 1
assertions:
  - type: converged
`,
			errMsg: "invalid scenario",
		},
		{
			name: "unknown step action",
			content: `
name: x
description: "d"
seed: 1
sites: 2
steps:
  - action: explode
assertions:
  - type: converged
`,
			errMsg: "invalid scenario",
		},
		{
			name: "no assertions",
			content: `
name: x
description: "d"
seed: 1
sites: 2
assertions: []
`,
			errMsg: "invalid scenario",
		},
		{
			name: "step site out of range",
			content: `
name: x
description: "d"
seed: 1
sites: 2
steps:
  - action: edit
    site: 3
assertions:
  - type: converged
`,
			errMsg: "site 3 out of range",
		},
		{
			name: "step without site",
			content: `
name: x
description: "d"
seed: 1
sites: 2
steps:
  - action: query
assertions:
  - type: converged
`,
			errMsg: "site 0 out of range",
		},
		{
			name: "restart without persistence",
			content: `
name: x
description: "d"
seed: 1
sites: 2
steps:
  - action: restart
    site: 2
assertions:
  - type: converged
`,
			errMsg: "restart requires persist",
		},
		{
			name: "trace_count without event",
			content: `
name: x
description: "d"
seed: 1
sites: 2
assertions:
  - type: trace_count
    count: 1
`,
			errMsg: "event is required",
		},
		{
			name: "assertion site out of range",
			content: `
name: x
description: "d"
seed: 1
sites: 2
assertions:
  - type: pending_empty
    site: 5
`,
			errMsg: "site 5 out of range",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
