package discussion

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioYAML = `
name: Pricing focus group
kind: focus_group
context: A subscription price increase
opening: Tell us how you feel about the new price.
rounds: 3
consolidate: true
participants:
  - name: alice
    description: long-time subscriber
    traits:
      budget: tight
  - name: bob
    description: new customer
`

func TestLoadScenario(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(scenarioYAML), 0o644))

	sc, err := LoadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, "Pricing focus group", sc.Name)
	assert.Equal(t, FocusGroup, sc.Kind)
	assert.Equal(t, 3, sc.Rounds)
	assert.True(t, sc.Consolidate)
	require.Len(t, sc.Participants, 2)
	assert.Equal(t, "tight", sc.Participants[0].Traits["budget"])

	_, err = LoadScenario(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseScenario_Defaults(t *testing.T) {
	sc, err := ParseScenario([]byte("name: quick\nparticipants:\n  - name: carol\n"))
	require.NoError(t, err)
	assert.Equal(t, Custom, sc.Kind)
	assert.Equal(t, 1, sc.Rounds)
	assert.False(t, sc.Consolidate)
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := map[string]string{
		"bad yaml":        "name: [",
		"no name":         "participants:\n  - name: a\n",
		"unknown kind":    "name: x\nkind: debate\nparticipants:\n  - name: a\n",
		"no participants": "name: x\n",
		"duplicate":       "name: x\nparticipants:\n  - name: a\n  - name: a\n",
		"bad name":        "name: x\nparticipants:\n  - name: ../etc\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseScenario([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestPersonaProfile(t *testing.T) {
	p := Persona{Name: "dana", Description: "designer", Traits: map[string]string{"z": "last", "a": "first"}}
	assert.Equal(t, "Name: dana\nDescription: designer\nTraits:\n- a: first\n- z: last\n", p.Profile())
	assert.Equal(t, "Name: eve\n", Persona{Name: "eve"}.Profile())
}
