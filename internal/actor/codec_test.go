package actor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nmxmxh/loom/pkg/json"
)

type trackedSession struct {
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
}

type codecState struct {
	Sessions    map[string]trackedSession `json:"sessions"`
	SeenDevices map[string]struct{}       `json:"seenDevices"`
	RetryCodes  map[int]struct{}          `json:"retryCodes"`
	LastLogin   time.Time                 `json:"lastLogin"`
	Logins      int                       `json:"logins"`
	Tags        []string                  `json:"tags"`
}

func TestStateRoundTripPreservesCollections(t *testing.T) {
	created := time.Date(2025, 6, 1, 9, 30, 0, 123456789, time.UTC)
	in := codecState{
		Sessions: map[string]trackedSession{
			"sess-1": {UserID: "u-1", CreatedAt: created},
			"sess-2": {UserID: "u-2", CreatedAt: created.Add(time.Hour)},
		},
		SeenDevices: map[string]struct{}{"macbook": {}, "pixel": {}},
		RetryCodes:  map[int]struct{}{429: {}, 503: {}},
		LastLogin:   created.Add(2 * time.Hour),
		Logins:      7,
		Tags:        []string{"beta", "internal"},
	}

	data, err := EncodeState(&in)
	require.NoError(t, err)

	var out codecState
	require.NoError(t, DecodeState(data, &out))

	assert.Equal(t, in.Logins, out.Logins)
	assert.Equal(t, in.Tags, out.Tags)
	assert.Equal(t, in.SeenDevices, out.SeenDevices)
	assert.Equal(t, in.RetryCodes, out.RetryCodes)
	assert.True(t, in.LastLogin.Equal(out.LastLogin))

	require.Len(t, out.Sessions, 2)
	assert.Equal(t, "u-1", out.Sessions["sess-1"].UserID)
	assert.True(t, created.Equal(out.Sessions["sess-1"].CreatedAt))
	assert.True(t, created.Add(time.Hour).Equal(out.Sessions["sess-2"].CreatedAt))
}

func TestEncodeWritesContainerDiscriminators(t *testing.T) {
	data, err := EncodeState(&codecState{
		Sessions:    map[string]trackedSession{"s": {UserID: "u"}},
		SeenDevices: map[string]struct{}{"pixel": {}},
	})
	require.NoError(t, err)

	var tree map[string]any
	require.NoError(t, json.Unmarshal(data, &tree))

	sessions, ok := tree["sessions"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "map", sessions["__type"])
	entries, ok := sessions["entries"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, entries, "s")

	devices, ok := tree["seenDevices"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "set", devices["__type"])
	assert.Equal(t, []any{"pixel"}, devices["values"])
}

func TestEncodeSortsStringSets(t *testing.T) {
	state := struct {
		Names map[string]struct{} `json:"names"`
	}{Names: map[string]struct{}{"charlie": {}, "alice": {}, "bob": {}}}

	first, err := EncodeState(&state)
	require.NoError(t, err)
	second, err := EncodeState(&state)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	var tree map[string]any
	require.NoError(t, json.Unmarshal(first, &tree))
	names := tree["names"].(map[string]any)
	assert.Equal(t, []any{"alice", "bob", "charlie"}, names["values"])
}

func TestDecodeLeavesLookalikeMapsAlone(t *testing.T) {
	// A map that happens to carry a __type entry alongside other keys is
	// user data, not a container wrapper.
	raw := []byte(`{"attrs":{"__type":"map","entries":{"a":1},"extra":true}}`)

	var out struct {
		Attrs map[string]any `json:"attrs"`
	}
	require.NoError(t, DecodeState(raw, &out))
	assert.Len(t, out.Attrs, 3)
	assert.Equal(t, "map", out.Attrs["__type"])
}

func TestSemanticTreeUnwrapsContainers(t *testing.T) {
	data, err := EncodeState(&codecState{
		Sessions:    map[string]trackedSession{"s": {UserID: "u"}},
		SeenDevices: map[string]struct{}{"pixel": {}, "macbook": {}},
	})
	require.NoError(t, err)

	tree, err := SemanticTree(data)
	require.NoError(t, err)

	root, ok := tree.(map[string]any)
	require.True(t, ok)

	sessions, ok := root["sessions"].(map[string]any)
	require.True(t, ok)
	assert.NotContains(t, sessions, "__type")
	assert.Contains(t, sessions, "s")

	devices, ok := root["seenDevices"].([]any)
	require.True(t, ok)
	assert.ElementsMatch(t, []any{"macbook", "pixel"}, devices)
}

func TestDecodeRejectsMalformedJSON(t *testing.T) {
	var out codecState
	assert.Error(t, DecodeState([]byte(`{"logins":`), &out))
}

func TestEncodeRejectsUnsupportedKinds(t *testing.T) {
	state := struct {
		Done chan struct{} `json:"done"`
	}{Done: make(chan struct{})}
	_, err := EncodeState(&state)
	assert.Error(t, err)
}

func TestDecodeCoercesNumericPayloads(t *testing.T) {
	// Round-tripped numbers arrive as float64; reconstruction converts
	// them back to the declared integer fields.
	raw := []byte(`{"logins":3.0,"lastLogin":"2025-06-01T09:30:00Z"}`)
	var out codecState
	require.NoError(t, DecodeState(raw, &out))
	assert.Equal(t, 3, out.Logins)
	assert.Equal(t, 2025, out.LastLogin.Year())
}
