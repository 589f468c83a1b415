package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Peleke/MindMirror-sub002/platform"
)

func TestParseVersions(t *testing.T) {
	versions, err := parseVersions([]string{
		"journal=mindmirror/journal:v1.4.0",
		"agent=ghcr.io/mindmirror/agent:v2.0.1",
		"habits=mindmirror/habits",
	})
	require.NoError(t, err)
	assert.Equal(t, []platform.ServiceVersion{
		{Name: "journal", Image: "mindmirror/journal", Tag: "v1.4.0"},
		{Name: "agent", Image: "ghcr.io/mindmirror/agent", Tag: "v2.0.1"},
		{Name: "habits", Image: "mindmirror/habits", Tag: "latest"},
	}, versions)
}

func TestParseVersionsRejectsMalformed(t *testing.T) {
	for _, arg := range []string{"journal", "=image:tag", "journal="} {
		_, err := parseVersions([]string{arg})
		require.Error(t, err, arg)
	}
}

func TestWebsocketURL(t *testing.T) {
	u, err := websocketURL("http://localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/events/ws", u)

	u, err = websocketURL("https://sway.mindmirror.app/control")
	require.NoError(t, err)
	assert.Equal(t, "wss://sway.mindmirror.app/control/events/ws", u)

	_, err = websocketURL("ftp://nope")
	require.Error(t, err)
}
