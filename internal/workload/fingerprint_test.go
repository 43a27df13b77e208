package workload

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashConfigIgnoresComments(t *testing.T) {
	plain := []byte(`{"image": "claude-code:latest", "forwardPorts": [50051]}`)
	commented := []byte(`{
	// base image
	"image": "claude-code:latest", /* worker */
	"forwardPorts": [50051],
}`)
	assert.Equal(t, HashConfig(plain), HashConfig(commented))
	assert.NotEqual(t, HashConfig(plain), HashConfig([]byte(`{"image": "other"}`)))
	assert.Empty(t, HashConfig(nil))
}

func TestHashConfigKeepsStringWhitespace(t *testing.T) {
	assert.NotEqual(t, HashConfig([]byte(`{"a": "x y"}`)), HashConfig([]byte(`{"a": "xy"}`)))
}

func TestHashLaunchStableEnvOrder(t *testing.T) {
	a := HashLaunch(LaunchConfig{Image: "img", Env: map[string]string{"A": "1", "B": "2"}})
	b := HashLaunch(LaunchConfig{Image: "img", Env: map[string]string{"B": "2", "A": "1"}})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, HashLaunch(LaunchConfig{Image: "img2", Env: map[string]string{"A": "1", "B": "2"}}))
	assert.Len(t, a, 64)
}
