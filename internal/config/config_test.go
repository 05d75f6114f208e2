package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientConfigMatchRouteFirstMatchWins(t *testing.T) {
	c := &ClientConfig{
		Target: "http://localhost:9999",
		Routes: []Route{
			{Path: "/api/*", Target: "http://localhost:3000"},
			{Path: "/webhooks", Target: "http://localhost:4000"},
			{Path: "/*", Target: "http://localhost:8080"},
		},
	}

	assert.Equal(t, "http://localhost:3000", c.MatchRoute("/api/users"))
	assert.Equal(t, "http://localhost:4000", c.MatchRoute("/webhooks"))
	assert.Equal(t, "http://localhost:8080", c.MatchRoute("/anything-else"))
}

func TestClientConfigMatchRouteFallsBackToTarget(t *testing.T) {
	c := &ClientConfig{Target: "http://localhost:9999"}
	assert.Equal(t, "http://localhost:9999", c.MatchRoute("/no-routes-configured"))
}

func TestClientConfigMatchRoutePrefixNotLongestMatch(t *testing.T) {
	// A more specific later route never wins over an earlier, broader one.
	c := &ClientConfig{
		Routes: []Route{
			{Path: "/*", Target: "http://localhost:8080"},
			{Path: "/api/*", Target: "http://localhost:3000"},
		},
	}
	assert.Equal(t, "http://localhost:8080", c.MatchRoute("/api/users"))
}

func TestServerConfigValidate(t *testing.T) {
	valid := &ServerConfig{BindPort: 3000, TCPPortRangeLow: 10000, TCPPortRangeHigh: 10999}
	require.NoError(t, valid.Validate())

	badPort := &ServerConfig{BindPort: 70000}
	assert.Error(t, badPort.Validate())

	badRange := &ServerConfig{TCPPortRangeLow: 10999, TCPPortRangeHigh: 10000}
	assert.Error(t, badRange.Validate())

	mismatchedTLS := &ServerConfig{TLSCert: "cert.pem"}
	assert.Error(t, mismatchedTLS.Validate())
}

func TestClientConfigValidate(t *testing.T) {
	valid := &ClientConfig{Server: "https://relay.example.com", Target: "http://localhost:8080"}
	require.NoError(t, valid.Validate())

	badScheme := &ClientConfig{Server: "ftp://relay.example.com"}
	assert.Error(t, badScheme.Validate())

	missingRouteTarget := &ClientConfig{Routes: []Route{{Path: "/api"}}}
	assert.Error(t, missingRouteTarget.Validate())
}
