package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDurationsAcceptMillisecondIntegers(t *testing.T) {
	t.Setenv("BROWSER_TIMEOUT", "900000")
	t.Setenv("SESSION_TIMEOUT", "7200000")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, Duration(15*time.Minute), cfg.Browser.IdleTimeout)
	assert.Equal(t, Duration(2*time.Hour), cfg.Session.Timeout)
}

func TestDurationsAcceptGoDurationStrings(t *testing.T) {
	t.Setenv("BROWSER_TIMEOUT", "10m")
	t.Setenv("NAVIGATION_TIMEOUT", "45s")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, Duration(10*time.Minute), cfg.Browser.IdleTimeout)
	assert.Equal(t, Duration(45*time.Second), cfg.Browser.NavigationTimeout)
}

func TestDurationRejectsGarbage(t *testing.T) {
	t.Setenv("SESSION_TIMEOUT", "soon")

	_, err := LoadServerConfig()
	assert.Error(t, err)
}
