package vnconfig_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"vncache.io/vncache/pkg/vnconfig"
)

func TestConfig_WithDefaultsLeavesRequiredPathsEmpty(t *testing.T) {
	c := vnconfig.Config{}.WithDefaults()
	require.Empty(t, c.ConnectPath)
	require.Empty(t, c.WellKnownPath)
	require.Equal(t, 10000, c.MaxQueueDepth)
}

func TestConfig_ValidateRejectsMissingConnectPath(t *testing.T) {
	c := vnconfig.Config{BucketCount: 16, MaxCacheEntries: 1000, WellKnownPath: "/.well-known/vncache"}.WithDefaults()
	require.Error(t, c.Validate())
}

func TestConfig_ValidateAcceptsCompleteConfig(t *testing.T) {
	c := vnconfig.Config{
		BucketCount:   16,
		MaxCacheEntries: 1000,
		ConnectPath:   "/connect",
		WellKnownPath: "/.well-known/vncache",
	}.WithDefaults()
	require.NoError(t, c.Validate())
}

func TestConfig_ValidateRejectsZeroBucketCount(t *testing.T) {
	c := vnconfig.Config{MaxCacheEntries: 1000, ConnectPath: "/c", WellKnownPath: "/w"}.WithDefaults()
	require.Error(t, c.Validate())
}
