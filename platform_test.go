package depot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePlatform(t *testing.T) {
	require.Equal(t, GenericPlatform, ParsePlatform(""))
	require.Equal(t, GenericPlatform, ParsePlatform("all"))
	require.Equal(t, Linux64Platform, ParsePlatform("linux64"))
	require.Equal(t, Win32Platform, ParsePlatform("win32"))
	require.Equal(t, UnknownPlatform, ParsePlatform("atari"))
}

func TestPlatformSupportedOn(t *testing.T) {
	require.True(t, GenericPlatform.supportedOn("linux", 64))
	require.True(t, GenericPlatform.supportedOn("windows", 32))

	require.True(t, LinuxPlatform.supportedOn("linux", 32))
	require.True(t, Linux64Platform.supportedOn("linux", 64))
	require.False(t, Linux64Platform.supportedOn("linux", 32))
	require.False(t, LinuxPlatform.supportedOn("darwin", 64))

	require.True(t, Darwin64Platform.supportedOn("darwin", 64))
	require.True(t, Win32Platform.supportedOn("windows", 32))
	require.False(t, WindowsPlatform.supportedOn("linux", 64))

	require.False(t, UnknownPlatform.supportedOn("linux", 64))
	require.False(t, UnknownPlatform.supportedOn("windows", 64))
}
