package depot

import (
	"runtime"
	"strconv"
)

// Platform restricts a Source to an operating system and pointer width.
// The generic platform is the universal fallback.
type Platform int

const (
	UnknownPlatform Platform = iota
	GenericPlatform
	DarwinPlatform
	Darwin32Platform
	Darwin64Platform
	LinuxPlatform
	Linux32Platform
	Linux64Platform
	WindowsPlatform
	Win32Platform
	Win64Platform
)

var platformNames = map[string]Platform{
	"all":      GenericPlatform,
	"darwin":   DarwinPlatform,
	"darwin32": Darwin32Platform,
	"darwin64": Darwin64Platform,
	"linux":    LinuxPlatform,
	"linux32":  Linux32Platform,
	"linux64":  Linux64Platform,
	"windows":  WindowsPlatform,
	"win32":    Win32Platform,
	"win64":    Win64Platform,
}

// ParsePlatform maps a manifest platform tag to a Platform. The empty string
// means generic; anything unrecognized maps to UnknownPlatform, which no host
// supports.
func ParsePlatform(name string) Platform {
	if name == "" {
		return GenericPlatform
	}
	return platformNames[name]
}

func (p Platform) String() string {
	for name, plat := range platformNames {
		if plat == p {
			return name
		}
	}
	return "unknown"
}

// Supported reports whether the current host can run sources for p.
func (p Platform) Supported() bool {
	return p.supportedOn(runtime.GOOS, strconv.IntSize)
}

func (p Platform) supportedOn(goos string, bits int) bool {
	switch p {
	case GenericPlatform:
		return true
	case DarwinPlatform:
		return goos == "darwin"
	case Darwin32Platform:
		return goos == "darwin" && bits == 32
	case Darwin64Platform:
		return goos == "darwin" && bits == 64
	case LinuxPlatform:
		return goos == "linux"
	case Linux32Platform:
		return goos == "linux" && bits == 32
	case Linux64Platform:
		return goos == "linux" && bits == 64
	case WindowsPlatform:
		return goos == "windows"
	case Win32Platform:
		return goos == "windows" && bits == 32
	case Win64Platform:
		return goos == "windows" && bits == 64
	default:
		return false
	}
}
