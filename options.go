package depot

import (
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"

	"github.com/packdepot/depot/internal/fetch"
)

// DefaultConcurrency bounds the thread pool when no override is given.
const DefaultConcurrency = 6

// Options configures an engine instance.
type Options struct {
	RootDir        string
	Concurrency    int
	AutoInstall    bool
	BleedingEdge   bool
	PromptObsolete bool
	ForceRefresh   bool
	Logger         *log.Logger
	Downloader     *fetch.Downloader
}

// Option is a functional option for configuring Open.
type Option func(*Options)

func defaultOptions() *Options {
	return &Options{
		RootDir:        defaultRootDir(),
		Concurrency:    DefaultConcurrency,
		PromptObsolete: true,
		Logger:         log.New(io.Discard),
	}
}

// WithRootDir sets the installation root (packages, cache, registry).
func WithRootDir(dir string) Option {
	return func(o *Options) { o.RootDir = dir }
}

// WithConcurrency sets the number of parallel download/compression jobs.
func WithConcurrency(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.Concurrency = n
		}
	}
}

// WithAutoInstall makes synchronization install packages that are not yet
// installed, not just upgrade existing ones.
func WithAutoInstall(enabled bool) Option {
	return func(o *Options) { o.AutoInstall = enabled }
}

// WithBleedingEdge allows pre-release versions to be considered latest.
func WithBleedingEdge(enabled bool) Option {
	return func(o *Options) { o.BleedingEdge = enabled }
}

// WithPromptObsolete controls whether synchronization collects packages that
// vanished from their remote's index and offers them for removal.
func WithPromptObsolete(enabled bool) Option {
	return func(o *Options) { o.PromptObsolete = enabled }
}

// WithForceRefresh bypasses the manifest staleness threshold and always
// re-downloads indexes.
func WithForceRefresh(enabled bool) Option {
	return func(o *Options) { o.ForceRefresh = enabled }
}

// WithLogger sets the structured logger. The default discards everything.
func WithLogger(logger *log.Logger) Option {
	return func(o *Options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithDownloader sets a custom downloader (tests point it at local servers).
func WithDownloader(dl *fetch.Downloader) Option {
	return func(o *Options) { o.Downloader = dl }
}

func defaultRootDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "depot")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "depot")
	}
	return ".depot"
}
