package depot

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/packdepot/depot/internal/fetch"
)

// EngineVersion is recorded in the registry as the engine's own package
// entry, so the engine's files are never mistaken for orphans.
const EngineVersion = "1.0.0"

const (
	registryFile = "registry.db"
	remotesFile  = "remotes.conf"
)

// Depot is the package engine: it owns the installation root, the durable
// registry, the remote list, and hands out transactions. All methods are
// safe for concurrent use; transactions themselves run one at a time.
type Depot struct {
	opts     *Options
	root     string
	logger   *log.Logger
	registry *Registry
	dl       *fetch.Downloader
	ownsDL   bool

	mu      sync.Mutex
	remotes []Remote

	obsoleteHandler func([]Entry) []Entry
	hostHandler     func([]HostTicket)

	// serializes transactions; the registry runs on a single connection
	txMu sync.Mutex
}

// Open initializes the engine under the configured root directory, creating
// it if needed.
func Open(ctx context.Context, options ...Option) (*Depot, error) {
	opts := defaultOptions()
	for _, opt := range options {
		opt(opts)
	}

	root, err := filepath.Abs(opts.RootDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Join(root, "cache"), 0o755); err != nil {
		return nil, fmt.Errorf("initializing root: %w", err)
	}

	registry, err := NewRegistry(ctx, filepath.Join(root, registryFile))
	if err != nil {
		return nil, fmt.Errorf("opening registry: %w", err)
	}

	dl := opts.Downloader
	ownsDL := dl == nil
	if ownsDL {
		dl = fetch.NewDownloader()
	}

	d := &Depot{
		opts:     opts,
		root:     root,
		logger:   opts.Logger,
		registry: registry,
		dl:       dl,
		ownsDL:   ownsDL,
	}

	if err := d.loadRemotes(); err != nil {
		registry.Close()
		return nil, err
	}

	if err := d.registerSelf(ctx); err != nil {
		d.logger.Warn("could not register engine entry", "err", err)
	}

	d.logger.Debug("engine opened", "root", root, "remotes", len(d.remotes))
	return d, nil
}

// Close releases the registry and, when the engine created its own
// downloader, stops it. Pending transactions must have finished.
func (d *Depot) Close() error {
	if d.ownsDL {
		d.dl.Close()
	}
	return d.registry.Close()
}

// Root returns the absolute installation root.
func (d *Depot) Root() string { return d.root }

// registerSelf keeps a registry entry for the engine binary itself, the way
// any extension package would be recorded.
func (d *Depot) registerSelf(ctx context.Context) error {
	exe, err := os.Executable()
	if err != nil {
		exe = "depot"
	}

	ri := NewIndex("depot")
	cat, err := NewCategory("Extensions", ri)
	if err != nil {
		return err
	}
	pkg, err := NewPackage(ExtensionType, "depot", cat)
	if err != nil {
		return err
	}
	ver, err := NewVersion(EngineVersion, pkg)
	if err != nil {
		return err
	}
	if err := ver.AddSource(NewSource(GenericPlatform, filepath.Base(exe), "", ver)); err != nil {
		return err
	}
	if err := pkg.AddVersion(ver); err != nil {
		return err
	}

	_, err = d.registry.Push(ctx, ver, true)
	return err
}

// Remotes returns a copy of the configured remote list.
func (d *Depot) Remotes() []Remote {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Remote, len(d.remotes))
	copy(out, d.remotes)
	return out
}

// Remote returns the named remote.
func (d *Depot) Remote(name string) (Remote, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range d.remotes {
		if r.Name == name {
			return r, true
		}
	}
	return Remote{}, false
}

// AddRemote registers a new remote and persists the remote list. The name
// must be unused.
func (d *Depot) AddRemote(remote Remote) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, r := range d.remotes {
		if r.Name == remote.Name {
			return fmt.Errorf("remote %s already exists", remote.Name)
		}
	}
	d.remotes = append(d.remotes, remote)
	return d.saveRemotes()
}

func (d *Depot) updateRemote(remote Remote) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, r := range d.remotes {
		if r.Name == remote.Name {
			d.remotes[i] = remote
			return d.saveRemotes()
		}
	}
	return fmt.Errorf("no such remote: %s", remote.Name)
}

func (d *Depot) removeRemote(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, r := range d.remotes {
		if r.Name == name {
			d.remotes = append(d.remotes[:i], d.remotes[i+1:]...)
			return d.saveRemotes()
		}
	}
	return fmt.Errorf("no such remote: %s", name)
}

func (d *Depot) loadRemotes() error {
	f, err := os.Open(filepath.Join(d.root, remotesFile))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		remote, err := ParseRemote(line)
		if err != nil {
			d.logger.Warn("skipping invalid remote", "line", line, "err", err)
			continue
		}
		d.remotes = append(d.remotes, remote)
	}
	return scanner.Err()
}

// saveRemotes writes the remote list atomically. Caller holds d.mu.
func (d *Depot) saveRemotes() error {
	path := filepath.Join(d.root, remotesFile)
	temp := path + ".part"

	var buf strings.Builder
	for _, r := range d.remotes {
		buf.WriteString(r.String())
		buf.WriteByte('\n')
	}
	if err := os.WriteFile(temp, []byte(buf.String()), 0o644); err != nil {
		return err
	}
	return os.Rename(temp, path)
}

// NewTransaction starts a transaction. Only one transaction runs at a time;
// this blocks until any other transaction settles. The caller must drive it
// with Run (or Cancel then Run) to release it.
func (d *Depot) NewTransaction(ctx context.Context) (*Transaction, error) {
	d.txMu.Lock()
	tx, err := newTransaction(ctx, d.root, d.opts, d.registry, d.dl)
	if err != nil {
		d.txMu.Unlock()
		return nil, err
	}
	tx.OnFinish(d.txMu.Unlock)
	if d.obsoleteHandler != nil {
		tx.SetObsoleteHandler(d.obsoleteHandler)
	}
	if d.hostHandler != nil {
		tx.SetHostHandler(d.hostHandler)
	}
	return tx, nil
}

// SetObsoleteHandler installs a default handler asked to pick which obsolete
// packages to remove during synchronization. Handlers set on an individual
// transaction take precedence.
func (d *Depot) SetObsoleteHandler(fn func([]Entry) []Entry) { d.obsoleteHandler = fn }

// SetHostHandler installs a default handler receiving host registration
// tickets after each transaction commits.
func (d *Depot) SetHostHandler(fn func([]HostTicket)) { d.hostHandler = fn }

// SynchronizeAll upgrades (and with auto-install enabled, installs) packages
// from every enabled remote.
func (d *Depot) SynchronizeAll(ctx context.Context) (*Receipt, error) {
	return d.runTransaction(ctx, func(tx *Transaction) error {
		for _, remote := range d.Remotes() {
			if remote.Enabled {
				tx.Synchronize(remote, AutoInstallDefault)
			}
		}
		return nil
	})
}

// Install installs one package from the named remote: the named version, or
// the latest when version is empty.
func (d *Depot) Install(ctx context.Context, remoteName, category, pkgName, version string, pin bool) (*Receipt, error) {
	remote, ok := d.Remote(remoteName)
	if !ok {
		return nil, fmt.Errorf("no such remote: %s", remoteName)
	}

	return d.runTransaction(ctx, func(tx *Transaction) error {
		tx.fetchIndex(remote, func(ri *Index) {
			pkg := ri.Find(category, pkgName)
			if pkg == nil {
				tx.receipt.AddError(ErrorInfo{
					Message: "package not found",
					Subject: remoteName + "/" + category + "/" + pkgName,
				})
				return
			}

			var ver *Version
			if version == "" {
				ver = pkg.LastVersion(d.opts.BleedingEdge, "")
			} else {
				ver = pkg.FindVersion(version)
			}
			if ver == nil {
				tx.receipt.AddError(ErrorInfo{
					Message: fmt.Sprintf("%s v%s cannot be found or is incompatible with your operating system",
						pkgName, version),
					Subject: pkg.FullName(),
				})
				return
			}

			tx.Install(ver, pin)
		})
		return nil
	})
}

// Uninstall removes one installed package.
func (d *Depot) Uninstall(ctx context.Context, remoteName, category, pkgName string) (*Receipt, error) {
	return d.runTransaction(ctx, func(tx *Transaction) error {
		entry, err := d.registry.getEntry(ctx, remoteName, category, pkgName)
		if err != nil {
			return err
		}
		if !entry.Valid() {
			return fmt.Errorf("not installed: %s/%s/%s", remoteName, category, pkgName)
		}
		tx.Uninstall(entry)
		return nil
	})
}

// UninstallRemote removes the remote, everything installed from it, and its
// cached index. Protected remotes cannot be removed.
func (d *Depot) UninstallRemote(ctx context.Context, name string) (*Receipt, error) {
	remote, ok := d.Remote(name)
	if !ok {
		return nil, fmt.Errorf("no such remote: %s", name)
	}
	if remote.Protected {
		return nil, fmt.Errorf("remote %s is protected", name)
	}

	receipt, err := d.runTransaction(ctx, func(tx *Transaction) error {
		tx.UninstallRemote(remote)
		return nil
	})
	if err != nil {
		return receipt, err
	}
	if !receipt.Cancelled() {
		if err := d.removeRemote(name); err != nil {
			return receipt, err
		}
	}
	return receipt, nil
}

// SetRemoteEnabled flips a remote on or off and re-emits host registration
// tickets for everything installed from it.
func (d *Depot) SetRemoteEnabled(ctx context.Context, name string, enabled bool) (*Receipt, error) {
	remote, ok := d.Remote(name)
	if !ok {
		return nil, fmt.Errorf("no such remote: %s", name)
	}
	if remote.Enabled == enabled {
		return &Receipt{}, nil
	}
	remote.Enabled = enabled

	receipt, err := d.runTransaction(ctx, func(tx *Transaction) error {
		tx.RegisterAll(remote)
		return nil
	})
	if err != nil {
		return receipt, err
	}
	return receipt, d.updateRemote(remote)
}

// SetPinned pins or unpins one installed package.
func (d *Depot) SetPinned(ctx context.Context, remoteName, category, pkgName string, pinned bool) (*Receipt, error) {
	return d.runTransaction(ctx, func(tx *Transaction) error {
		entry, err := d.registry.getEntry(ctx, remoteName, category, pkgName)
		if err != nil {
			return err
		}
		if !entry.Valid() {
			return fmt.Errorf("not installed: %s/%s/%s", remoteName, category, pkgName)
		}
		tx.SetPinned(entry, pinned)
		return nil
	})
}

// Entries lists what is installed from the named remote.
func (d *Depot) Entries(ctx context.Context, remoteName string) ([]Entry, error) {
	return d.registry.GetEntries(ctx, remoteName)
}

// Export writes an offline archive of everything installed from the enabled
// remotes.
func (d *Depot) Export(ctx context.Context, archivePath string) (*Receipt, error) {
	var remotes []Remote
	for _, r := range d.Remotes() {
		if r.Enabled {
			remotes = append(remotes, r)
		}
	}
	return d.runTransaction(ctx, func(tx *Transaction) error {
		tx.ExportArchive(archivePath, remotes)
		return nil
	})
}

// Import installs the contents of an offline archive and adopts the remotes
// it records, without touching the network.
func (d *Depot) Import(ctx context.Context, archivePath string) (*Receipt, error) {
	var imported []Remote
	receipt, err := d.runTransaction(ctx, func(tx *Transaction) error {
		remotes, err := tx.ImportArchive(archivePath)
		imported = remotes
		return err
	})
	if err != nil {
		return receipt, err
	}

	if !receipt.Cancelled() {
		for _, remote := range imported {
			if _, exists := d.Remote(remote.Name); !exists {
				if err := d.AddRemote(remote); err != nil {
					return receipt, err
				}
			}
		}
	}
	return receipt, nil
}

// runTransaction opens a transaction, lets prepare queue work on it, and
// runs it to completion.
func (d *Depot) runTransaction(ctx context.Context, prepare func(*Transaction) error) (*Receipt, error) {
	tx, err := d.NewTransaction(ctx)
	if err != nil {
		return nil, err
	}

	if err := prepare(tx); err != nil {
		tx.Cancel()
		if runErr := tx.Run(); runErr != nil {
			d.logger.Error("rollback failed", "err", runErr)
		}
		return tx.Receipt(), err
	}

	if err := tx.Run(); err != nil {
		return tx.Receipt(), err
	}
	return tx.Receipt(), nil
}
