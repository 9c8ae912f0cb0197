package depot

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"github.com/packdepot/depot/internal/fetch"
)

// Cached manifests younger than this are reused without re-downloading,
// unless a forced refresh is requested.
const staleThreshold = 7 * 24 * time.Hour

// HostTicket asks the embedding host to (un)register one installed file in
// its integration sections. Tickets are emitted only after the final durable
// commit.
type HostTicket struct {
	Add   bool
	Entry Entry
	File  File
}

type fetchRequest struct {
	remote Remote
	job    *FileDownload // nil when the cache was fresh enough
	cb     func(*Index)
}

// Transaction sequences one batch of package operations: index fetch,
// resolution, task execution through the thread pool, then a single durable
// registry commit (or a rollback of everything on cancellation).
//
// A transaction is driven by exactly one goroutine; only pool jobs run
// concurrently with it, and they never touch the registry.
type Transaction struct {
	ctx      context.Context
	root     string
	opts     *Options
	logger   *log.Logger
	registry *Registry
	pool     *ThreadPool
	dl       *fetch.Downloader
	receipt  *Receipt

	indexes   map[string]*Index
	synced    map[string]bool
	inhibited map[string]bool
	obsolete  map[int64]Entry
	fetches   []fetchRequest
	nextQueue []Task
	queues    [][]Task

	hostMu   sync.Mutex
	regQueue []HostTicket

	cancelled atomic.Bool

	obsoleteHandler func([]Entry) []Entry
	hostHandler     func([]HostTicket)
	onFinish        []func()
	cleanup         func()
}

func newTransaction(ctx context.Context, root string, opts *Options, registry *Registry, dl *fetch.Downloader) (*Transaction, error) {
	tx := &Transaction{
		ctx:       ctx,
		root:      root,
		opts:      opts,
		logger:    opts.Logger,
		registry:  registry,
		dl:        dl,
		receipt:   &Receipt{},
		indexes:   map[string]*Index{},
		synced:    map[string]bool{},
		inhibited: map[string]bool{},
		obsolete:  map[int64]Entry{},
	}

	// nothing a task writes persists unless Run reaches the final commit
	if err := registry.Savepoint(ctx); err != nil {
		return nil, err
	}

	tp := NewThreadPool(ctx, opts.Concurrency)
	tp.OnPush(func(j Job) {
		j.OnFinish(func() {
			if j.State() == JobFailure {
				tx.receipt.AddError(j.Error())
			}
		})
	})
	tp.OnAbort(func() {
		tx.cancelled.Store(true)
		tx.hostMu.Lock()
		tx.regQueue = nil
		tx.hostMu.Unlock()
	})
	tx.pool = tp

	return tx, nil
}

// Receipt exposes the transaction's accumulating receipt.
func (tx *Transaction) Receipt() *Receipt { return tx.receipt }

// ThreadPool exposes the pool, mainly so hosts can observe job progress.
func (tx *Transaction) ThreadPool() *ThreadPool { return tx.pool }

// IsCancelled reports whether the transaction was aborted.
func (tx *Transaction) IsCancelled() bool { return tx.cancelled.Load() }

// OnFinish registers a callback invoked once the transaction settles,
// whether committed or cancelled.
func (tx *Transaction) OnFinish(fn func()) { tx.onFinish = append(tx.onFinish, fn) }

// SetObsoleteHandler installs the decision function for obsolete packages.
// It receives the candidate entries and returns the subset to uninstall.
func (tx *Transaction) SetObsoleteHandler(fn func([]Entry) []Entry) { tx.obsoleteHandler = fn }

// SetHostHandler installs the callback receiving host-registration tickets
// after the final commit.
func (tx *Transaction) SetHostHandler(fn func([]HostTicket)) { tx.hostHandler = fn }

// SetCleanupHandler installs the callback invoked last of all.
func (tx *Transaction) SetCleanupHandler(fn func()) { tx.cleanup = fn }

// Cancel aborts the transaction: queued work is dropped, running jobs stop
// at their next cancellation check, and nothing becomes durable.
func (tx *Transaction) Cancel() {
	tx.cancelled.Store(true)
	tx.pool.Abort()
}

// Synchronize resolves every package of the remote against the registry and
// queues whatever installs are needed. Calling it twice for the same remote
// in one transaction is a no-op.
func (tx *Transaction) Synchronize(remote Remote, forceAutoInstall AutoInstall) {
	if tx.synced[remote.Name] {
		return
	}
	tx.synced[remote.Name] = true

	autoInstall := tx.opts.AutoInstall
	switch {
	case forceAutoInstall != AutoInstallDefault:
		autoInstall = forceAutoInstall == AutoInstallOn
	case remote.AutoInstall != AutoInstallDefault:
		autoInstall = remote.AutoInstall == AutoInstallOn
	}

	tx.logger.Debug("synchronizing remote", "remote", remote.Name, "auto_install", autoInstall)

	tx.fetchIndex(remote, func(ri *Index) {
		for _, pkg := range ri.Packages() {
			tx.resolve(pkg, autoInstall)
		}

		if tx.opts.PromptObsolete && !remote.Protected {
			tx.collectObsolete(ri)
		}
	})
}

// FetchIndex makes sure the remote's index is downloaded and loaded by the
// time Run finishes, without resolving anything.
func (tx *Transaction) FetchIndex(remote Remote) {
	tx.fetchIndex(remote, nil)
}

// Index returns a loaded index by remote name, or nil.
func (tx *Transaction) Index(name string) *Index { return tx.indexes[name] }

func (tx *Transaction) fetchIndex(remote Remote, cb func(*Index)) {
	path := IndexPath(tx.root, remote.Name)

	if fi, err := os.Stat(path); err == nil && !tx.opts.ForceRefresh {
		if time.Since(fi.ModTime()) < staleThreshold {
			tx.fetches = append(tx.fetches, fetchRequest{remote: remote, cb: cb})
			return
		}
	}

	dl := NewFileDownload(remote.URL, path, tx.dl)
	tx.pool.Push(dl)
	tx.fetches = append(tx.fetches, fetchRequest{remote: remote, job: dl, cb: cb})
}

// flushFetches waits for pending index downloads and runs the load +
// resolution callbacks on the orchestrator goroutine.
func (tx *Transaction) flushFetches() {
	for len(tx.fetches) > 0 {
		pending := tx.fetches
		tx.fetches = nil

		tx.pool.Wait()

		for _, req := range pending {
			if req.job != nil {
				if req.job.State() == JobSuccess {
					if data, err := os.ReadFile(req.job.Temp()); err == nil {
						if err := WriteIndexCache(tx.root, req.remote.Name, data); err != nil {
							tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: req.remote.Name})
						}
					}
				}
				os.Remove(req.job.Temp())
			}

			if tx.inhibited[req.remote.Name] || tx.IsCancelled() {
				continue
			}

			// load whatever cache we have, even after a failed download
			ri := tx.loadIndex(req.remote)
			if ri != nil && req.cb != nil {
				req.cb(ri)
			}
		}
	}
}

func (tx *Transaction) loadIndex(remote Remote) *Index {
	if ri, ok := tx.indexes[remote.Name]; ok {
		return ri
	}

	ri, err := LoadIndex(tx.root, remote.Name)
	if err != nil {
		tx.receipt.AddError(ErrorInfo{
			Message: "couldn't load repository: " + err.Error(),
			Subject: remote.Name,
		})
		return nil
	}

	tx.indexes[remote.Name] = ri
	return ri
}

// resolve decides whether pkg needs an install task queued.
func (tx *Transaction) resolve(pkg *Package, autoInstall bool) {
	entry, err := tx.registry.GetEntry(tx.ctx, pkg)
	if err != nil {
		tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: pkg.FullName()})
		return
	}

	if !entry.Valid() && !autoInstall {
		return
	}

	latest := pkg.LastVersion(tx.opts.BleedingEdge, entry.Version)

	// no stable release with bleeding edge off, or an empty package
	if latest == nil {
		return
	}

	if entry.Valid() && entry.Version == latest.Name() {
		if tx.allFilesExist(latest.Files()) {
			return // really installed, nothing to do
		}
	} else if entry.Valid() {
		if entry.Pinned {
			return
		}
		if cur, err := NewVersion(entry.Version, nil); err == nil && latest.Code() < cur.Code() {
			return // never silently downgrade
		}
	}

	tx.nextQueue = append(tx.nextQueue, NewInstallTask(latest, false, entry, nil, tx))
}

func (tx *Transaction) collectObsolete(ri *Index) {
	entries, err := tx.registry.GetEntries(tx.ctx, ri.Name())
	if err != nil {
		tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: ri.Name()})
		return
	}

	for _, entry := range entries {
		// pinned entries are kept out of obsolete prompts, same as they
		// are kept out of automatic upgrades
		if entry.Pinned {
			continue
		}
		if ri.Find(entry.Category, entry.Package) == nil {
			tx.obsolete[entry.ID] = entry
		}
	}
}

// Install queues an explicit installation of ver, bypassing resolution.
func (tx *Transaction) Install(ver *Version, pin bool) {
	tx.installFrom(ver, pin, nil)
}

func (tx *Transaction) installFrom(ver *Version, pin bool, reader *ArchiveReader) {
	entry, err := tx.registry.GetEntry(tx.ctx, ver.Package())
	if err != nil {
		tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: ver.FullName()})
		return
	}
	tx.nextQueue = append(tx.nextQueue, NewInstallTask(ver, pin, entry, reader, tx))
}

// Uninstall queues removal of one installed entry.
func (tx *Transaction) Uninstall(entry Entry) {
	tx.nextQueue = append(tx.nextQueue, NewUninstallTask(entry, tx))
}

// UninstallRemote queues removal of everything installed from the remote and
// drops its cached index. The remote's pending host registrations are
// suppressed.
func (tx *Transaction) UninstallRemote(remote Remote) {
	tx.inhibit(remote)

	path := IndexPath(tx.root, remote.Name)
	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: path})
		}
	}

	entries, err := tx.registry.GetEntries(tx.ctx, remote.Name)
	if err != nil {
		tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: remote.Name})
		return
	}
	for _, entry := range entries {
		tx.Uninstall(entry)
	}
}

// SetPinned queues a pin state change.
func (tx *Transaction) SetPinned(entry Entry, pinned bool) {
	tx.nextQueue = append(tx.nextQueue, NewPinTask(entry, pinned, tx))
}

// RegisterAll re-emits host tickets for every installed entry of the remote,
// as additions when it is enabled and removals when it is not.
func (tx *Transaction) RegisterAll(remote Remote) {
	entries, err := tx.registry.GetEntries(tx.ctx, remote.Name)
	if err != nil {
		tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: remote.Name})
		return
	}

	for _, entry := range entries {
		files, err := tx.registry.GetMainFiles(tx.ctx, entry)
		if err != nil {
			continue
		}
		for _, f := range files {
			tx.registerFile(HostTicket{Add: remote.Enabled, Entry: entry, File: f})
		}
	}

	if !remote.Enabled {
		tx.inhibit(remote)
	}
}

// inhibit prevents further index callbacks for the remote and suppresses its
// pending host additions (removals still go through).
func (tx *Transaction) inhibit(remote Remote) {
	delete(tx.synced, remote.Name)
	tx.inhibited[remote.Name] = true
}

func (tx *Transaction) registerFile(ticket HostTicket) {
	tx.hostMu.Lock()
	defer tx.hostMu.Unlock()
	tx.regQueue = append(tx.regQueue, ticket)
}

// pushQueue appends an already-built task queue, used by archive import to
// keep bulk batches ordered after the current pending queue.
func (tx *Transaction) pushQueue(queue []Task) {
	if len(queue) > 0 {
		tx.queues = append(tx.queues, queue)
	}
}

// Run drives the transaction to completion: index fetches, obsolete prompt,
// every task queue in submission order, then the durable registry commit.
// On cancellation everything written since the transaction began is rolled
// back and the receipt is marked cancelled.
func (tx *Transaction) Run() error {
	defer tx.finish()

	tx.flushFetches()

	if !tx.IsCancelled() {
		tx.promptObsolete()

		if len(tx.nextQueue) > 0 {
			tx.queues = append([][]Task{tx.nextQueue}, tx.queues...)
			tx.nextQueue = nil
		}

		if err := tx.runQueues(); err != nil {
			return err
		}
	}

	if tx.IsCancelled() {
		tx.receipt.setCancelled()
		if err := tx.registry.Restore(tx.ctx); err != nil {
			return err
		}
		tx.logger.Info("transaction cancelled, registry rolled back")
		return nil
	}

	if err := tx.registry.Commit(tx.ctx); err != nil {
		return err
	}
	tx.registerQueued()

	tx.logger.Debug("transaction committed",
		"installs", len(tx.receipt.Installs()),
		"updates", len(tx.receipt.Updates()),
		"removals", len(tx.receipt.Removals()),
		"errors", len(tx.receipt.Errors()))
	return nil
}

func (tx *Transaction) runQueues() error {
	for len(tx.queues) > 0 && !tx.IsCancelled() {
		queue := tx.queues[0]
		tx.queues = tx.queues[1:]

		// probing savepoint: Start may push registry records for conflict
		// checks; none of them survive past the queue start phase
		if err := tx.registry.Savepoint(tx.ctx); err != nil {
			return err
		}

		var running []Task
		for _, task := range queue {
			if tx.IsCancelled() {
				break
			}
			if task.Start() {
				running = append(running, task)
			}
		}

		if err := tx.registry.Restore(tx.ctx); err != nil {
			return err
		}

		tx.pool.Wait()

		for _, task := range running {
			if tx.IsCancelled() {
				task.Rollback()
			} else {
				task.Commit()
			}
		}
	}
	return nil
}

func (tx *Transaction) promptObsolete() {
	if !tx.opts.PromptObsolete || len(tx.obsolete) == 0 || tx.obsoleteHandler == nil {
		return
	}

	candidates := make([]Entry, 0, len(tx.obsolete))
	for _, entry := range tx.obsolete {
		candidates = append(candidates, entry)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].FullName() < candidates[j].FullName()
	})
	tx.obsolete = map[int64]Entry{}

	selected := tx.obsoleteHandler(candidates)
	if len(selected) == 0 {
		return
	}

	queue := make([]Task, 0, len(selected))
	for _, entry := range selected {
		queue = append(queue, NewUninstallTask(entry, tx))
	}
	tx.queues = append(tx.queues, queue)
}

func (tx *Transaction) registerQueued() {
	tx.hostMu.Lock()
	tickets := tx.regQueue
	tx.regQueue = nil
	tx.hostMu.Unlock()

	var out []HostTicket
	for _, ticket := range tickets {
		// additions for remotes disabled or uninstalled mid-transaction
		// are suppressed; removals always go through
		if ticket.Add && tx.inhibited[ticket.Entry.Remote] {
			continue
		}
		if ticket.File.Sections == 0 {
			continue
		}
		out = append(out, ticket)
	}

	if len(out) > 0 && tx.hostHandler != nil {
		tx.hostHandler(out)
	}
}

func (tx *Transaction) finish() {
	tx.pool.Close()

	for _, fn := range tx.onFinish {
		fn()
	}
	if tx.cleanup != nil {
		tx.cleanup()
	}
}

func (tx *Transaction) allFilesExist(files []string) bool {
	for _, rel := range files {
		if _, err := os.Stat(tx.targetPath(rel)); err != nil {
			return false
		}
	}
	return true
}

func (tx *Transaction) targetPath(rel string) string {
	return filepath.Join(tx.root, filepath.FromSlash(rel))
}
