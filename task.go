package depot

import (
	"os"
	"path/filepath"
	"sort"
)

// Task is a unit of registry-affecting work queued by a Transaction. Start
// runs inside the queue's probing savepoint and may push pool jobs; Commit
// and Rollback run on the orchestrator goroutine once the pool has settled.
type Task interface {
	// Start prepares the task. Tasks that fail to start (for example a
	// pre-install probe hitting a file owned by another package) report to
	// the receipt and are dropped from the queue.
	Start() bool
	Commit()
	Rollback()
}

type stagedFile struct {
	job    Job
	temp   string
	target string // absolute path
	rel    string // slash-separated install path
}

// InstallTask installs or upgrades one version: its sources are staged by
// pool jobs (downloads, or extractions during an archive import), then moved
// into place and recorded in the registry at commit.
type InstallTask struct {
	tx       *Transaction
	ver      *Version
	pin      bool
	oldEntry Entry
	reader   *ArchiveReader
	staged   []stagedFile
}

func NewInstallTask(ver *Version, pin bool, oldEntry Entry, reader *ArchiveReader, tx *Transaction) *InstallTask {
	return &InstallTask{tx: tx, ver: ver, pin: pin, oldEntry: oldEntry, reader: reader}
}

func (t *InstallTask) Start() bool {
	tx := t.tx

	// probing push: detects file conflicts with other entries while the
	// queue savepoint is open, discarded before commit
	pinned := t.pin || t.oldEntry.Pinned
	if _, err := tx.registry.Push(tx.ctx, t.ver, pinned); err != nil {
		tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: t.ver.FullName()})
		return false
	}

	for _, src := range t.ver.Sources() {
		rel := src.TargetPath()
		target := tx.targetPath(rel)

		var j Job
		if t.reader != nil {
			ex := NewFileExtractor(rel, target, t.reader)
			t.staged = append(t.staged, stagedFile{job: ex, temp: ex.Temp(), target: target, rel: rel})
			j = ex
		} else {
			dl := NewFileDownload(src.URL(), target, tx.dl)
			t.staged = append(t.staged, stagedFile{job: dl, temp: dl.Temp(), target: target, rel: rel})
			j = dl
		}
		tx.pool.Push(j)
	}

	return true
}

func (t *InstallTask) Commit() {
	tx := t.tx

	for _, sf := range t.staged {
		if sf.job.State() != JobSuccess {
			t.Rollback()
			return
		}
	}

	newPaths := make(map[string]bool, len(t.staged))
	for _, sf := range t.staged {
		newPaths[sf.rel] = true
		if err := os.Rename(sf.temp, sf.target); err != nil {
			tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: sf.rel})
			t.Rollback()
			return
		}
	}

	// files of the previous version that the new one no longer ships
	if t.oldEntry.Valid() {
		oldFiles, err := tx.registry.GetFiles(tx.ctx, t.oldEntry)
		if err != nil {
			tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: t.oldEntry.FullName()})
		}
		for _, f := range oldFiles {
			if !newPaths[f.Path] {
				removePath(tx, f.Path)
			}
		}
	}

	pinned := t.pin || t.oldEntry.Pinned
	entry, err := tx.registry.Push(tx.ctx, t.ver, pinned)
	if err != nil {
		tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: t.ver.FullName()})
		return
	}

	files, err := tx.registry.GetMainFiles(tx.ctx, entry)
	if err == nil {
		for _, f := range files {
			tx.registerFile(HostTicket{Add: true, Entry: entry, File: f})
		}
	}

	if t.oldEntry.Valid() {
		tx.receipt.addUpdate(t.oldEntry.FullName() + " -> v" + t.ver.Name())
	} else {
		tx.receipt.addInstall(t.ver.FullName())
	}
}

func (t *InstallTask) Rollback() {
	for _, sf := range t.staged {
		os.Remove(sf.temp)
	}
}

// UninstallTask removes an installed entry: its files from disk, its records
// from the registry, and its host registrations.
type UninstallTask struct {
	tx        *Transaction
	entry     Entry
	files     []File
	mainFiles []File
}

func NewUninstallTask(entry Entry, tx *Transaction) *UninstallTask {
	return &UninstallTask{tx: tx, entry: entry}
}

func (t *UninstallTask) Start() bool {
	tx := t.tx

	var err error
	if t.files, err = tx.registry.GetFiles(tx.ctx, t.entry); err != nil {
		tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: t.entry.FullName()})
		return false
	}
	t.mainFiles, _ = tx.registry.GetMainFiles(tx.ctx, t.entry)

	return true
}

func (t *UninstallTask) Commit() {
	tx := t.tx

	// deepest paths first so emptied directories could be swept afterwards
	sort.Slice(t.files, func(i, j int) bool { return t.files[i].Path > t.files[j].Path })

	for _, f := range t.files {
		removePath(tx, f.Path)
	}

	for _, f := range t.mainFiles {
		tx.registerFile(HostTicket{Add: false, Entry: t.entry, File: f})
	}

	if err := tx.registry.Forget(tx.ctx, t.entry); err != nil {
		tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: t.entry.FullName()})
	}
}

func (t *UninstallTask) Rollback() {}

// PinTask toggles the pinned flag of an installed entry.
type PinTask struct {
	tx     *Transaction
	entry  Entry
	pinned bool
}

func NewPinTask(entry Entry, pinned bool, tx *Transaction) *PinTask {
	return &PinTask{tx: tx, entry: entry, pinned: pinned}
}

func (t *PinTask) Start() bool { return true }

func (t *PinTask) Commit() {
	if err := t.tx.registry.SetPinned(t.tx.ctx, t.entry, t.pinned); err != nil {
		t.tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: t.entry.FullName()})
	}
}

func (t *PinTask) Rollback() {}

func removePath(tx *Transaction, rel string) {
	abs := tx.targetPath(rel)
	if err := os.Remove(abs); err != nil {
		if !os.IsNotExist(err) {
			tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: rel})
		}
		return
	}
	tx.receipt.addRemoval(rel)

	// sweep directories the removal emptied, up to the root
	dir := filepath.Dir(abs)
	for dir != tx.root {
		if os.Remove(dir) != nil {
			break
		}
		dir = filepath.Dir(dir)
	}
}
