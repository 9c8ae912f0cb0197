package depot

import "sync"

// ErrorInfo is one task-level failure: a human-readable message and the
// subject it relates to (a file path, a remote name, a package full name).
type ErrorInfo struct {
	Message string
	Subject string
}

// Receipt accumulates what a transaction did. Task failures land here
// instead of aborting sibling tasks; worker goroutines report through it, so
// it locks.
type Receipt struct {
	mu        sync.Mutex
	installs  []string
	updates   []string
	removals  []string
	exports   []string
	errors    []ErrorInfo
	cancelled bool
}

func (rc *Receipt) addInstall(name string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.installs = append(rc.installs, name)
}

func (rc *Receipt) addUpdate(name string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.updates = append(rc.updates, name)
}

func (rc *Receipt) addRemoval(path string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.removals = append(rc.removals, path)
}

func (rc *Receipt) addExport(path string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.exports = append(rc.exports, path)
}

// AddError records a non-fatal failure.
func (rc *Receipt) AddError(err ErrorInfo) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.errors = append(rc.errors, err)
}

func (rc *Receipt) setCancelled() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.cancelled = true
}

func (rc *Receipt) Installs() []string { return rc.snapshot(&rc.installs) }
func (rc *Receipt) Updates() []string  { return rc.snapshot(&rc.updates) }
func (rc *Receipt) Removals() []string { return rc.snapshot(&rc.removals) }
func (rc *Receipt) Exports() []string  { return rc.snapshot(&rc.exports) }

func (rc *Receipt) Errors() []ErrorInfo {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]ErrorInfo, len(rc.errors))
	copy(out, rc.errors)
	return out
}

// Cancelled reports whether the transaction was aborted by the user.
// A cancelled receipt is not a failure.
func (rc *Receipt) Cancelled() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.cancelled
}

// Empty reports whether the transaction had nothing to show.
func (rc *Receipt) Empty() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.installs) == 0 && len(rc.updates) == 0 &&
		len(rc.removals) == 0 && len(rc.exports) == 0 && len(rc.errors) == 0
}

func (rc *Receipt) snapshot(list *[]string) []string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	out := make([]string, len(*list))
	copy(out, *list)
	return out
}
