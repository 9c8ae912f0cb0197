package depot

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/packdepot/depot/internal/fetch"
)

// repoServer serves a mutable single-category repository over HTTP.
type repoServer struct {
	*httptest.Server

	mu       sync.Mutex
	packages map[string][]string // package name -> version names
	contents map[string]string   // url path -> file body
}

func newRepoServer(t *testing.T) *repoServer {
	t.Helper()

	rs := &repoServer{
		packages: map[string][]string{},
		contents: map[string]string{},
	}
	rs.Server = httptest.NewServer(http.HandlerFunc(rs.handle))
	t.Cleanup(rs.Close)
	return rs
}

// addVersion publishes one version of a script package with a single main
// source.
func (rs *repoServer) addVersion(pkg, ver, body string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.packages[pkg] = append(rs.packages[pkg], ver)
	rs.contents["/"+pkg+"-"+ver] = body
}

func (rs *repoServer) drop(pkg string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.packages, pkg)
}

func (rs *repoServer) handle(w http.ResponseWriter, r *http.Request) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if r.URL.Path != "/index.xml" {
		body, ok := rs.contents[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
		return
	}

	fmt.Fprint(w, `<?xml version="1.0" encoding="utf-8"?><index version="1">`)
	fmt.Fprint(w, `<category name="Tools">`)
	for pkg, vers := range rs.packages {
		fmt.Fprintf(w, `<package type="script" name="%s">`, pkg)
		for _, ver := range vers {
			fmt.Fprintf(w, `<version name="%s"><source main="true">%s/%s-%s</source></version>`,
				ver, rs.URL, pkg, ver)
		}
		fmt.Fprint(w, `</package>`)
	}
	fmt.Fprint(w, `</category></index>`)
}

func openTestDepot(t *testing.T, opts ...Option) *Depot {
	t.Helper()

	opts = append([]Option{
		WithRootDir(filepath.Join(t.TempDir(), "root")),
		WithConcurrency(2),
		WithForceRefresh(true),
		WithDownloader(fetch.NewDownloader(fetch.WithBaseDelay(time.Millisecond))),
	}, opts...)

	d, err := Open(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func addTestRemote(t *testing.T, d *Depot, rs *repoServer) Remote {
	t.Helper()

	remote, err := NewRemote("demo", rs.URL+"/index.xml")
	require.NoError(t, err)
	require.NoError(t, d.AddRemote(remote))
	return remote
}

func installedPath(d *Depot, pkg string) string {
	return filepath.Join(d.Root(), "scripts", "demo", "Tools", pkg)
}

func TestInstallAndUninstall(t *testing.T) {
	ctx := context.Background()
	rs := newRepoServer(t)
	rs.addVersion("hello.lua", "1.0", "print('hi')")

	d := openTestDepot(t)
	addTestRemote(t, d, rs)

	rc, err := d.Install(ctx, "demo", "Tools", "hello.lua", "", false)
	require.NoError(t, err)
	require.Empty(t, rc.Errors())
	require.Equal(t, []string{"demo/Tools/hello.lua v1.0"}, rc.Installs())

	data, err := os.ReadFile(installedPath(d, "hello.lua"))
	require.NoError(t, err)
	require.Equal(t, "print('hi')", string(data))

	entries, err := d.Entries(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "1.0", entries[0].Version)

	rc, err = d.Uninstall(ctx, "demo", "Tools", "hello.lua")
	require.NoError(t, err)
	require.Equal(t, []string{"scripts/demo/Tools/hello.lua"}, rc.Removals())

	_, err = os.Stat(installedPath(d, "hello.lua"))
	require.True(t, os.IsNotExist(err))

	// emptied directories are swept
	_, err = os.Stat(filepath.Join(d.Root(), "scripts"))
	require.True(t, os.IsNotExist(err))

	entries, err = d.Entries(ctx, "demo")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestSynchronizeUpgrades(t *testing.T) {
	ctx := context.Background()
	rs := newRepoServer(t)
	rs.addVersion("hello.lua", "1.0", "v1")

	d := openTestDepot(t)
	addTestRemote(t, d, rs)

	_, err := d.Install(ctx, "demo", "Tools", "hello.lua", "", false)
	require.NoError(t, err)

	rs.addVersion("hello.lua", "2.0", "v2")

	rc, err := d.SynchronizeAll(ctx)
	require.NoError(t, err)
	require.Empty(t, rc.Errors())
	require.Equal(t, []string{"demo/Tools/hello.lua v1.0 -> v2.0"}, rc.Updates())

	data, err := os.ReadFile(installedPath(d, "hello.lua"))
	require.NoError(t, err)
	require.Equal(t, "v2", string(data))

	// a second sync finds nothing to do
	rc, err = d.SynchronizeAll(ctx)
	require.NoError(t, err)
	require.True(t, rc.Empty())
}

func TestSynchronizeAutoInstall(t *testing.T) {
	ctx := context.Background()
	rs := newRepoServer(t)
	rs.addVersion("hello.lua", "1.0", "v1")

	// without auto-install, sync leaves uninstalled packages alone
	d := openTestDepot(t)
	addTestRemote(t, d, rs)
	rc, err := d.SynchronizeAll(ctx)
	require.NoError(t, err)
	require.True(t, rc.Empty())

	d = openTestDepot(t, WithAutoInstall(true))
	addTestRemote(t, d, rs)
	rc, err = d.SynchronizeAll(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"demo/Tools/hello.lua v1.0"}, rc.Installs())
}

func TestSynchronizePerRemoteAutoInstall(t *testing.T) {
	ctx := context.Background()
	rs := newRepoServer(t)
	rs.addVersion("hello.lua", "1.0", "v1")

	d := openTestDepot(t)
	remote := addTestRemote(t, d, rs)

	// the remote's own auto-install setting overrides the global default
	tx, err := d.NewTransaction(ctx)
	require.NoError(t, err)
	remote.AutoInstall = AutoInstallOn
	tx.Synchronize(remote, AutoInstallDefault)
	require.NoError(t, tx.Run())
	require.Len(t, tx.Receipt().Installs(), 1)
}

func TestSynchronizeSkipsPinned(t *testing.T) {
	ctx := context.Background()
	rs := newRepoServer(t)
	rs.addVersion("hello.lua", "1.0", "v1")

	d := openTestDepot(t)
	addTestRemote(t, d, rs)

	_, err := d.Install(ctx, "demo", "Tools", "hello.lua", "", true)
	require.NoError(t, err)

	rs.addVersion("hello.lua", "2.0", "v2")

	rc, err := d.SynchronizeAll(ctx)
	require.NoError(t, err)
	require.Empty(t, rc.Updates())

	data, err := os.ReadFile(installedPath(d, "hello.lua"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(data))

	// released again, the next sync picks up the upgrade
	_, err = d.SetPinned(ctx, "demo", "Tools", "hello.lua", false)
	require.NoError(t, err)

	rc, err = d.SynchronizeAll(ctx)
	require.NoError(t, err)
	require.Len(t, rc.Updates(), 1)
}

func TestSynchronizeRestoresMissingFile(t *testing.T) {
	ctx := context.Background()
	rs := newRepoServer(t)
	rs.addVersion("hello.lua", "1.0", "v1")

	d := openTestDepot(t)
	addTestRemote(t, d, rs)

	_, err := d.Install(ctx, "demo", "Tools", "hello.lua", "", false)
	require.NoError(t, err)

	require.NoError(t, os.Remove(installedPath(d, "hello.lua")))

	rc, err := d.SynchronizeAll(ctx)
	require.NoError(t, err)
	require.Empty(t, rc.Errors())

	data, err := os.ReadFile(installedPath(d, "hello.lua"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(data))
}

func TestCancelLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	rs := newRepoServer(t)
	rs.addVersion("hello.lua", "1.0", "v1")

	d := openTestDepot(t)
	remote := addTestRemote(t, d, rs)

	tx, err := d.NewTransaction(ctx)
	require.NoError(t, err)
	tx.Synchronize(remote, AutoInstallOn)
	tx.Cancel()
	require.NoError(t, tx.Run())
	require.True(t, tx.Receipt().Cancelled())

	entries, err := d.Entries(ctx, "demo")
	require.NoError(t, err)
	require.Empty(t, entries)

	_, err = os.Stat(installedPath(d, "hello.lua"))
	require.True(t, os.IsNotExist(err))
}

func TestObsoletePackages(t *testing.T) {
	ctx := context.Background()
	rs := newRepoServer(t)
	rs.addVersion("hello.lua", "1.0", "v1")
	rs.addVersion("keeper.lua", "1.0", "k1")

	d := openTestDepot(t)
	remote := addTestRemote(t, d, rs)

	_, err := d.Install(ctx, "demo", "Tools", "hello.lua", "", false)
	require.NoError(t, err)
	_, err = d.Install(ctx, "demo", "Tools", "keeper.lua", "", false)
	require.NoError(t, err)

	rs.drop("hello.lua")

	var offered []Entry
	tx, err := d.NewTransaction(ctx)
	require.NoError(t, err)
	tx.SetObsoleteHandler(func(candidates []Entry) []Entry {
		offered = candidates
		return candidates
	})
	tx.Synchronize(remote, AutoInstallDefault)
	require.NoError(t, tx.Run())

	require.Len(t, offered, 1)
	require.Equal(t, "hello.lua", offered[0].Package)

	entries, err := d.Entries(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "keeper.lua", entries[0].Package)

	_, err = os.Stat(installedPath(d, "hello.lua"))
	require.True(t, os.IsNotExist(err))
}

func TestObsoleteSkipsPinned(t *testing.T) {
	ctx := context.Background()
	rs := newRepoServer(t)
	rs.addVersion("hello.lua", "1.0", "v1")
	rs.addVersion("keeper.lua", "1.0", "k1")

	d := openTestDepot(t)
	remote := addTestRemote(t, d, rs)

	_, err := d.Install(ctx, "demo", "Tools", "hello.lua", "", true)
	require.NoError(t, err)

	rs.drop("hello.lua")

	tx, err := d.NewTransaction(ctx)
	require.NoError(t, err)
	tx.SetObsoleteHandler(func(candidates []Entry) []Entry {
		t.Errorf("pinned entry offered as obsolete: %v", candidates)
		return nil
	})
	tx.Synchronize(remote, AutoInstallDefault)
	require.NoError(t, tx.Run())
}

func TestInstallConflictingFile(t *testing.T) {
	ctx := context.Background()
	rs := newRepoServer(t)
	rs.addVersion("owner.lua", "1.0", "mine")

	d := openTestDepot(t)
	addTestRemote(t, d, rs)

	_, err := d.Install(ctx, "demo", "Tools", "owner.lua", "", false)
	require.NoError(t, err)

	// a second package claiming the first one's file path
	tx, err := d.NewTransaction(ctx)
	require.NoError(t, err)

	ri := NewIndex("demo")
	cat, err := NewCategory("Tools", ri)
	require.NoError(t, err)
	pkg, err := NewPackage(ScriptType, "intruder.lua", cat)
	require.NoError(t, err)
	ver, err := NewVersion("1.0", pkg)
	require.NoError(t, err)
	require.NoError(t, ver.AddSource(NewSource(GenericPlatform, "owner.lua", rs.URL+"/intruder.lua-1.0", ver)))
	require.NoError(t, pkg.AddVersion(ver))

	tx.Install(ver, false)
	require.NoError(t, tx.Run())

	errs := tx.Receipt().Errors()
	require.Len(t, errs, 1)
	require.Contains(t, errs[0].Message, "already owned by demo/Tools/owner.lua v1.0")

	// the original file is untouched
	data, err := os.ReadFile(installedPath(d, "owner.lua"))
	require.NoError(t, err)
	require.Equal(t, "mine", string(data))
}

func TestHostTickets(t *testing.T) {
	ctx := context.Background()
	rs := newRepoServer(t)
	rs.addVersion("hello.lua", "1.0", "v1")

	d := openTestDepot(t)
	remote := addTestRemote(t, d, rs)

	var tickets []HostTicket
	tx, err := d.NewTransaction(ctx)
	require.NoError(t, err)
	tx.SetHostHandler(func(batch []HostTicket) { tickets = batch })
	tx.Synchronize(remote, AutoInstallOn)
	require.NoError(t, tx.Run())

	require.Len(t, tickets, 1)
	require.True(t, tickets[0].Add)
	require.Equal(t, "scripts/demo/Tools/hello.lua", tickets[0].File.Path)
	require.Equal(t, MainSection, tickets[0].File.Sections)
}

func TestUninstallRemote(t *testing.T) {
	ctx := context.Background()
	rs := newRepoServer(t)
	rs.addVersion("hello.lua", "1.0", "v1")

	d := openTestDepot(t)
	addTestRemote(t, d, rs)

	_, err := d.Install(ctx, "demo", "Tools", "hello.lua", "", false)
	require.NoError(t, err)
	require.FileExists(t, IndexPath(d.Root(), "demo"))

	rc, err := d.UninstallRemote(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, rc.Removals(), 1)

	_, ok := d.Remote("demo")
	require.False(t, ok)

	_, err = os.Stat(IndexPath(d.Root(), "demo"))
	require.True(t, os.IsNotExist(err))

	entries, err := d.Entries(ctx, "demo")
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	rs := newRepoServer(t)
	rs.addVersion("hello.lua", "1.0", "exported content")

	source := openTestDepot(t)
	addTestRemote(t, source, rs)

	_, err := source.Install(ctx, "demo", "Tools", "hello.lua", "", true)
	require.NoError(t, err)

	archive := filepath.Join(t.TempDir(), "backup.zip")
	rc, err := source.Export(ctx, archive)
	require.NoError(t, err)
	require.Empty(t, rc.Errors())
	require.Contains(t, rc.Exports(), "scripts/demo/Tools/hello.lua")

	// the server is gone; the import must work offline
	rs.Close()

	target := openTestDepot(t)
	rc, err = target.Import(ctx, archive)
	require.NoError(t, err)
	require.Empty(t, rc.Errors())
	require.Equal(t, []string{"demo/Tools/hello.lua v1.0"}, rc.Installs())

	data, err := os.ReadFile(installedPath(target, "hello.lua"))
	require.NoError(t, err)
	require.Equal(t, "exported content", string(data))

	// the archived remote is adopted, and the pin survives
	_, ok := target.Remote("demo")
	require.True(t, ok)
	entries, err := target.Entries(ctx, "demo")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Pinned)
}

func TestExportWritesTOCFirst(t *testing.T) {
	ctx := context.Background()
	rs := newRepoServer(t)
	for i := 0; i < 20; i++ {
		rs.addVersion(fmt.Sprintf("pkg%02d.lua", i), "1.0", fmt.Sprintf("body %d", i))
	}

	d := openTestDepot(t)
	addTestRemote(t, d, rs)

	for i := 0; i < 20; i++ {
		_, err := d.Install(ctx, "demo", "Tools", fmt.Sprintf("pkg%02d.lua", i), "", false)
		require.NoError(t, err)
	}

	archive := filepath.Join(t.TempDir(), "backup.zip")
	rc, err := d.Export(ctx, archive)
	require.NoError(t, err)
	require.Empty(t, rc.Errors())

	// compressor jobs run concurrently, but the manifest must still land
	// ahead of every one of them
	zr, err := zip.OpenReader(archive)
	require.NoError(t, err)
	defer zr.Close()

	require.NotEmpty(t, zr.File)
	require.Equal(t, "toc", zr.File[0].Name)
}

func TestImportMissingTOC(t *testing.T) {
	ctx := context.Background()
	d := openTestDepot(t)

	path := writeTestArchive(t, map[string]string{"stray.file": "x"})
	_, err := d.Import(ctx, path)
	require.ErrorIs(t, err, ErrNoTOC)
}
