// Package depot is a transactional package manager core: versioned package
// indexes fetched from remote repositories, a durable SQLite registry of
// installed files, and batched install/uninstall transactions that either
// commit fully or leave no trace.
//
// Basic usage:
//
//	d, _ := depot.Open(ctx, depot.WithRootDir("/opt/depot"))
//	defer d.Close()
//
//	remote, _ := depot.NewRemote("main", "https://example.com/index.xml")
//	d.AddRemote(remote)
//
//	// Upgrade everything installed (and install everything with auto-install)
//	receipt, _ := d.SynchronizeAll(ctx)
//	for _, name := range receipt.Installs() {
//	    fmt.Println("installed", name)
//	}
//
//	// Explicit operations
//	d.Install(ctx, "main", "Tools", "hello.lua", "", false)
//	d.SetPinned(ctx, "main", "Tools", "hello.lua", true)
//	d.Uninstall(ctx, "main", "Tools", "hello.lua")
//
//	// Offline archives
//	d.Export(ctx, "backup.zip")
//	d.Import(ctx, "backup.zip")
//
// Fine-grained control goes through a Transaction, which batches any number
// of operations and runs them against a bounded worker pool:
//
//	tx, _ := d.NewTransaction(ctx)
//	tx.Synchronize(remote, depot.AutoInstallOn)
//	tx.SetObsoleteHandler(func(candidates []depot.Entry) []depot.Entry {
//	    return candidates // remove everything that vanished upstream
//	})
//	tx.Run()
package depot
