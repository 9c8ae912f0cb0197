package depot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestArchive(t *testing.T, entries map[string]string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.zip")
	f, err := os.Create(path)
	require.NoError(t, err)

	aw := NewArchiveWriter(f)
	for name, content := range entries {
		require.NoError(t, aw.AddFile(name, strings.NewReader(content)))
	}
	require.NoError(t, aw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestArchiveRoundTrip(t *testing.T) {
	path := writeTestArchive(t, map[string]string{
		"toc":                   "REPO main|https://example.com/index.xml|1|2\n",
		"scripts/main/t/a.lua":  "content a",
		"cache/main.xml":        "<index/>",
	})

	ar, err := OpenArchive(path)
	require.NoError(t, err)
	defer ar.Close()

	var buf strings.Builder
	require.NoError(t, ar.ExtractTo("scripts/main/t/a.lua", &buf))
	require.Equal(t, "content a", buf.String())

	require.Error(t, ar.ExtractTo("missing.lua", &strings.Builder{}))
}

func TestArchiveMissingTOC(t *testing.T) {
	path := writeTestArchive(t, map[string]string{"some.file": "x"})

	ar, err := OpenArchive(path)
	require.NoError(t, err)
	defer ar.Close()

	err = ar.ExtractTo("toc", &strings.Builder{})
	require.ErrorIs(t, err, ErrNoTOC)
	require.EqualError(t, err, "cannot locate the table of contents")
}

func TestFileExtractor(t *testing.T) {
	path := writeTestArchive(t, map[string]string{
		"scripts/r/c/pkg.lua": "extracted content",
	})

	ar, err := OpenArchive(path)
	require.NoError(t, err)
	defer ar.Close()

	target := filepath.Join(t.TempDir(), "scripts", "r", "c", "pkg.lua")
	x := NewFileExtractor("scripts/r/c/pkg.lua", target, ar)
	x.Run(context.Background())

	require.Equal(t, JobSuccess, x.State())
	data, err := os.ReadFile(x.Temp())
	require.NoError(t, err)
	require.Equal(t, "extracted content", string(data))

	// the final path is the committing task's job
	_, err = os.Stat(target)
	require.True(t, os.IsNotExist(err))
}

func TestFileExtractorMissingEntry(t *testing.T) {
	path := writeTestArchive(t, map[string]string{"other": "x"})

	ar, err := OpenArchive(path)
	require.NoError(t, err)
	defer ar.Close()

	x := NewFileExtractor("gone.lua", filepath.Join(t.TempDir(), "gone.lua"), ar)
	x.Run(context.Background())

	require.Equal(t, JobFailure, x.State())
	require.Contains(t, x.Error().Message, "not found in archive")
}

func TestImportQueuedAsOwnBatch(t *testing.T) {
	ctx := context.Background()

	index := `<?xml version="1.0" encoding="utf-8"?><index version="1">` +
		`<category name="Tools"><package type="script" name="hello.lua">` +
		`<version name="1.0"><source main="true">http://127.0.0.1:1/hello.lua-1.0</source></version>` +
		`</package></category></index>`

	path := writeTestArchive(t, map[string]string{
		"toc": "REPO demo|http://127.0.0.1:1/index.xml|1|2\n" +
			"PACK \"Tools\" \"hello.lua\" \"1.0\" 0\n",
		"cache/demo.xml":               index,
		"scripts/demo/Tools/hello.lua": "archived content",
	})

	d := openTestDepot(t)
	tx, err := d.NewTransaction(ctx)
	require.NoError(t, err)

	_, err = tx.ImportArchive(path)
	require.NoError(t, err)

	// the import is batched behind any pending queue, not mixed into it
	require.Empty(t, tx.nextQueue)
	require.Len(t, tx.queues, 1)
	require.Len(t, tx.queues[0], 1)

	require.NoError(t, tx.Run())
	require.Empty(t, tx.Receipt().Errors())

	data, err := os.ReadFile(installedPath(d, "hello.lua"))
	require.NoError(t, err)
	require.Equal(t, "archived content", string(data))
}

func TestSplitQuoted(t *testing.T) {
	fields, err := splitQuoted(`"Category Name" "pkg.lua" "1.0" 1`)
	require.NoError(t, err)
	require.Equal(t, []string{"Category Name", "pkg.lua", "1.0", "1"}, fields)

	fields, err = splitQuoted(`plain words only`)
	require.NoError(t, err)
	require.Equal(t, []string{"plain", "words", "only"}, fields)

	_, err = splitQuoted(`"unterminated`)
	require.EqualError(t, err, "unterminated quote")
}
