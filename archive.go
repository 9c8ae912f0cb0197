package depot

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zip"

	"github.com/packdepot/depot/internal/compression"
)

// tocName is the archive's table of contents entry. It lists the repositories
// and packages the archive was built from; files not reachable from it are
// ignored on import.
const tocName = "toc"

// ArchiveReader reads an offline package archive. Entry lookup is by the
// slash-separated install path recorded at export time.
type ArchiveReader struct {
	zr    *zip.ReadCloser
	files map[string]*zip.File
}

// OpenArchive opens an archive for reading.
func OpenArchive(archivePath string) (*ArchiveReader, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, err
	}

	ar := &ArchiveReader{zr: zr, files: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		ar.files[path.Clean(f.Name)] = f
	}
	return ar, nil
}

// ExtractTo copies the named entry into w.
func (ar *ArchiveReader) ExtractTo(rel string, w io.Writer) error {
	f, ok := ar.files[path.Clean(rel)]
	if !ok {
		if rel == tocName {
			return ErrNoTOC
		}
		return fmt.Errorf("file not found in archive: %s", rel)
	}

	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	_, err = io.Copy(w, rc)
	return err
}

func (ar *ArchiveReader) Close() error { return ar.zr.Close() }

// ArchiveWriter writes an archive. AddFile is safe for concurrent use; each
// call holds the writer for the whole entry so pool jobs can stream into one
// archive.
type ArchiveWriter struct {
	mu sync.Mutex
	zw *zip.Writer
}

func NewArchiveWriter(w io.Writer) *ArchiveWriter {
	return &ArchiveWriter{zw: zip.NewWriter(w)}
}

// AddFile stores r under the slash-separated path rel.
func (aw *ArchiveWriter) AddFile(rel string, r io.Reader) error {
	aw.mu.Lock()
	defer aw.mu.Unlock()

	w, err := aw.zw.Create(rel)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, r)
	return err
}

func (aw *ArchiveWriter) Close() error {
	aw.mu.Lock()
	defer aw.mu.Unlock()
	return aw.zw.Close()
}

// FileExtractor stages one archive entry to a temporary file next to its
// install target.
type FileExtractor struct {
	job
	rel    string
	target string
	temp   string
	reader *ArchiveReader
}

func NewFileExtractor(rel, target string, reader *ArchiveReader) *FileExtractor {
	x := &FileExtractor{rel: rel, target: target, temp: target + ".part", reader: reader}
	x.summary = "Extracting " + rel
	return x
}

func (x *FileExtractor) Temp() string { return x.temp }

func (x *FileExtractor) Run(ctx context.Context) {
	if x.aborted(ctx) {
		x.markAborted()
		return
	}
	x.start()

	if err := os.MkdirAll(filepath.Dir(x.temp), 0o755); err != nil {
		x.finish(JobFailure, ErrorInfo{Message: err.Error(), Subject: x.rel})
		return
	}

	f, err := os.Create(x.temp)
	if err != nil {
		x.finish(JobFailure, ErrorInfo{Message: err.Error(), Subject: x.rel})
		return
	}

	err = x.reader.ExtractTo(x.rel, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(x.temp)
		x.finish(JobFailure, ErrorInfo{Message: err.Error(), Subject: x.rel})
		return
	}

	x.finish(JobSuccess, ErrorInfo{})
}

// FileCompressor adds one on-disk file to a shared archive writer.
type FileCompressor struct {
	job
	rel string
	abs string
	aw  *ArchiveWriter
}

func NewFileCompressor(rel, abs string, aw *ArchiveWriter) *FileCompressor {
	c := &FileCompressor{rel: rel, abs: abs, aw: aw}
	c.summary = "Compressing " + rel
	return c
}

func (c *FileCompressor) Run(ctx context.Context) {
	if c.aborted(ctx) {
		c.markAborted()
		return
	}
	c.start()

	f, err := os.Open(c.abs)
	if err != nil {
		c.finish(JobFailure, ErrorInfo{Message: err.Error(), Subject: c.rel})
		return
	}
	defer f.Close()

	if err := c.aw.AddFile(c.rel, f); err != nil {
		c.finish(JobFailure, ErrorInfo{Message: err.Error(), Subject: c.rel})
		return
	}

	c.finish(JobSuccess, ErrorInfo{})
}

// ExportTask writes an offline archive of everything installed from the
// given remotes: the table of contents, the cached indexes, and every
// registered file. The archive appears at its final path only on commit.
type ExportTask struct {
	tx      *Transaction
	path    string
	temp    string
	remotes []Remote

	file   *os.File
	writer *ArchiveWriter
	jobs   []*FileCompressor
}

func NewExportTask(archivePath string, remotes []Remote, tx *Transaction) *ExportTask {
	return &ExportTask{tx: tx, path: archivePath, temp: archivePath + ".part", remotes: remotes}
}

func (t *ExportTask) Start() bool {
	tx := t.tx

	if err := os.MkdirAll(filepath.Dir(t.temp), 0o755); err != nil {
		tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: t.path})
		return false
	}

	f, err := os.Create(t.temp)
	if err != nil {
		tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: t.path})
		return false
	}
	t.file = f
	t.writer = NewArchiveWriter(f)

	var toc strings.Builder
	for _, remote := range t.remotes {
		entries, err := tx.registry.GetEntries(tx.ctx, remote.Name)
		if err != nil {
			tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: remote.Name})
			continue
		}
		if len(entries) == 0 {
			continue
		}

		fmt.Fprintf(&toc, "REPO %s\n", remote.String())

		cacheRel := path.Join("cache", remote.Name+".xml")
		t.compress(cacheRel, IndexPath(tx.root, remote.Name))

		for _, entry := range entries {
			pinned := 0
			if entry.Pinned {
				pinned = 1
			}
			fmt.Fprintf(&toc, "PACK %q %q %q %d\n",
				entry.Category, entry.Package, entry.Version, pinned)

			files, err := tx.registry.GetFiles(tx.ctx, entry)
			if err != nil {
				tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: entry.FullName()})
				continue
			}
			for _, file := range files {
				t.compress(file.Path, tx.targetPath(file.Path))
			}
		}
	}

	// the toc goes in before any compressor job is pushed so it is always
	// the first archive entry
	if err := t.writer.AddFile(tocName, strings.NewReader(toc.String())); err != nil {
		tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: t.path})
		t.Rollback()
		return false
	}

	for _, c := range t.jobs {
		tx.pool.Push(c)
	}
	return true
}

func (t *ExportTask) compress(rel, abs string) {
	t.jobs = append(t.jobs, NewFileCompressor(rel, abs, t.writer))
}

func (t *ExportTask) Commit() {
	tx := t.tx

	err := t.writer.Close()
	if cerr := t.file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: t.path})
		os.Remove(t.temp)
		return
	}

	for _, c := range t.jobs {
		if c.State() == JobSuccess {
			tx.receipt.addExport(c.rel)
		}
	}

	if err := os.Rename(t.temp, t.path); err != nil {
		tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: t.path})
		os.Remove(t.temp)
	}
}

func (t *ExportTask) Rollback() {
	if t.writer != nil {
		t.writer.Close()
	}
	if t.file != nil {
		t.file.Close()
	}
	os.Remove(t.temp)
}

// ExportArchive queues an archive export of the given remotes.
func (tx *Transaction) ExportArchive(archivePath string, remotes []Remote) {
	tx.nextQueue = append(tx.nextQueue, NewExportTask(archivePath, remotes, tx))
}

// ImportArchive reads the archive's table of contents and queues an offline
// installation of every package it lists. Entries that no longer resolve
// are reported on the receipt without failing the rest of the import. The
// returned remotes are those recorded in the archive, for the caller to
// persist.
//
// A missing table of contents is fatal.
func (tx *Transaction) ImportArchive(archivePath string) ([]Remote, error) {
	reader, err := OpenArchive(archivePath)
	if err != nil {
		return nil, err
	}
	tx.OnFinish(func() { reader.Close() })

	var toc strings.Builder
	if err := reader.ExtractTo(tocName, &toc); err != nil {
		return nil, err
	}

	var remotes []Remote
	var current *Index

	// the import runs as its own batch with its own savepoint, after any
	// work already queued on the transaction
	pending := tx.nextQueue
	tx.nextQueue = nil

	scanner := bufio.NewScanner(strings.NewReader(toc.String()))
	for line := 1; scanner.Scan(); line++ {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		cmd, rest, _ := strings.Cut(text, " ")
		switch cmd {
		case "REPO":
			remote, err := ParseRemote(rest)
			if err != nil {
				tx.receipt.AddError(ErrorInfo{
					Message: err.Error(),
					Subject: fmt.Sprintf("%s (line %d)", tocName, line),
				})
				current = nil
				continue
			}
			remotes = append(remotes, remote)
			current = tx.restoreIndex(reader, remote)

		case "PACK":
			if current == nil {
				tx.receipt.AddError(ErrorInfo{
					Message: "PACK record with no repository",
					Subject: fmt.Sprintf("%s (line %d)", tocName, line),
				})
				continue
			}
			tx.importPack(rest, current, reader, line)

		default:
			tx.receipt.AddError(ErrorInfo{
				Message: "unknown record: " + cmd,
				Subject: fmt.Sprintf("%s (line %d)", tocName, line),
			})
		}
	}

	tx.pushQueue(tx.nextQueue)
	tx.nextQueue = pending

	return remotes, nil
}

// restoreIndex extracts the remote's cached index from the archive and loads
// it, so offline installs resolve without any network access.
func (tx *Transaction) restoreIndex(reader *ArchiveReader, remote Remote) *Index {
	var buf bytes.Buffer
	if err := reader.ExtractTo(path.Join("cache", remote.Name+".xml"), &buf); err != nil {
		tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: remote.Name})
		return nil
	}

	// the archived cache file may itself be compressed on disk
	if err := WriteIndexCache(tx.root, remote.Name, compression.Expand(buf.Bytes())); err != nil {
		tx.receipt.AddError(ErrorInfo{Message: err.Error(), Subject: remote.Name})
		return nil
	}

	delete(tx.indexes, remote.Name)
	return tx.loadIndex(remote)
}

func (tx *Transaction) importPack(rest string, ri *Index, reader *ArchiveReader, line int) {
	fields, err := splitQuoted(rest)
	if err != nil || len(fields) != 4 {
		tx.receipt.AddError(ErrorInfo{
			Message: "malformed PACK record",
			Subject: fmt.Sprintf("%s (line %d)", tocName, line),
		})
		return
	}

	category, pkgName, verName := fields[0], fields[1], fields[2]
	pinned := fields[3] == "1"

	var ver *Version
	if pkg := ri.Find(category, pkgName); pkg != nil {
		ver = pkg.FindVersion(verName)
	}
	if ver == nil {
		tx.receipt.AddError(ErrorInfo{
			Message: fmt.Sprintf("%s v%s cannot be found or is incompatible with your operating system",
				pkgName, verName),
			Subject: ri.Name() + "/" + category + "/" + pkgName,
		})
		return
	}

	tx.installFrom(ver, pinned, reader)
}

// splitQuoted parses space-separated fields where quoted fields may contain
// spaces. Quotes inside fields are not escaped; package paths cannot contain
// them.
func splitQuoted(s string) ([]string, error) {
	var fields []string
	for i := 0; i < len(s); {
		switch {
		case s[i] == ' ':
			i++
		case s[i] == '"':
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				return nil, fmt.Errorf("unterminated quote")
			}
			fields = append(fields, s[i+1:i+1+end])
			i += end + 2
		default:
			end := strings.IndexByte(s[i:], ' ')
			if end < 0 {
				end = len(s) - i
			}
			fields = append(fields, s[i:i+end])
			i += end
		}
	}
	return fields, nil
}
