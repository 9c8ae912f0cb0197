package depot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/packdepot/depot/internal/fetch"
)

// FileDownload fetches one URL into a staging file next to its final target.
// Moving the staged file into place is the owning task's commit step.
type FileDownload struct {
	job
	url    string
	target string
	temp   string
	dl     *fetch.Downloader
}

func NewFileDownload(url, target string, dl *fetch.Downloader) *FileDownload {
	d := &FileDownload{
		url:    url,
		target: target,
		temp:   target + ".part",
		dl:     dl,
	}
	d.summary = "Downloading " + filepath.Base(target)
	return d
}

func (d *FileDownload) Target() string { return d.target }
func (d *FileDownload) Temp() string   { return d.temp }

func (d *FileDownload) Run(ctx context.Context) {
	if d.aborted(ctx) {
		d.finish(JobAborted, ErrorInfo{Message: "cancelled", Subject: d.target})
		return
	}

	d.start()

	if err := os.MkdirAll(filepath.Dir(d.temp), 0o755); err != nil {
		d.finish(JobFailure, ErrorInfo{Message: err.Error(), Subject: d.temp})
		return
	}

	f, err := os.Create(d.temp)
	if err != nil {
		d.finish(JobFailure, ErrorInfo{Message: err.Error(), Subject: d.temp})
		return
	}

	err = d.dl.Download(ctx, d.url, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		os.Remove(d.temp)
		if errors.Is(err, context.Canceled) {
			d.finish(JobAborted, ErrorInfo{Message: "cancelled", Subject: d.target})
			return
		}
		msg := fmt.Sprintf("failed to download %s: %v", d.url, err)
		d.finish(JobFailure, ErrorInfo{Message: msg, Subject: d.target})
		return
	}

	d.finish(JobSuccess, ErrorInfo{})
}
