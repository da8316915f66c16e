package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/rumvm/rum/lib/flow"
	"github.com/rumvm/rum/lib/logger"
	"github.com/rumvm/rum/lib/rumerr"
)

// imageGroup de-duplicates concurrent EnsureImage calls for the same
// cache destination across every Dispatcher in the process (a supervisor
// only ever runs one VM, but tests and a future multi-VM host share the
// same cache directory).
var imageGroup singleflight.Group

// ensureImage implements the EnsureImage effect: a local path must
// already exist; an http(s) URL is downloaded into the shared cache
// directory if not already present, via a temp-file-then-rename so a
// crash mid-download never leaves a corrupt file at the final path.
func (d *Dispatcher) ensureImage(ctx context.Context) flow.Event {
	log := logger.FromContext(ctx)
	base := d.Sys.Config.Image.Base

	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		if _, err := os.Stat(base); err != nil {
			return flow.Event{Kind: flow.ImageFailed, Reason: fmt.Sprintf("base image not found: %s", base)}
		}
		d.imagePath = base
		return flow.Event{Kind: flow.ImageReady, Path: base}
	}

	filename := filepath.Base(base)
	dest := d.Paths.CacheImage(filename)

	if _, err := os.Stat(dest); err == nil {
		log.InfoContext(ctx, "using cached base image", "path", dest)
		d.imagePath = dest
		return flow.Event{Kind: flow.ImageReady, Path: dest}
	}

	_, err, _ := imageGroup.Do(dest, func() (any, error) {
		return nil, downloadImage(ctx, base, d.Paths.CacheImagePartial(filename), dest)
	})
	if err != nil {
		return flow.Event{Kind: flow.ImageFailed, Reason: err.Error()}
	}

	log.InfoContext(ctx, "base image cached", "path", dest)
	d.imagePath = dest
	return flow.Event{Kind: flow.ImageReady, Path: dest}
}

func downloadImage(ctx context.Context, url, tmpPath, destPath string) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return rumerr.Wrapf(rumerr.Io, err, "creating cache dir for %s", destPath)
	}

	// A stale .part file from a previous failed download must not be
	// mistaken for a partial success.
	os.Remove(tmpPath)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return rumerr.Wrapf(rumerr.ImageDownload, err, "building request for %s", url)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return rumerr.Wrapf(rumerr.ImageDownload, err, "request to %s failed", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return rumerr.New(rumerr.ImageDownload, fmt.Sprintf("HTTP %d from %s", resp.StatusCode, url))
	}

	f, err := os.Create(tmpPath)
	if err != nil {
		return rumerr.Wrapf(rumerr.Io, err, "creating temp file %s", tmpPath)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return rumerr.Wrapf(rumerr.ImageDownload, err, "writing image data to %s", tmpPath)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return rumerr.Wrapf(rumerr.Io, err, "flushing image file %s", tmpPath)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		return rumerr.Wrapf(rumerr.Io, err, "renaming %s to %s", tmpPath, destPath)
	}
	return nil
}
