package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"
)

// Install uploads the package, its dependencies and an optional certificate in
// one multipart body. It returns once the device accepted the upload; use
// InstallState to follow the installation itself.
func (c *Client) Install(ctx context.Context, req InstallRequest) error {
	files := make([]string, 0, len(req.Dependencies)+2)
	files = append(files, req.Package)
	files = append(files, req.Dependencies...)
	if req.Certificate != "" {
		files = append(files, req.Certificate)
	}

	var total int64
	for _, f := range files {
		st, err := os.Stat(filepath.Clean(f))
		if err != nil {
			return fmt.Errorf("stat %s: %w", f, err)
		}
		total += st.Size()
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	counter := &progressCounter{total: total, report: req.Progress}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := writeParts(mw, files, counter)
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
		if errors.Is(err, io.ErrClosedPipe) {
			// the request side already gave up and reports its own error
			return nil
		}
		return err
	})
	g.Go(func() error {
		defer func() { _ = pr.Close() }()
		q := url.Values{}
		q.Set("package", filepath.Base(req.Package))
		c.logger.Debug("Uploading package", "package", req.Package, "files", len(files), "bytes", total)
		return c.doRequest(gctx, http.MethodPost, PathPackage+"?"+q.Encode(), pr, mw.FormDataContentType())
	})
	return g.Wait()
}

func writeParts(mw *multipart.Writer, files []string, counter *progressCounter) error {
	for _, f := range files {
		part, err := mw.CreateFormFile(filepath.Base(f), filepath.Base(f))
		if err != nil {
			return err
		}
		fh, err := os.Open(filepath.Clean(f))
		if err != nil {
			return err
		}
		_, err = io.Copy(part, io.TeeReader(fh, counter))
		_ = fh.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// progressCounter reports file bytes read against the total of all files.
type progressCounter struct {
	read   int64
	total  int64
	report func(read, total int64)
}

func (p *progressCounter) Write(b []byte) (int, error) {
	p.read += int64(len(b))
	if p.report != nil {
		p.report(p.read, p.total)
	}
	return len(b), nil
}
