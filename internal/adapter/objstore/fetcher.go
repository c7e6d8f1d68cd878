// Package objstore downloads webhook attachments to scoped temp files. The
// size cap is enforced twice: via HEAD before any body bytes move, and via a
// hard reader limit during the download, because providers lie about
// Content-Length.
package objstore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/domain"
	"github.com/justLukaBB/creditor-email-matcher-sub001/internal/observability"
)

// Fetcher implements domain.BlobFetcher over HTTP.
type Fetcher struct {
	hc     *http.Client
	tmpDir string
}

func New(tmpDir string) *Fetcher {
	return &Fetcher{
		hc: &http.Client{
			Timeout:   60 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		tmpDir: tmpDir,
	}
}

// WithAttachment downloads att to a temp file, runs f against the path, and
// removes the file on every exit path, including panics in f.
func (g *Fetcher) WithAttachment(ctx domain.Context, att domain.Attachment, maxSize int64, f func(path string) error) error {
	if att.URL == "" {
		return fmt.Errorf("op=blob.fetch %s: empty url: %w", att.Filename, domain.ErrInvalidArgument)
	}
	if att.Size > maxSize {
		return fmt.Errorf("op=blob.fetch %s declared=%d max=%d: %w", att.Filename, att.Size, maxSize, domain.ErrFileTooLarge)
	}
	if size, err := g.headSize(ctx, att.URL); err == nil && size > maxSize {
		return fmt.Errorf("op=blob.fetch %s head=%d max=%d: %w", att.Filename, size, maxSize, domain.ErrFileTooLarge)
	}

	path, err := g.download(ctx, att, maxSize)
	if err != nil {
		return err
	}
	defer func() {
		if rmErr := os.Remove(path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			observability.LoggerFromContext(ctx).Warn("temp attachment cleanup failed",
				slog.String("path", path), slog.Any("error", rmErr))
		}
	}()

	if err := checkContentType(path, att); err != nil {
		return err
	}
	return f(path)
}

func (g *Fetcher) headSize(ctx domain.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := g.hc.Do(req)
	if err != nil {
		return 0, err
	}
	_ = resp.Body.Close()
	if resp.ContentLength < 0 {
		return 0, fmt.Errorf("no content length")
	}
	return resp.ContentLength, nil
}

func (g *Fetcher) download(ctx domain.Context, att domain.Attachment, maxSize int64) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, att.URL, nil)
	if err != nil {
		return "", fmt.Errorf("op=blob.fetch %s: %w", att.Filename, err)
	}
	resp, err := g.hc.Do(req)
	if err != nil {
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			return "", fmt.Errorf("op=blob.fetch %s: %w", att.Filename, domain.ErrUpstreamTimeout)
		}
		return "", fmt.Errorf("op=blob.fetch %s: %w: %v", att.Filename, domain.ErrConnection, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return "", fmt.Errorf("op=blob.fetch %s status=%d: %w", att.Filename, resp.StatusCode, domain.ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("op=blob.fetch %s status=%d: %w", att.Filename, resp.StatusCode, domain.ErrConnection)
	}

	tmp, err := os.CreateTemp(g.tmpDir, "attachment-*"+sanitizeExt(att.Filename))
	if err != nil {
		return "", fmt.Errorf("op=blob.fetch temp file: %w", err)
	}
	// Read one byte past the cap so an oversized body is detectable.
	n, err := io.Copy(tmp, io.LimitReader(resp.Body, maxSize+1))
	cerr := tmp.Close()
	if err != nil || cerr != nil {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("op=blob.fetch %s write: %w: %v", att.Filename, domain.ErrConnection, errors.Join(err, cerr))
	}
	if n > maxSize {
		_ = os.Remove(tmp.Name())
		return "", fmt.Errorf("op=blob.fetch %s body exceeds max=%d: %w", att.Filename, maxSize, domain.ErrFileTooLarge)
	}
	return tmp.Name(), nil
}

// checkContentType sniffs the actual bytes and logs when they disagree with
// the declared content type. Extraction keys off the sniffed type upstream,
// so a mismatch is a signal, not a failure.
func checkContentType(path string, att domain.Attachment) error {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return fmt.Errorf("op=blob.sniff %s: %w: %v", att.Filename, domain.ErrUnreadableSource, err)
	}
	if att.ContentType != "" && !mt.Is(att.ContentType) && !strings.HasPrefix(att.ContentType, mt.String()) {
		slog.Debug("attachment content type mismatch",
			slog.String("filename", att.Filename),
			slog.String("declared", att.ContentType),
			slog.String("detected", mt.String()))
	}
	return nil
}

func sanitizeExt(filename string) string {
	ext := filepath.Ext(filename)
	if len(ext) > 10 {
		return ""
	}
	for _, r := range ext {
		if r == '/' || r == '\\' || r == 0 {
			return ""
		}
	}
	return ext
}
