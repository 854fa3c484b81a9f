package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/oshokin/app-launcher/internal/domain/release"
	"github.com/oshokin/app-launcher/internal/logger"
	"github.com/oshokin/app-launcher/internal/service/checksum"
	"github.com/oshokin/app-launcher/internal/version"
)

var (
	// ErrDownloadFailed covers transport errors and unexpected HTTP answers.
	ErrDownloadFailed = errors.New("download failed")
	// ErrDownloadIncomplete is returned when the stream ends before the declared size.
	ErrDownloadIncomplete = errors.New("download incomplete")

	errBadHTTPStatus = errors.New("unexpected http status")
	errOversize      = errors.New("server sent more bytes than declared")
)

const (
	// PartialSuffix marks files that are still being downloaded.
	PartialSuffix = ".part"

	stagingDirPermissions  os.FileMode = 0o755
	stagingFilePermissions os.FileMode = 0o644
)

// ProgressFunc receives the number of bytes on disk and the expected total (-1 when unknown).
type ProgressFunc func(downloaded, total int64)

// Fetcher downloads artifacts over HTTP.
type Fetcher struct {
	httpClient *http.Client
	token      string
	timeout    time.Duration
	onProgress ProgressFunc
}

// Option configures the fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(f *Fetcher) {
		if httpClient != nil {
			f.httpClient = httpClient
		}
	}
}

// WithToken sends a bearer token with every request.
func WithToken(token string) Option {
	return func(f *Fetcher) {
		f.token = token
	}
}

// WithTimeout bounds a whole download, including resumption.
func WithTimeout(timeout time.Duration) Option {
	return func(f *Fetcher) {
		f.timeout = timeout
	}
}

// WithProgress registers a progress callback.
func WithProgress(onProgress ProgressFunc) Option {
	return func(f *Fetcher) {
		f.onProgress = onProgress
	}
}

// New creates a fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient: &http.Client{},
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// StagedName returns the file name used for a descriptor inside the staging directory.
func StagedName(descriptor *release.VersionDescriptor) string {
	name := descriptor.Version + "-" + descriptor.ArtifactName()

	return strings.NewReplacer("/", "_", `\`, "_", ":", "_").Replace(name)
}

// Fetch downloads the artifact of descriptor into stagingDir and returns the staged,
// not yet verified artifact. An already complete file with the expected digest is reused.
func (f *Fetcher) Fetch(
	ctx context.Context,
	descriptor *release.VersionDescriptor,
	stagingDir string,
) (*release.StagingArtifact, error) {
	ctx = logger.WithName(ctx, "fetcher")

	format, err := descriptor.Format()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	if err = os.MkdirAll(stagingDir, stagingDirPermissions); err != nil {
		return nil, fmt.Errorf("%w: create staging directory: %w", ErrDownloadFailed, err)
	}

	finalPath := filepath.Join(stagingDir, StagedName(descriptor))
	partPath := finalPath + PartialSuffix

	sweepStaging(ctx, stagingDir, finalPath, partPath)

	artifact := &release.StagingArtifact{
		LocalPath:      finalPath,
		Version:        descriptor.Version,
		Format:         format,
		ExpectedDigest: descriptor.ArtifactDigest,
	}

	if size, reusable := f.reusable(ctx, finalPath, descriptor.ArtifactDigest); reusable {
		artifact.ByteCount = size
		f.report(size, size)

		return artifact, nil
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	written, err := f.download(ctx, descriptor, partPath)
	if err != nil {
		return nil, err
	}

	if err = os.Rename(partPath, finalPath); err != nil {
		return nil, fmt.Errorf("%w: promote partial file: %w", ErrDownloadFailed, err)
	}

	artifact.ByteCount = written

	logger.InfoKV(ctx, "Artifact downloaded", "path", finalPath, "bytes", written)

	return artifact, nil
}

// sweepStaging removes downloads of releases other than the one being fetched.
func sweepStaging(ctx context.Context, stagingDir string, keep ...string) {
	entries, err := os.ReadDir(stagingDir)
	if err != nil {
		logger.WarnKV(ctx, "Unable to list staging directory", "path", stagingDir, "error", err)
		return
	}

	for _, entry := range entries {
		path := filepath.Join(stagingDir, entry.Name())
		if slices.Contains(keep, path) {
			continue
		}

		if err = os.RemoveAll(path); err != nil {
			logger.WarnKV(ctx, "Unable to remove stale staged file", "path", path, "error", err)
			continue
		}

		logger.DebugKV(ctx, "Removed stale staged file", "path", path)
	}
}

// reusable reports whether a finished download from an earlier attempt can be used as-is.
func (f *Fetcher) reusable(ctx context.Context, finalPath, expectedDigest string) (int64, bool) {
	info, err := os.Stat(finalPath)
	if err != nil || !info.Mode().IsRegular() {
		return 0, false
	}

	ok, err := checksum.Verify(finalPath, expectedDigest)
	if err == nil && ok {
		logger.InfoKV(ctx, "Reusing staged artifact", "path", finalPath)
		return info.Size(), true
	}

	_ = os.Remove(finalPath)

	return 0, false
}

// download streams the artifact into partPath and returns the final file size.
func (f *Fetcher) download(ctx context.Context, descriptor *release.VersionDescriptor, partPath string) (int64, error) {
	expected := descriptor.ArtifactSize
	offset := partialSize(partPath)

	if expected > 0 && offset > expected {
		logger.WarnKV(ctx, "Partial file is larger than the artifact, restarting", "bytes", offset)

		offset = 0
	}

	if expected > 0 && offset == expected {
		return offset, nil
	}

	response, err := f.get(ctx, descriptor.ArtifactURL, offset)
	if err != nil {
		return 0, err
	}

	defer func() {
		_ = response.Body.Close()
	}()

	flags := os.O_CREATE | os.O_WRONLY

	switch response.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND

		logger.InfoKV(ctx, "Resuming download", "offset", offset)
	case http.StatusOK:
		flags |= os.O_TRUNC
		offset = 0
	case http.StatusRequestedRangeNotSatisfiable:
		_ = os.Remove(partPath)

		return 0, fmt.Errorf("%w: %w: %s", ErrDownloadFailed, errBadHTTPStatus, response.Status)
	default:
		return 0, fmt.Errorf("%w: %w: %s", ErrDownloadFailed, errBadHTTPStatus, response.Status)
	}

	total := expected
	if total <= 0 {
		total = -1
		if response.ContentLength >= 0 {
			total = offset + response.ContentLength
		}
	}

	file, err := os.OpenFile(filepath.Clean(partPath), flags, stagingFilePermissions)
	if err != nil {
		return 0, fmt.Errorf("%w: open partial file: %w", ErrDownloadFailed, err)
	}

	counter := &progressWriter{downloaded: offset, total: total, report: f.report}
	counter.report(offset, total)

	body := io.Reader(response.Body)
	if expected > 0 {
		// One byte past the remainder is enough to detect an oversized stream.
		body = io.LimitReader(response.Body, expected-offset+1)
	}

	_, copyErr := io.Copy(io.MultiWriter(file, counter), body)
	syncErr := file.Sync()
	closeErr := file.Close()

	written := counter.downloaded

	switch {
	case copyErr != nil && errors.Is(copyErr, io.ErrUnexpectedEOF):
		return 0, fmt.Errorf("%w: %d of %d bytes: %w", ErrDownloadIncomplete, written, total, copyErr)
	case copyErr != nil:
		return 0, fmt.Errorf("%w: %w", ErrDownloadFailed, copyErr)
	case syncErr != nil:
		return 0, fmt.Errorf("%w: sync partial file: %w", ErrDownloadFailed, syncErr)
	case closeErr != nil:
		return 0, fmt.Errorf("%w: close partial file: %w", ErrDownloadFailed, closeErr)
	case expected > 0 && written > expected:
		_ = os.Remove(partPath)

		return 0, fmt.Errorf("%w: %w", ErrDownloadFailed, errOversize)
	case total > 0 && written < total:
		return 0, fmt.Errorf("%w: %d of %d bytes", ErrDownloadIncomplete, written, total)
	}

	return written, nil
}

// get issues the artifact request, asking for the remainder when offset is positive.
func (f *Fetcher) get(ctx context.Context, artifactURL string, offset int64) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, artifactURL, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	req.Header.Set("User-Agent", version.UserAgent())

	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	response, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrDownloadFailed, err)
	}

	return response, nil
}

// report forwards progress when a callback is registered.
func (f *Fetcher) report(downloaded, total int64) {
	if f.onProgress != nil {
		f.onProgress(downloaded, total)
	}
}

// partialSize returns the size of an existing partial file, or zero.
func partialSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return 0
	}

	return info.Size()
}

// progressWriter counts bytes as they are written to disk.
type progressWriter struct {
	downloaded int64
	total      int64
	report     func(downloaded, total int64)
}

// Write implements io.Writer.
func (w *progressWriter) Write(p []byte) (int, error) {
	w.downloaded += int64(len(p))
	w.report(w.downloaded, w.total)

	return len(p), nil
}
