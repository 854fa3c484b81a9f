package integration

import (
	"archive/tar"
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/require"

	"github.com/oshokin/app-launcher/internal/config"
	"github.com/oshokin/app-launcher/internal/domain/release"
	"github.com/oshokin/app-launcher/internal/service/packager"
)

const executableName = "pos"

// distribution is an HTTP endpoint publishing a manifest and its artifacts.
type distribution struct {
	server *httptest.Server

	mu        sync.Mutex
	files     map[string][]byte
	manifest  []byte
	abortOnce map[string]int64
	ranges    atomic.Int32
}

// newDistribution starts an empty distribution endpoint.
func newDistribution(t *testing.T) *distribution {
	t.Helper()

	d := &distribution{
		files:     make(map[string][]byte),
		abortOnce: make(map[string]int64),
	}

	d.server = httptest.NewServer(http.HandlerFunc(d.serve))
	t.Cleanup(d.server.Close)

	return d
}

func (d *distribution) serve(w http.ResponseWriter, r *http.Request) {
	d.mu.Lock()
	name := filepath.Base(r.URL.Path)
	manifest := d.manifest
	contents, found := d.files[name]
	abortAt, abort := d.abortOnce[name]
	delete(d.abortOnce, name)
	d.mu.Unlock()

	if r.Header.Get("Range") != "" {
		d.ranges.Add(1)
	}

	switch {
	case name == packager.DefaultManifestFilename && manifest != nil:
		_, _ = w.Write(manifest)
	case !found:
		http.NotFound(w, r)
	case abort:
		// Promise the whole artifact, then drop the connection halfway.
		w.Header().Set("Content-Length", strconv.Itoa(len(contents)))
		_, _ = w.Write(contents[:abortAt])

		if flusher, ok := w.(http.Flusher); ok {
			flusher.Flush()
		}

		panic(http.ErrAbortHandler)
	default:
		http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(contents))
	}
}

// publish makes an artifact downloadable and points the manifest at it.
func (d *distribution) publish(t *testing.T, version, name string, contents []byte) *release.VersionDescriptor {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, contents, 0o600))

	descriptor, err := packager.Describe(&packager.Options{
		ArtifactPath: path,
		ArtifactURL:  name,
		Version:      version,
	})
	require.NoError(t, err)

	d.setManifest(t, descriptor)

	d.mu.Lock()
	d.files[name] = contents
	d.mu.Unlock()

	return descriptor
}

// setManifest replaces the published manifest.
func (d *distribution) setManifest(t *testing.T, descriptor *release.VersionDescriptor) {
	t.Helper()

	manifest, err := packager.Marshal(descriptor)
	require.NoError(t, err)

	d.mu.Lock()
	d.manifest = manifest
	d.mu.Unlock()
}

// dropConnectionOnce makes the next download of name stop after n bytes.
func (d *distribution) dropConnectionOnce(name string, n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.abortOnce[name] = n
}

// manifestURL is what the launcher settings point at.
func (d *distribution) manifestURL() string {
	return d.server.URL + "/" + packager.DefaultManifestFilename
}

// installation describes a launcher install root used by a test.
type installation struct {
	settingsPath string
	settings     *config.Config
}

// newInstallation writes launcher settings for an install root inside a temp dir.
func newInstallation(t *testing.T, manifestURL string, mutate ...func(*config.Config)) *installation {
	t.Helper()

	dir := t.TempDir()
	settings := &config.Config{
		ManifestURL:   manifestURL,
		InstallRoot:   filepath.Join(dir, "app"),
		Executable:    executableName,
		Timeout:       2 * time.Second,
		MaxAttempts:   3,
		BackoffBase:   10 * time.Millisecond,
		BackoffMax:    50 * time.Millisecond,
		RetainBackups: 1,
	}

	for _, fn := range mutate {
		fn(settings)
	}

	path := filepath.Join(dir, config.DefaultConfigFilename)
	require.NoError(t, config.Save(path, settings))

	return &installation{settingsPath: path, settings: settings}
}

// live reads a file from the live install directory.
func (in *installation) live(t *testing.T, name string) string {
	t.Helper()

	contents, err := os.ReadFile(filepath.Join(in.settings.CurrentDir(), name))
	require.NoError(t, err)

	return string(contents)
}

// zipArchive builds a zip artifact from name/contents pairs.
func zipArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	writer := zip.NewWriter(&buf)

	for name, contents := range files {
		header := &zip.FileHeader{Name: name, Method: zip.Deflate}
		header.SetMode(0o755)

		entry, err := writer.CreateHeader(header)
		require.NoError(t, err)

		_, err = entry.Write([]byte(contents))
		require.NoError(t, err)
	}

	require.NoError(t, writer.Close())

	return buf.Bytes()
}

// reservePort returns address on a free TCP port and closes it.
func reservePort(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	addr := l.Addr().String()
	_ = l.Close()

	return addr
}

// tarGzip builds a tar.gz artifact from name/contents pairs.
func tarGzip(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer

	compressed := gzip.NewWriter(&buf)
	writer := tar.NewWriter(compressed)

	for name, contents := range files {
		require.NoError(t, writer.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o755,
			Size:     int64(len(contents)),
			Typeflag: tar.TypeReg,
		}))

		_, err := writer.Write([]byte(contents))
		require.NoError(t, err)
	}

	require.NoError(t, writer.Close())
	require.NoError(t, compressed.Close())

	return buf.Bytes()
}
