package installer

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/oshokin/app-launcher/internal/config"
	"github.com/oshokin/app-launcher/internal/domain/release"
	"github.com/oshokin/app-launcher/internal/repository/state"
)

const testExecutable = "pos"

// entry is one file inside a test archive.
type entry struct {
	name string
	body string
	link string
}

// fixture bundles an installer over a temporary install root.
type fixture struct {
	cfg        *config.Config
	repository *state.FileRepository
	installer  *Installer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	cfg := &config.Config{
		InstallRoot:   t.TempDir(),
		Executable:    testExecutable,
		RetainBackups: 1,
	}

	repository := state.NewFileRepository(cfg.StateFile())

	return &fixture{
		cfg:        cfg,
		repository: repository,
		installer:  New(cfg, repository, opts...),
	}
}

// stage writes data into the staging directory and returns the matching artifact.
func (f *fixture) stage(t *testing.T, version string, format release.ArtifactFormat, data []byte) *release.StagingArtifact {
	t.Helper()

	require.NoError(t, os.MkdirAll(f.cfg.StagingDir(), 0o755))

	path := filepath.Join(f.cfg.StagingDir(), version+"-artifact."+string(format))
	require.NoError(t, os.WriteFile(path, data, 0o600))

	sum := sha256.Sum256(data)

	return &release.StagingArtifact{
		LocalPath:      path,
		Version:        version,
		Format:         format,
		ExpectedDigest: hex.EncodeToString(sum[:]),
		ByteCount:      int64(len(data)),
	}
}

// install applies a zip release containing the executable and returns the new state.
func (f *fixture) install(t *testing.T, version string, current *release.InstalledState) *release.InstalledState {
	t.Helper()

	artifact := f.stage(t, version, release.FormatZip, zipArchive(t, []entry{
		{name: testExecutable, body: "binary " + version},
		{name: "data/notes.txt", body: "notes " + version},
	}))

	next, err := f.installer.Apply(t.Context(), artifact, current)
	require.NoError(t, err)

	return next
}

// readLive returns the contents of a file in the live directory.
func (f *fixture) readLive(t *testing.T, name string) string {
	t.Helper()

	data, err := os.ReadFile(filepath.Join(f.cfg.CurrentDir(), name))
	require.NoError(t, err)

	return string(data)
}

// backups lists the backup directory names.
func (f *fixture) backups(t *testing.T) []string {
	t.Helper()

	entries, err := os.ReadDir(f.cfg.BackupsDir())
	if os.IsNotExist(err) {
		return nil
	}

	require.NoError(t, err)

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}

	sort.Strings(names)

	return names
}

func zipArchive(t *testing.T, entries []entry) []byte {
	t.Helper()

	var buf bytes.Buffer

	writer := zip.NewWriter(&buf)

	for _, e := range entries {
		header := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		header.SetMode(0o755)

		w, err := writer.CreateHeader(header)
		require.NoError(t, err)

		_, err = io.WriteString(w, e.body)
		require.NoError(t, err)
	}

	require.NoError(t, writer.Close())

	return buf.Bytes()
}

func tarball(t *testing.T, format release.ArtifactFormat, entries []entry) []byte {
	t.Helper()

	var buf bytes.Buffer

	var (
		compressed io.WriteCloser
		err        error
	)

	switch format {
	case release.FormatTarGzip:
		compressed = gzip.NewWriter(&buf)
	case release.FormatTarXz:
		compressed, err = xz.NewWriter(&buf)
	case release.FormatTarZstd:
		compressed, err = zstd.NewWriter(&buf)
	default:
		t.Fatalf("unsupported format %s", format)
	}

	require.NoError(t, err)

	writer := tar.NewWriter(compressed)

	for _, e := range entries {
		if e.link != "" {
			require.NoError(t, writer.WriteHeader(&tar.Header{
				Name:     e.name,
				Typeflag: tar.TypeSymlink,
				Linkname: e.link,
				Mode:     0o777,
			}))

			continue
		}

		require.NoError(t, writer.WriteHeader(&tar.Header{
			Name:     e.name,
			Typeflag: tar.TypeReg,
			Mode:     0o755,
			Size:     int64(len(e.body)),
		}))

		_, err = io.WriteString(writer, e.body)
		require.NoError(t, err)
	}

	require.NoError(t, writer.Close())
	require.NoError(t, compressed.Close())

	return buf.Bytes()
}

// failingRepository rejects every save.
type failingRepository struct {
	err error
}

func (r failingRepository) Load(context.Context) (*release.InstalledState, error) {
	return nil, state.ErrNotFound
}

func (r failingRepository) Save(context.Context, *release.InstalledState) error {
	return r.err
}
