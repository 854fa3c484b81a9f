package installer

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/oshokin/app-launcher/internal/domain/release"
	"github.com/oshokin/app-launcher/internal/logger"
)

var errUnsafePath = errors.New("archive entry escapes the install directory")

// entryPath maps an archive entry name into root, rejecting anything that could land outside it.
func entryPath(root, name string) (string, error) {
	cleaned := strings.TrimPrefix(filepath.ToSlash(name), "./")
	cleaned = strings.TrimSuffix(cleaned, "/")

	if !filepath.IsLocal(filepath.FromSlash(cleaned)) {
		return "", fmt.Errorf("%w: %q", errUnsafePath, name)
	}

	path := filepath.Join(root, filepath.FromSlash(cleaned))
	if err := noLinkedComponents(root, path); err != nil {
		return "", err
	}

	return path, nil
}

// noLinkedComponents rejects a path that would be written through a symlink already
// extracted under root. Link targets are only checked as text, so a chain of links
// would otherwise resolve outside root.
func noLinkedComponents(root, path string) error {
	relative, err := filepath.Rel(root, path)
	if err != nil {
		return fmt.Errorf("%w: %q", errUnsafePath, path)
	}

	current := root

	for _, part := range strings.Split(relative, string(filepath.Separator)) {
		current = filepath.Join(current, part)

		info, statErr := os.Lstat(current)
		if errors.Is(statErr, os.ErrNotExist) {
			return nil
		}

		if statErr != nil {
			return statErr
		}

		if info.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("%w: %q goes through a link", errUnsafePath, relative)
		}
	}

	return nil
}

// linkTarget validates that a symlink placed at path and pointing at target stays inside root.
func linkTarget(root, path, target string) error {
	if filepath.IsAbs(target) {
		return fmt.Errorf("%w: absolute link %q", errUnsafePath, target)
	}

	resolved, err := filepath.Rel(root, filepath.Join(filepath.Dir(path), target))
	if err != nil || !filepath.IsLocal(resolved) {
		return fmt.Errorf("%w: link %q", errUnsafePath, target)
	}

	return nil
}

// extractZip unpacks a zip archive, including zstd-compressed entries.
func (i *Installer) extractZip(ctx context.Context, archivePath, dest string) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}

	defer func() {
		_ = reader.Close()
	}()

	reader.RegisterDecompressor(zstd.ZipMethodWinZip, zstd.ZipDecompressor())

	for _, file := range reader.File {
		if err = ctx.Err(); err != nil {
			return err
		}

		path, pathErr := entryPath(dest, file.Name)
		if pathErr != nil {
			return pathErr
		}

		mode := file.Mode()

		switch {
		case mode.IsDir():
			err = i.fs.MkdirAll(path, dirPermissions)
		case mode&os.ModeSymlink != 0:
			logger.WarnKV(ctx, "Skipping symbolic link in zip archive", "entry", file.Name)
		default:
			err = i.extractZipFile(file, path)
		}

		if err != nil {
			return fmt.Errorf("extract %s: %w", file.Name, err)
		}
	}

	return nil
}

func (i *Installer) extractZipFile(file *zip.File, path string) error {
	if err := i.fs.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
		return err
	}

	contents, err := file.Open()
	if err != nil {
		return err
	}

	defer func() {
		_ = contents.Close()
	}()

	return i.writeFile(path, contents, file.Mode().Perm())
}

// extractTarball unpacks a compressed tarball.
func (i *Installer) extractTarball(ctx context.Context, archivePath string, format release.ArtifactFormat, dest string) error {
	file, err := os.Open(filepath.Clean(archivePath))
	if err != nil {
		return err
	}

	defer func() {
		_ = file.Close()
	}()

	stream, closeStream, err := decompress(file, format)
	if err != nil {
		return fmt.Errorf("open %s: %w", format, err)
	}

	defer closeStream()

	archive := tar.NewReader(stream)

	for {
		if err = ctx.Err(); err != nil {
			return err
		}

		header, nextErr := archive.Next()
		if errors.Is(nextErr, io.EOF) {
			return nil
		}

		if nextErr != nil {
			return fmt.Errorf("read %s: %w", format, nextErr)
		}

		if err = i.extractTarEntry(ctx, archive, header, dest); err != nil {
			return fmt.Errorf("extract %s: %w", header.Name, err)
		}
	}
}

func (i *Installer) extractTarEntry(ctx context.Context, archive *tar.Reader, header *tar.Header, dest string) error {
	path, err := entryPath(dest, header.Name)
	if err != nil {
		return err
	}

	switch header.Typeflag {
	case tar.TypeDir:
		return i.fs.MkdirAll(path, dirPermissions)
	case tar.TypeReg:
		if err = i.fs.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
			return err
		}

		return i.writeFile(path, archive, header.FileInfo().Mode().Perm())
	case tar.TypeSymlink:
		if err = linkTarget(dest, path, header.Linkname); err != nil {
			return err
		}

		if err = i.fs.MkdirAll(filepath.Dir(path), dirPermissions); err != nil {
			return err
		}

		return i.fs.Symlink(header.Linkname, path)
	default:
		logger.DebugKV(ctx, "Skipping unsupported tar entry", "entry", header.Name, "type", header.Typeflag)

		return nil
	}
}

// decompress wraps r in the decoder matching format.
func decompress(r io.Reader, format release.ArtifactFormat) (io.Reader, func(), error) {
	switch format {
	case release.FormatTarGzip:
		reader, err := gzip.NewReader(r)
		if err != nil {
			return nil, nil, err
		}

		return reader, func() { _ = reader.Close() }, nil
	case release.FormatTarXz:
		reader, err := xz.NewReader(r)
		if err != nil {
			return nil, nil, err
		}

		return reader, func() {}, nil
	case release.FormatTarZstd:
		decoder, err := zstd.NewReader(r)
		if err != nil {
			return nil, nil, err
		}

		return decoder, decoder.Close, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s", release.ErrUnknownFormat, format)
	}
}
