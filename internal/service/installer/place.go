package installer

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/oshokin/app-launcher/internal/domain/release"
	"github.com/oshokin/app-launcher/internal/logger"
	"github.com/oshokin/app-launcher/internal/service/checksum"
)

// materialize builds the complete new installation inside dest.
func (i *Installer) materialize(ctx context.Context, artifact *release.StagingArtifact, dest string) error {
	if err := i.fs.MkdirAll(dest, dirPermissions); err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}

	var err error

	switch artifact.Format {
	case release.FormatBinary, "":
		err = i.placeBinary(ctx, artifact, dest)
	case release.FormatZip:
		err = i.extractZip(ctx, artifact.LocalPath, dest)
	case release.FormatTarGzip, release.FormatTarXz, release.FormatTarZstd:
		err = i.extractTarball(ctx, artifact.LocalPath, artifact.Format, dest)
	default:
		err = fmt.Errorf("%w: %s", release.ErrUnknownFormat, artifact.Format)
	}

	if err != nil {
		return err
	}

	if i.executable == "" {
		return nil
	}

	if _, err = os.Stat(filepath.Join(dest, i.executable)); err != nil {
		return fmt.Errorf("%w: %s", errMissingExecutable, i.executable)
	}

	return nil
}

// placeBinary carries the live files over and replaces the executable with the
// artifact through go-update, which checks the digest once more while writing.
func (i *Installer) placeBinary(ctx context.Context, artifact *release.StagingArtifact, dest string) error {
	if exists(i.currentDir) {
		if err := i.copyTree(i.currentDir, dest); err != nil {
			return fmt.Errorf("copy live installation: %w", err)
		}
	}

	target := filepath.Join(dest, i.executable)

	// go-update moves the old target aside first, so it has to exist.
	if !exists(target) {
		placeholder, err := i.fs.Create(target, executablePermissions)
		if err != nil {
			return err
		}

		if err = placeholder.Close(); err != nil {
			return err
		}
	}

	expected, err := checksum.Decode(artifact.ExpectedDigest)
	if err != nil {
		return err
	}

	file, err := os.Open(filepath.Clean(artifact.LocalPath))
	if err != nil {
		return err
	}

	defer func() {
		_ = file.Close()
	}()

	logger.Debug(ctx, "Applying binary update")

	options := goupdate.Options{
		TargetPath: target,
		TargetMode: executablePermissions,
		Checksum:   expected,
		Hash:       crypto.SHA256,
	}

	if err = goupdate.Apply(file, options); err != nil {
		if rollbackErr := goupdate.RollbackError(err); rollbackErr != nil {
			logger.ErrorKV(ctx, "Failed to restore executable after a failed update", "error", rollbackErr)
		}

		return err
	}

	oldFileName := target + ".old"
	if _, err = os.Stat(oldFileName); err == nil {
		_ = i.fs.RemoveAll(oldFileName)
	}

	return nil
}

// copyTree copies src into dst preserving permissions and symlinks.
func (i *Installer) copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, entry fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		relative, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}

		target := filepath.Join(dst, relative)

		info, err := entry.Info()
		if err != nil {
			return err
		}

		switch {
		case entry.IsDir():
			return i.fs.MkdirAll(target, info.Mode().Perm()|0o700)
		case info.Mode()&fs.ModeSymlink != 0:
			link, linkErr := os.Readlink(path)
			if linkErr != nil {
				return linkErr
			}

			return i.fs.Symlink(link, target)
		case info.Mode().IsRegular():
			return i.copyFile(path, target, info.Mode().Perm())
		default:
			return nil
		}
	})
}

func (i *Installer) copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(filepath.Clean(src))
	if err != nil {
		return err
	}

	defer func() {
		_ = in.Close()
	}()

	return i.writeFile(dst, in, perm)
}

// writeFile streams r into a new file at path.
func (i *Installer) writeFile(path string, r io.Reader, perm os.FileMode) error {
	if perm == 0 {
		perm = 0o644
	}

	out, err := i.fs.Create(path, perm)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, r)

	return errors.Join(err, out.Close())
}
