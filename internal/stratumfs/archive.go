package stratumfs

import (
	"archive/tar"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"

	"github.com/stratumfs/stratum/internal/stratumerr"
)

// exportArchive packages every file in dir into a gzip-compressed tar at
// destFile (spec §6: "export <ref> <file>"). Grounded on docker-compose's
// internal/sync/tar.go, which builds tar streams from a directory the same
// way; unlike that syncer this never talks to a container runtime, so it
// needs neither docker/docker/pkg/archive nor a multierror collector.
func exportArchive(dir, destFile string) error {
	out, err := os.Create(destFile)
	if err != nil {
		return stratumerr.Wrap(stratumerr.IoError, "stratumfs.exportArchive", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	walkErr := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if walkErr != nil {
		tw.Close()
		gz.Close()
		return stratumerr.Wrap(stratumerr.IoError, "stratumfs.exportArchive", walkErr)
	}
	if err := tw.Close(); err != nil {
		return stratumerr.Wrap(stratumerr.IoError, "stratumfs.exportArchive", err)
	}
	if err := gz.Close(); err != nil {
		return stratumerr.Wrap(stratumerr.IoError, "stratumfs.exportArchive", err)
	}
	return nil
}

// importArchive unpacks archiveFile (as produced by exportArchive) into dir.
func importArchive(archiveFile, dir string) error {
	f, err := os.Open(archiveFile)
	if err != nil {
		return stratumerr.Wrap(stratumerr.IoError, "stratumfs.importArchive", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return stratumerr.Wrap(stratumerr.IoError, "stratumfs.importArchive", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return stratumerr.Wrap(stratumerr.IoError, "stratumfs.importArchive", err)
		}
		target := filepath.Join(dir, filepath.Clean(hdr.Name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return stratumerr.Wrap(stratumerr.IoError, "stratumfs.importArchive", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return stratumerr.Wrap(stratumerr.IoError, "stratumfs.importArchive", err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode))
			if err != nil {
				return stratumerr.Wrap(stratumerr.IoError, "stratumfs.importArchive", err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return stratumerr.Wrap(stratumerr.IoError, "stratumfs.importArchive", err)
			}
			out.Close()
		}
	}
	return nil
}

// copyArchiveContents copies every file in src into dst, used after
// importArchive extracts to a scratch directory to populate a commit's
// allocated temp directory.
func copyArchiveContents(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
		if err != nil {
			return err
		}
		defer out.Close()
		_, err = io.Copy(out, in)
		return err
	})
}
