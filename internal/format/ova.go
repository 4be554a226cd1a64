package format

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"vmi/internal/image"
)

// unpackOVA extracts an OVA tarball into a temporary directory and returns
// the directory plus the name of the contained .ovf descriptor. The caller
// removes the directory when done.
func unpackOVA(ctx context.Context, ovaPath string) (dir, ovfName string, err error) {
	f, err := os.Open(ovaPath)
	if err != nil {
		return "", "", image.Wrap(image.IOFailure, err, "opening %s", ovaPath)
	}
	defer f.Close()

	dir, err = os.MkdirTemp("", "vmi-ova-")
	if err != nil {
		return "", "", image.Wrap(image.IOFailure, err, "creating unpack directory")
	}
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
		}
	}()

	tr := tar.NewReader(f)
	for {
		if err := ctx.Err(); err != nil {
			return "", "", image.Wrap(image.IOFailure, err, "unpack cancelled")
		}

		header, readErr := tr.Next()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", "", image.Wrap(image.IOFailure, readErr, "reading OVA member")
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		if pathErr := validateMemberPath(header.Name); pathErr != nil {
			return "", "", pathErr
		}

		name := filepath.Base(header.Name)
		if strings.HasSuffix(name, ".ovf") && ovfName == "" {
			ovfName = name
		}

		out, createErr := os.Create(filepath.Join(dir, name))
		if createErr != nil {
			return "", "", image.Wrap(image.IOFailure, createErr, "creating %s", name)
		}
		_, copyErr := io.Copy(out, tr)
		closeErr := out.Close()
		if copyErr != nil {
			return "", "", image.Wrap(image.IOFailure, copyErr, "extracting %s", name)
		}
		if closeErr != nil {
			return "", "", image.Wrap(image.IOFailure, closeErr, "extracting %s", name)
		}
	}

	if ovfName == "" {
		err = image.Errf(image.UnsupportedVariant, "%s contains no .ovf descriptor", ovaPath)
		return "", "", err
	}
	return dir, ovfName, nil
}

// validateMemberPath rejects archive members that would escape the unpack
// directory.
func validateMemberPath(name string) error {
	if strings.Contains(name, "..") || strings.HasPrefix(name, "/") {
		return image.Errf(image.UnsupportedVariant, "unsafe OVA member path %q", name)
	}
	return nil
}

// packOVA tars the named files from dir into ovaPath. OVF requires the
// descriptor first, then the manifest, then the disks; the caller passes
// names in that order. Returns the archive size.
func packOVA(ctx context.Context, dir string, names []string, ovaPath string) (int64, error) {
	out, err := os.Create(ovaPath)
	if err != nil {
		return 0, image.Wrap(image.IOFailure, err, "creating %s", ovaPath)
	}
	defer out.Close()

	tw := tar.NewWriter(out)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return 0, image.Wrap(image.IOFailure, err, "packing cancelled")
		}
		if err := addTarMember(tw, dir, name); err != nil {
			return 0, err
		}
	}
	if err := tw.Close(); err != nil {
		return 0, image.Wrap(image.IOFailure, err, "finalizing %s", ovaPath)
	}
	if err := out.Sync(); err != nil {
		return 0, image.Wrap(image.IOFailure, err, "syncing %s", ovaPath)
	}

	fi, err := out.Stat()
	if err != nil {
		return 0, image.Wrap(image.IOFailure, err, "stat %s", ovaPath)
	}
	return fi.Size(), nil
}

func addTarMember(tw *tar.Writer, dir, name string) error {
	f, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		return image.Wrap(image.IOFailure, err, "opening %s", name)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return image.Wrap(image.IOFailure, err, "stat %s", name)
	}

	header := &tar.Header{
		Name: name,
		Mode: 0o644,
		Size: fi.Size(),
	}
	if err := tw.WriteHeader(header); err != nil {
		return image.Wrap(image.IOFailure, err, "writing tar header for %s", name)
	}
	if _, err := io.Copy(tw, f); err != nil {
		return image.Wrap(image.IOFailure, err, "archiving %s", name)
	}
	return nil
}

// isTar sniffs the ustar magic at offset 257.
func isTar(r io.ReaderAt) bool {
	magic := make([]byte, 5)
	if _, err := r.ReadAt(magic, 257); err != nil {
		return false
	}
	return string(magic) == "ustar"
}

// firstTarMember returns the name of the first regular file in a tar
// stream, for probing without unpacking.
func firstTarMember(r io.ReaderAt, size int64) string {
	tr := tar.NewReader(io.NewSectionReader(r, 0, size))
	for {
		header, err := tr.Next()
		if err != nil {
			return ""
		}
		if header.Typeflag == tar.TypeReg {
			return header.Name
		}
	}
}
