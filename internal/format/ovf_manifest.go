package format

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"

	"vmi/internal/image"
)

// manifestEntry is one line of an OVF manifest: ALG(file)= hexdigest.
type manifestEntry struct {
	Algorithm string // "SHA1" or "SHA256"
	File      string
	Digest    string
}

func parseManifest(data []byte) ([]manifestEntry, error) {
	var entries []manifestEntry
	for _, raw := range strings.Split(string(data), "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		open := strings.IndexByte(line, '(')
		closing := strings.IndexByte(line, ')')
		eq := strings.IndexByte(line, '=')
		if open < 0 || closing < open || eq < closing {
			return nil, image.Errf(image.UnsupportedVariant, "unparsable manifest line %q", line)
		}

		entry := manifestEntry{
			Algorithm: strings.ToUpper(strings.TrimSpace(line[:open])),
			File:      line[open+1 : closing],
			Digest:    strings.ToLower(strings.TrimSpace(line[eq+1:])),
		}
		if entry.Algorithm != "SHA1" && entry.Algorithm != "SHA256" {
			return nil, image.Errf(image.UnsupportedVariant, "manifest digest algorithm %q not supported", entry.Algorithm)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// verifyManifest recomputes the digest of every manifest entry against the
// file it names. The first mismatch fails with IntegrityViolation; the
// image must not be exposed past a failed verification.
func verifyManifest(dir string, entries []manifestEntry) error {
	for _, entry := range entries {
		got, err := fileDigest(filepath.Join(dir, entry.File), entry.Algorithm)
		if err != nil {
			return err
		}
		if got != entry.Digest {
			return image.Errf(image.IntegrityViolation,
				"manifest digest mismatch for %s: manifest has %s, file has %s", entry.File, entry.Digest, got)
		}
	}
	return nil
}

func fileDigest(path, algorithm string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", image.Wrap(image.IOFailure, err, "opening %s for digest", filepath.Base(path))
	}
	defer f.Close()

	h, err := newDigest(algorithm)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, f); err != nil {
		return "", image.Wrap(image.IOFailure, err, "digesting %s", filepath.Base(path))
	}
	return fmt.Sprintf("%x", h.Sum(nil)), nil
}

func newDigest(algorithm string) (hash.Hash, error) {
	switch algorithm {
	case "SHA1":
		return sha1.New(), nil
	case "SHA256":
		return sha256.New(), nil
	default:
		return nil, image.Errf(image.UnsupportedVariant, "manifest digest algorithm %q not supported", algorithm)
	}
}

// encodeManifest writes manifest lines for the named files in order,
// recomputing every digest.
func encodeManifest(dir string, files []string, algorithm string) ([]byte, error) {
	var b bytes.Buffer
	for _, name := range files {
		digest, err := fileDigest(filepath.Join(dir, name), algorithm)
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&b, "%s(%s)= %s\n", algorithm, name, digest)
	}
	return b.Bytes(), nil
}
