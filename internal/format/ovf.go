package format

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"vmi/internal/image"
)

// OVF handles OVF directories (envelope + manifest + disk files) and OVA
// tarballs of the same. Referenced disks are themselves Raw or VMDK and
// are delegated to those codecs.
type OVF struct{}

// NewOVF returns the OVF/OVA codec.
func NewOVF() *OVF { return &OVF{} }

func (o *OVF) Tag() Tag { return TagOVF }

func (o *OVF) Probe(r io.ReaderAt, size int64) int {
	if isTar(r) {
		if strings.HasSuffix(firstTarMember(r, size), ".ovf") {
			return probeMagic
		}
		return probeNone
	}

	head := make([]byte, 1024)
	n, err := r.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return probeNone
	}
	head = head[:n]
	if bytes.Contains(head, []byte("<Envelope")) {
		return probeStrong
	}
	return probeNone
}

func (o *OVF) Open(ctx context.Context, path string) (*image.DiskImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, image.Wrap(image.IOFailure, err, "opening %s", path)
	}
	tarball := isTar(f)
	f.Close()

	dir := filepath.Dir(path)
	ovfName := filepath.Base(path)
	var cleanup func() error

	if tarball {
		unpacked, name, err := unpackOVA(ctx, path)
		if err != nil {
			return nil, err
		}
		dir, ovfName = unpacked, name
		cleanup = func() error { return os.RemoveAll(unpacked) }
	}

	img, err := o.openDir(ctx, dir, ovfName)
	if err != nil {
		if cleanup != nil {
			cleanup()
		}
		return nil, err
	}
	if cleanup != nil {
		img.AddCloser(cleanup)
	}
	return img, nil
}

func (o *OVF) openDir(ctx context.Context, dir, ovfName string) (*image.DiskImage, error) {
	data, err := os.ReadFile(filepath.Join(dir, ovfName))
	if err != nil {
		return nil, image.Wrap(image.IOFailure, err, "reading envelope %s", ovfName)
	}
	env, err := parseEnvelope(data)
	if err != nil {
		return nil, err
	}

	// Manifest verification comes first: a DiskImage is only exposed over
	// files whose digests check out.
	algorithm := "SHA256"
	mfName := strings.TrimSuffix(ovfName, ".ovf") + ".mf"
	if mfData, err := os.ReadFile(filepath.Join(dir, mfName)); err == nil {
		entries, err := parseManifest(mfData)
		if err != nil {
			return nil, err
		}
		if err := verifyManifest(dir, entries); err != nil {
			return nil, err
		}
		if len(entries) > 0 {
			algorithm = entries[0].Algorithm
		}
	} else if !os.IsNotExist(err) {
		return nil, image.Wrap(image.IOFailure, err, "reading manifest %s", mfName)
	}

	if len(env.DiskSection.Disks) != 1 {
		return nil, image.Errf(image.UnsupportedVariant,
			"OVF references %d disks, only single-disk packages are supported", len(env.DiskSection.Disks))
	}
	disk := env.DiskSection.Disks[0]

	var file *envFile
	for i := range env.References.Files {
		if env.References.Files[i].ID == disk.FileRef {
			file = &env.References.Files[i]
			break
		}
	}
	if file == nil {
		return nil, image.Errf(image.UnsupportedVariant, "disk %s references missing file %s", disk.DiskID, disk.FileRef)
	}

	inner, err := openDiskFile(ctx, filepath.Join(dir, file.Href))
	if err != nil {
		return nil, err
	}

	desc := &image.OVFDescriptor{
		Algorithm: algorithm,
		Disks: []image.OVFDiskRef{{
			FileID:    file.ID,
			DiskID:    disk.DiskID,
			Href:      file.Href,
			FormatURI: disk.FormatURI,
		}},
	}
	if capacity, err := disk.capacityBytes(); err == nil {
		desc.Disks[0].Capacity = capacity
	}
	if env.VirtualSystem != nil {
		desc.SystemID = env.VirtualSystem.ID
		desc.VirtualSystemXML = env.VirtualSystem.Inner
	}
	inner.Desc = image.Descriptor{Tag: string(TagOVF), OVF: desc}
	return inner, nil
}

// openDiskFile opens a referenced disk through the codec it actually is:
// VMDK when it probes as one, raw otherwise.
func openDiskFile(ctx context.Context, path string) (*image.DiskImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, image.Wrap(image.IOFailure, err, "opening disk file %s", filepath.Base(path))
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, image.Wrap(image.IOFailure, err, "stat %s", filepath.Base(path))
	}

	vmdk := NewVMDK()
	score := vmdk.Probe(f, fi.Size())
	f.Close()

	if score > probeFallback {
		return vmdk.Open(ctx, path)
	}
	return NewRaw().Open(ctx, path)
}

// Create writes an OVF package. A path ending in .ova produces a single
// tarball; anything else produces <path> plus the manifest and disk file
// alongside it. Returns the total bytes of all produced artifacts.
func (o *OVF) Create(ctx context.Context, img *image.DiskImage, path string) (int64, error) {
	toOVA := strings.HasSuffix(path, ".ova")

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if toOVA {
		tmp, err := os.MkdirTemp("", "vmi-ova-")
		if err != nil {
			return 0, image.Wrap(image.IOFailure, err, "creating staging directory")
		}
		defer os.RemoveAll(tmp)
		dir = tmp
	}

	var desc image.OVFDescriptor
	if img.Desc.OVF != nil {
		desc = *img.Desc.OVF
	}
	if desc.Algorithm == "" {
		desc.Algorithm = "SHA256"
	}

	// Serialize the disk first; the envelope and manifest describe it.
	diskName, diskFormat, err := writeOVFDisk(ctx, img, dir, base, &desc)
	if err != nil {
		return 0, err
	}

	diskFi, err := os.Stat(filepath.Join(dir, diskName))
	if err != nil {
		return 0, image.Wrap(image.IOFailure, err, "stat %s", diskName)
	}

	ovfName := base + ".ovf"
	file := envFile{ID: "file1", Href: diskName, Size: diskFi.Size()}
	disk := envDisk{
		DiskID:    "vmdisk1",
		FileRef:   "file1",
		Capacity:  strconv.FormatInt(img.VirtualSize, 10),
		FormatURI: diskFormat,
	}
	if len(desc.Disks) == 1 {
		if desc.Disks[0].FileID != "" {
			file.ID = desc.Disks[0].FileID
			disk.FileRef = desc.Disks[0].FileID
		}
		if desc.Disks[0].DiskID != "" {
			disk.DiskID = desc.Disks[0].DiskID
		}
	}

	envData := encodeEnvelope(&desc, file, disk)
	if err := os.WriteFile(filepath.Join(dir, ovfName), envData, 0o644); err != nil {
		return 0, image.Wrap(image.IOFailure, err, "writing %s", ovfName)
	}

	// Manifest digests cover the envelope and every referenced file.
	mfName := base + ".mf"
	mfData, err := encodeManifest(dir, []string{ovfName, diskName}, desc.Algorithm)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(filepath.Join(dir, mfName), mfData, 0o644); err != nil {
		return 0, image.Wrap(image.IOFailure, err, "writing %s", mfName)
	}

	if toOVA {
		return packOVA(ctx, dir, []string{ovfName, mfName, diskName}, path)
	}
	return int64(len(envData)) + int64(len(mfData)) + diskFi.Size(), nil
}

// Artifacts lists the package members a .ovf path spreads beside the
// envelope; an .ova is a single file.
func (o *OVF) Artifacts(path string) []string {
	if strings.HasSuffix(path, ".ova") {
		return []string{path}
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return []string{
		path,
		filepath.Join(dir, base+".mf"),
		filepath.Join(dir, base+"-disk1.vmdk"),
		filepath.Join(dir, base+"-disk1.img"),
	}
}

// writeOVFDisk serializes the disk payload, honoring the source format URI
// when the image came from an OVF, defaulting to streamOptimized VMDK.
func writeOVFDisk(ctx context.Context, img *image.DiskImage, dir, base string, desc *image.OVFDescriptor) (name, formatURI string, err error) {
	formatURI = formatURIStreamOptimized
	if len(desc.Disks) == 1 && desc.Disks[0].FormatURI != "" {
		formatURI = desc.Disks[0].FormatURI
	}

	if strings.Contains(formatURI, "raw") {
		name = base + "-disk1.img"
		raw := NewRaw()
		if _, err = raw.Create(ctx, img, filepath.Join(dir, name)); err != nil {
			return "", "", err
		}
		return name, formatURIRaw, nil
	}

	name = base + "-disk1.vmdk"
	createType := "streamOptimized"
	if strings.Contains(formatURI, "monolithicSparse") {
		createType = "monolithicSparse"
		formatURI = formatURIMonolithic
	} else {
		formatURI = formatURIStreamOptimized
	}

	// Force the disk variant without disturbing the caller's image.
	inner := *img
	meta := defaultDescriptorMeta(img.VirtualSize, createType)
	if img.Desc.VMDK != nil {
		meta = *img.Desc.VMDK
		meta.CreateType = createType
	}
	inner.Desc = image.Descriptor{Tag: string(TagVMDK), VMDK: &meta}

	vmdk := NewVMDK()
	if _, err = vmdk.Create(ctx, &inner, filepath.Join(dir, name)); err != nil {
		return "", "", err
	}
	return name, formatURI, nil
}
