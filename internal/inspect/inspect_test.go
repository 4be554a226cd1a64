package inspect

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"vmi/internal/format"
	"vmi/internal/image"
)

func writeRaw(t *testing.T, path string, dataLen, totalLen int64) {
	t.Helper()
	data := make([]byte, dataLen)
	for i := range data {
		data[i] = byte(i%200 + 1)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Truncate(path, totalLen); err != nil {
		t.Fatal(err)
	}
}

func TestInspect_Raw(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	writeRaw(t, path, 128*1024, 256*1024)

	m, err := Inspect(context.Background(), format.NewRegistry(), path, "")
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}

	if m.Format != "raw" {
		t.Errorf("Format = %q, want raw", m.Format)
	}
	if m.VirtualSize != 256*1024 {
		t.Errorf("VirtualSize = %d", m.VirtualSize)
	}
	if m.SparseRatio < 0.49 || m.SparseRatio > 0.51 {
		t.Errorf("SparseRatio = %v, want ~0.5", m.SparseRatio)
	}
	if m.VMDK != nil || m.OVF != nil {
		t.Error("raw image reported format-specific sections")
	}
}

func TestInspect_VMDKGeometry(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rawPath := filepath.Join(dir, "disk.img")
	vmdkPath := filepath.Join(dir, "disk.vmdk")

	// 100 MiB disk: 204800 sectors, conventional 500/16/63 geometry.
	writeRaw(t, rawPath, 1<<20, 100<<20)
	src, err := format.NewRaw().Open(ctx, rawPath)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()

	meta := image.VMDKDescriptor{
		Version:     1,
		CID:         "fffffffe",
		ParentCID:   "ffffffff",
		CreateType:  "monolithicSparse",
		AdapterType: "lsilogic",
		Geometry:    image.Geometry{Cylinders: 500, Heads: 16, Sectors: 63},
		DDB: []image.DDBEntry{
			{Key: "ddb.geometry.cylinders", Value: "500"},
			{Key: "ddb.geometry.heads", Value: "16"},
			{Key: "ddb.geometry.sectors", Value: "63"},
			{Key: "ddb.adapterType", Value: "lsilogic"},
		},
	}
	src.Desc = image.Descriptor{Tag: "vmdk", VMDK: &meta}
	if _, err := format.NewVMDK().Create(ctx, src, vmdkPath); err != nil {
		t.Fatal(err)
	}

	m, err := Inspect(ctx, format.NewRegistry(), vmdkPath, "")
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}

	if m.Format != "vmdk" || m.VMDK == nil {
		t.Fatalf("Format/VMDK = %q/%v", m.Format, m.VMDK)
	}
	want := image.Geometry{Cylinders: 500, Heads: 16, Sectors: 63}
	if m.VMDK.Geometry != want {
		t.Errorf("Geometry = %+v, want %+v", m.VMDK.Geometry, want)
	}
	if m.VMDK.AdapterType != "lsilogic" || m.VMDK.CreateType != "monolithicSparse" {
		t.Errorf("AdapterType/CreateType = %q/%q", m.VMDK.AdapterType, m.VMDK.CreateType)
	}
}

func TestInspect_OVA(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	rawPath := filepath.Join(dir, "disk.img")
	ovaPath := filepath.Join(dir, "appliance.ova")

	writeRaw(t, rawPath, 64*1024, 128*1024)
	src, err := format.NewRaw().Open(ctx, rawPath)
	if err != nil {
		t.Fatal(err)
	}
	defer src.Close()
	if _, err := format.NewOVF().Create(ctx, src, ovaPath); err != nil {
		t.Fatal(err)
	}

	m, err := Inspect(ctx, format.NewRegistry(), ovaPath, "")
	if err != nil {
		t.Fatalf("Inspect() error = %v", err)
	}

	if m.Format != "ovf" || m.OVF == nil {
		t.Fatalf("Format/OVF = %q/%v", m.Format, m.OVF)
	}
	if m.OVF.Algorithm != "SHA256" {
		t.Errorf("Algorithm = %q", m.OVF.Algorithm)
	}
	if len(m.OVF.Disks) != 1 {
		t.Errorf("Disks = %d, want 1", len(m.OVF.Disks))
	}
}

func TestInspect_ExplicitTagBypassesDetection(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.bin")
	writeRaw(t, path, 4096, 8192)

	m, err := Inspect(context.Background(), format.NewRegistry(), path, format.TagRaw)
	if err != nil {
		t.Fatal(err)
	}
	if m.Format != "raw" {
		t.Errorf("Format = %q", m.Format)
	}

	// Forcing a structured format onto raw bytes fails instead of guessing.
	if _, err := Inspect(context.Background(), format.NewRegistry(), path, format.TagVMDK); err == nil {
		t.Error("vmdk parse of raw bytes succeeded")
	}
}
