package main

import (
	"errors"
	"testing"

	"vmi/internal/cloud"
	"vmi/internal/format"
)

func TestSplitTarget(t *testing.T) {
	tests := []struct {
		in       string
		provider cloud.Provider
		scope    string
		name     string
		wantErr  bool
	}{
		{in: "aws://us-east-1/web-base", provider: cloud.AWS, scope: "us-east-1", name: "web-base"},
		{in: "gcp://my-project/web-base", provider: cloud.GCP, scope: "my-project", name: "web-base"},
		{in: "aws://us-east-1", wantErr: true},
		{in: "gcp:///web-base", wantErr: true},
		{in: "/tmp/disk.raw", wantErr: true},
	}

	for _, tt := range tests {
		provider, scope, name, err := splitTarget(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("splitTarget(%q): expected error", tt.in)
			} else if !errors.Is(err, errUsage) {
				t.Errorf("splitTarget(%q): error %v is not a usage error", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("splitTarget(%q): %v", tt.in, err)
			continue
		}
		if provider != tt.provider || scope != tt.scope || name != tt.name {
			t.Errorf("splitTarget(%q) = %s, %s, %s; want %s, %s, %s",
				tt.in, provider, scope, name, tt.provider, tt.scope, tt.name)
		}
	}
}

func TestResolveTag(t *testing.T) {
	reg := format.NewRegistry()

	tag, err := resolveTag(reg, "VMDK")
	if err != nil {
		t.Fatalf("resolveTag: %v", err)
	}
	if tag != format.TagVMDK {
		t.Fatalf("resolveTag = %q, want %q", tag, format.TagVMDK)
	}

	if tag, err = resolveTag(reg, ""); err != nil || tag != "" {
		t.Fatalf("empty format should resolve to no tag, got %q, %v", tag, err)
	}

	if _, err = resolveTag(reg, "qcow2"); !errors.Is(err, errUsage) {
		t.Fatalf("unknown format should be a usage error, got %v", err)
	}
}
