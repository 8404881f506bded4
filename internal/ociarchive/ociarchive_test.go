package ociarchive

import "testing"

func TestIsReference(t *testing.T) {
	cases := map[string]bool{
		"oci://ghcr.io/twoyi/rom:latest": true,
		"/data/rootfs/default.tar.gz":    false,
		"":                               false,
	}
	for in, want := range cases {
		if got := IsReference(in); got != want {
			t.Errorf("IsReference(%q) = %v, want %v", in, got, want)
		}
	}
}
