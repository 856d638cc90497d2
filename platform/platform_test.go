package platform

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsValidate(t *testing.T) {
	for _, d := range []*Description{Default(), DefaultV2()} {
		if err := d.Validate(); err != nil {
			t.Fatalf("%s: %v", d.Name, err)
		}
	}
}

func TestRoundTripKeepsFingerprint(t *testing.T) {
	d := DefaultV2()
	raw, err := d.Encode()
	if err != nil {
		t.Fatal(err)
	}
	back, err := Parse(raw)
	if err != nil {
		t.Fatal(err)
	}
	if back.Fingerprint() != d.Fingerprint() {
		t.Fatal("fingerprint changed across encode/decode")
	}
	if len(d.Fingerprint()) != 64 {
		t.Fatalf("fingerprint %q is not sha3-256 hex", d.Fingerprint())
	}
	if Default().Fingerprint() == d.Fingerprint() {
		t.Fatal("different machines share a fingerprint")
	}
}

func TestParseRejects(t *testing.T) {
	cases := []struct {
		name string
		json string
		want error
	}{
		{"empty", "", ErrEmptyPayload},
		{"cpus", `{"cpus":0,"gic":{"version":3,"dist_base":1,"redist_base":2,"lines":64},"timer_ppi":27}`, ErrNoCPUs},
		{"version", `{"cpus":1,"gic":{"version":4,"dist_base":1,"lines":64},"timer_ppi":27}`, ErrGICVersion},
		{"windows", `{"cpus":1,"gic":{"version":2,"dist_base":1,"lines":64},"timer_ppi":27}`, ErrGICWindows},
		{"lines", `{"cpus":1,"gic":{"version":3,"dist_base":1,"redist_base":2,"lines":40},"timer_ppi":27}`, ErrLines},
		{"timer", `{"cpus":1,"gic":{"version":3,"dist_base":1,"redist_base":2,"lines":64},"timer_ppi":40}`, ErrTimerPPI},
		{"v2m", `{"cpus":1,"gic":{"version":2,"dist_base":1,"cpuif_base":2,"v2m_base":3,"lines":64,"v2m_spi_base":60,"v2m_spis":8},"timer_ppi":27}`, ErrMSIFrame},
	}
	for _, c := range cases {
		_, err := Parse([]byte(c.json))
		if !errors.Is(err, c.want) {
			t.Fatalf("%s: got %v want %v", c.name, err, c.want)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	if _, err := Parse([]byte(`{"cpus":`)); err == nil {
		t.Fatal("malformed JSON accepted")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	raw, _ := Default().Encode()
	path := filepath.Join(dir, "virt.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	d, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if d.GIC.Version != GICv3 || d.CPUs != Default().CPUs {
		t.Fatalf("loaded %+v", d)
	}
	if _, err := Load(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("missing file accepted")
	}
}

func TestBalanceInterval(t *testing.T) {
	d := Default()
	if d.BalanceInterval() <= 0 {
		t.Fatal("default interval not positive")
	}
	d.BalanceIntervalMs = 5
	if d.BalanceInterval().Milliseconds() != 5 {
		t.Fatal("override ignored")
	}
}
