package reading

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/sensorlog/internal/faults"
)

func TestNew(t *testing.T) {
	at := time.Unix(1700000000, 500_000_000)

	r, err := New(at, "/sensors/temp", []byte("21.5"), "pi-kitchen")
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	want := Reading{Timestamp: 1700000000, Topic: "/sensors/temp", Value: "21.5", DeviceID: "pi-kitchen"}
	if r != want {
		t.Errorf("New() = %+v, want %+v", r, want)
	}
}

func TestNew_EmptyPayload(t *testing.T) {
	r, err := New(time.Unix(1, 0), "a", nil, UnknownDevice)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if r.Value != "" {
		t.Errorf("Value = %q, want empty", r.Value)
	}
}

func TestNew_InvalidUTF8(t *testing.T) {
	_, err := New(time.Now(), "/sensors/temp", []byte{0xff, 0xfe, 0xfd}, "dev")
	if err == nil {
		t.Fatal("New() with invalid UTF-8 should fail")
	}
	if !faults.Is(err, faults.Decode) {
		t.Errorf("error kind = %v, want decode", faults.KindOf(err))
	}
}

func TestDecode_Multibyte(t *testing.T) {
	got, err := Decode([]byte("21.5 °C"))
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got != "21.5 °C" {
		t.Errorf("Decode() = %q", got)
	}
}

func TestResolveDeviceID(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		configured string
		want       string
	}{
		{"", UnknownDevice},
		{"  ", UnknownDevice},
		{"greenhouse-1", "greenhouse-1"},
	}
	for _, tt := range tests {
		got, err := ResolveDeviceID(tt.configured, dir)
		if err != nil {
			t.Fatalf("ResolveDeviceID(%q) error = %v", tt.configured, err)
		}
		if got != tt.want {
			t.Errorf("ResolveDeviceID(%q) = %q, want %q", tt.configured, got, tt.want)
		}
	}
}

func TestResolveDeviceID_Auto(t *testing.T) {
	dir := t.TempDir()

	first, err := ResolveDeviceID(AutoDevice, dir)
	if err != nil {
		t.Fatalf("ResolveDeviceID(auto) error = %v", err)
	}
	if len(strings.Split(first, "-")) != 5 {
		t.Errorf("id %q does not look like a UUID", first)
	}

	second, err := ResolveDeviceID(AutoDevice, dir)
	if err != nil {
		t.Fatalf("second ResolveDeviceID(auto) error = %v", err)
	}
	if second != first {
		t.Errorf("second = %q, want %q (should be stable)", second, first)
	}

	data, err := os.ReadFile(filepath.Join(dir, deviceIDFile))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != first {
		t.Errorf("file content = %q, want %q", got, first)
	}
}

func TestLoadOrCreateDeviceID_UnwritableDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing", "nested")
	if _, err := LoadOrCreateDeviceID(dir); err == nil {
		t.Fatal("LoadOrCreateDeviceID() in a missing directory should fail")
	}
}
