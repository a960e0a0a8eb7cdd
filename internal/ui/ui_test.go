package ui

import (
	"bytes"
	"os"
	"testing"
)

func TestWarnf(t *testing.T) {
	SetColorEnabled(false)
	var buf bytes.Buffer
	SetWriter(&buf)
	defer SetWriter(nil)

	Warnf("engine at %s is slow", "localhost:8734")

	want := "Warning: engine at localhost:8734 is slow\n"
	if got := buf.String(); got != want {
		t.Errorf("Warnf output = %q, want %q", got, want)
	}
}

func TestErrorf(t *testing.T) {
	SetColorEnabled(false)
	var buf bytes.Buffer
	SetWriter(&buf)
	defer SetWriter(nil)

	Errorf("reading packet: %s", "no such file")

	want := "Error: reading packet: no such file\n"
	if got := buf.String(); got != want {
		t.Errorf("Errorf output = %q, want %q", got, want)
	}
}

func TestErrorColoredPrefix(t *testing.T) {
	SetColorEnabled(true)
	defer SetColorEnabled(false)
	var buf bytes.Buffer
	SetWriter(&buf)
	defer SetWriter(nil)

	Error("boom")

	want := "\033[31mError:\033[0m boom\n"
	if got := buf.String(); got != want {
		t.Errorf("Error output = %q, want %q", got, want)
	}
}

func TestInfof(t *testing.T) {
	var buf bytes.Buffer
	SetWriter(&buf)
	defer SetWriter(nil)

	Infof("wrote %s", "device.pem")

	if got := buf.String(); got != "wrote device.pem\n" {
		t.Errorf("Infof output = %q", got)
	}
}

func TestColorFunctions(t *testing.T) {
	tests := []struct {
		name string
		fn   func(string) string
		code string
	}{
		{"Bold", Bold, "1"},
		{"Dim", Dim, "2"},
		{"Green", Green, "32"},
		{"Red", Red, "31"},
		{"Yellow", Yellow, "33"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			SetColorEnabled(true)
			want := "\033[" + tt.code + "mhello\033[0m"
			if got := tt.fn("hello"); got != want {
				t.Errorf("%s(\"hello\") = %q, want %q", tt.name, got, want)
			}

			SetColorEnabled(false)
			if got := tt.fn("hello"); got != "hello" {
				t.Errorf("%s(\"hello\") with color disabled = %q", tt.name, got)
			}
		})
	}
}

func TestTags(t *testing.T) {
	SetColorEnabled(false)

	if got := OKTag(); got != "[ok]" {
		t.Errorf("OKTag() = %q", got)
	}
	if got := FailTag(); got != "[FAIL]" {
		t.Errorf("FailTag() = %q", got)
	}
	if got := WarnTag(); got != "[??]" {
		t.Errorf("WarnTag() = %q", got)
	}
}

func TestStructuredOutput(t *testing.T) {
	SetColorEnabled(false)
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	Section("Verdict")
	Field("slot", "42")
	Check(true, "tee-signature", "")
	Check(false, "temporal", "stale-reading")

	want := "Verdict\n" +
		"───────\n" +
		"  slot:          42\n" +
		"  [ok]   tee-signature\n" +
		"  [FAIL] temporal (stale-reading)\n"
	if got := buf.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}

func TestNO_COLOR(t *testing.T) {
	t.Setenv("NO_COLOR", "1")

	f, err := os.CreateTemp("", "ui-test-*")
	if err != nil {
		t.Fatal(err)
	}
	defer os.Remove(f.Name())
	defer f.Close()

	if detectColor(f) {
		t.Error("detectColor should return false when NO_COLOR is set")
	}
}

func TestIncompleteAndSkipped(t *testing.T) {
	SetColorEnabled(false)
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(nil)

	Incomplete("fetch-record", "engine unavailable")
	Skipped("temporal")

	want := "  [??]   fetch-record (engine unavailable)\n  -      temporal\n"
	if got := buf.String(); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
}
