package release

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestToolMissingErrorsMatchUnavailable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "toolchain", err: &ToolchainMissingError{Package: "a", Tool: "cargo"}, want: true},
		{name: "sbom", err: &SbomToolMissingError{Package: "a", Tool: "cyclonedx-gomod"}, want: true},
		{name: "signing", err: &SigningToolMissingError{Method: SignCosign, Reason: "no oidc"}, want: true},
		{name: "wrapped", err: fmt.Errorf("stage: %w", &SbomToolMissingError{Tool: "x"}), want: true},
		{name: "build failure", err: &BuildFailedError{Package: "a", Command: "cargo build", ExitCode: 101}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := errors.Is(tt.err, ErrToolUnavailable); got != tt.want {
				t.Fatalf("errors.Is(%v, ErrToolUnavailable) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestIsRunFatal(t *testing.T) {
	unit := &UnitError{Target: BuildTarget{Package: "a", Target: "x"}, Stage: "package", Err: &EmptyArchiveError{Package: "a"}}
	if !IsRunFatal(unit) {
		t.Fatal("empty archive wrapped in unit error should be run fatal")
	}
	if IsRunFatal(&BuildFailedError{Package: "a"}) {
		t.Fatal("build failure should not be run fatal")
	}
	if !IsRunFatal(errors.Join(errors.New("other"), &NamingCollisionError{Name: "n"})) {
		t.Fatal("joined naming collision should be run fatal")
	}
}

func TestBuildFailedErrorTruncatesOutput(t *testing.T) {
	var lines []string
	for i := 0; i < 50; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	err := &BuildFailedError{Package: "a", Target: "t", Command: "go build", ExitCode: 2, Output: strings.Join(lines, "\n")}
	msg := err.Error()
	if strings.Contains(msg, "line 0\n") {
		t.Fatalf("expected early output to be trimmed: %s", msg)
	}
	if !strings.Contains(msg, "line 49") {
		t.Fatalf("expected last line to be kept: %s", msg)
	}
}

func TestParseFormat(t *testing.T) {
	for raw, want := range map[string]Format{"tar.gz": FormatTarGz, "TGZ": FormatTarGz, "zip": FormatZip, "tar.zst": FormatTarZst} {
		got, err := ParseFormat(raw)
		if err != nil || got != want {
			t.Fatalf("ParseFormat(%q) = %q, %v; want %q", raw, got, err, want)
		}
	}
	if _, err := ParseFormat("rar"); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}
