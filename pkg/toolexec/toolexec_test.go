package toolexec

import (
	"context"
	"errors"
	"testing"
)

func TestExecMissingBinary(t *testing.T) {
	_, err := Exec{}.Run(context.Background(), Command{Name: "polyship-definitely-not-installed"})
	if !IsNotFound(err) {
		t.Fatalf("Run() error = %v, want not found", err)
	}
}

func TestFake(t *testing.T) {
	fake := NewFake().Install("cargo", func(ctx context.Context, cmd Command) (Result, error) {
		return Result{Stdout: "cargo 1.80.0\n"}, nil
	})

	if !Available(fake, "cargo") {
		t.Fatal("cargo should be available")
	}
	if Available(fake, "cosign") {
		t.Fatal("cosign should not be available")
	}

	if got := Output(context.Background(), fake, Command{Name: "cargo", Args: []string{"--version"}}); got != "cargo 1.80.0" {
		t.Fatalf("Output() = %q", got)
	}
	if !fake.Ran("cargo --version") {
		t.Fatalf("expected recorded command, got %v", fake.Commands())
	}

	_, err := fake.Run(context.Background(), Command{Name: "cosign"})
	if !IsNotFound(err) {
		t.Fatalf("Run(cosign) error = %v, want not found", err)
	}
}

func TestExitErrorMessage(t *testing.T) {
	err := error(&ExitError{Command: "go build", ExitCode: 2, Stderr: "undefined: x\n"})
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.ExitCode != 2 {
		t.Fatalf("errors.As failed for %v", err)
	}
	if want := "go build exited with code 2 (stderr: undefined: x)"; err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
}
