package errkind

import (
	"io"
	"os"
	"testing"

	"github.com/cockroachdb/errors"
)

func TestClasses(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		class error
		fatal bool
	}{
		{"allocation", Allocation(errors.New("mmap: ENOMEM"), "rent %d bytes", 1024), ErrAllocationFailure, true},
		{"io", Io(os.ErrNotExist, "read %s", "a.bin"), ErrIoFailure, false},
		{"misuse", Misuse("double free of %s", "block#1"), ErrMisuse, false},
		{"action", Action(io.ErrUnexpectedEOF, "tick %d", 3), ErrActionFailure, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.class) {
				t.Errorf("Expected %v to be marked as %v", tt.err, tt.class)
			}
			if IsFatal(tt.err) != tt.fatal {
				t.Errorf("IsFatal(%v) = %v, want %v", tt.err, !tt.fatal, tt.fatal)
			}
		})
	}
}

func TestMarkKeepsCause(t *testing.T) {
	err := Io(os.ErrNotExist, "read %s", "missing.bin")
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected cause to survive marking, got %v", err)
	}
	if errors.Is(err, ErrMisuse) {
		t.Error("Io error must not match the misuse class")
	}
}
