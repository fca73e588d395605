package errors

import (
	"fmt"
	"testing"
)

func TestIsRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unavailable", ErrStorageUnavailable, true},
		{"wrapped conflict", Wrap(ErrStorageConflict, "commit"), true},
		{"timeout", fmt.Errorf("begin: %w", ErrTimeout), true},
		{"fatal", ErrStorageFatal, false},
		{"plain", New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetriable(tt.err); got != tt.want {
				t.Errorf("IsRetriable(%v) = %v, want %v", tt.err, got, tt.want)
			}
			if tt.err != nil && IsFatal(tt.err) == tt.want {
				t.Errorf("IsFatal(%v) = %v, want %v", tt.err, !tt.want, !tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	base := New("database is locked")
	err := Classify(base, ErrStorageUnavailable)

	if !Is(err, ErrStorageUnavailable) {
		t.Errorf("Classify lost kind: %v", err)
	}
	if !Is(err, base) {
		t.Errorf("Classify lost cause: %v", err)
	}
	if again := Classify(err, ErrStorageUnavailable); again != err {
		t.Errorf("Classify re-wrapped an already classified error: %v", again)
	}
	if Classify(nil, ErrStorageFatal) != nil {
		t.Error("Classify(nil) != nil")
	}
}

func TestValidationErrors(t *testing.T) {
	v := NewValidationErrors()
	if v.Err() != nil {
		t.Fatalf("empty collector returned error: %v", v.Err())
	}

	v.AddField("sync.batch_size", "must be positive")
	v.AddMissing("database.dsn")
	v.Add(nil)

	err := v.Err()
	if err == nil {
		t.Fatal("Err() = nil, want errors")
	}
	if len(v.Errors) != 2 {
		t.Fatalf("len(Errors) = %d, want 2", len(v.Errors))
	}
	if !Is(err, ErrMissingField) || !Is(err, ErrInvalidConfig) {
		t.Errorf("collected errors not reachable via Is: %v", err)
	}
	if !IsValidation(err) {
		t.Errorf("IsValidation(%v) = false", err)
	}
}
