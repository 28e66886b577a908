package clipboard

import "testing"

func TestCopyEmptyIsNoop(t *testing.T) {
	if err := Copy(""); err != nil {
		t.Errorf("Copy(\"\") = %v", err)
	}
}
