package utils

import (
	"errors"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func getParentInfo() (string, int) {
	_, file, line, _ := runtime.Caller(2)
	return file, line
}

// Test helper
func Assert(t *testing.T, predicate bool, msg string) {
	t.Helper()
	if !predicate {
		file, line := getParentInfo()
		t.Errorf(msg+" in %s:%d", file, line)
	}
}

func AssertEqual[T comparable](t *testing.T, a T, b T) {
	t.Helper()
	if a != b {
		file, line := getParentInfo()
		t.Errorf("Expected %v == %v (%T) in %s:%d", a, b, a, file, line)
	}
}

// Assert that error is nil
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		file, line := getParentInfo()
		t.Errorf("Expected no error, got '%v' in %s:%d", err, file, line)
	}
}

// Assert that err matches target anywhere in its chain
func AssertErrorIs(t *testing.T, err error, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		file, line := getParentInfo()
		t.Errorf("Expected error matching '%v', got '%v' in %s:%d", target, err, file, line)
	}
}

// Compare two values structurally and report a diff when they differ.
func AssertDeepEqual[T any](t *testing.T, want T, got T) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		file, line := getParentInfo()
		t.Errorf("Mismatch (-want +got) in %s:%d:\n%s", file, line, diff)
	}
}

// Count occurrences of each element; used for order-insensitive checks.
func CountElements[T comparable](a []T) map[T]int {
	counts := make(map[T]int, len(a))
	for _, e := range a {
		counts[e]++
	}
	return counts
}
