//go:build !no_can_limit

package ids

import "testing"

func TestNewRejectsOverCANLimit(t *testing.T) {
	if _, ok := New(canLimit); ok {
		t.Fatal("New(canLimit) should be rejected")
	}
	if _, ok := New(canLimit - 1); !ok {
		t.Fatal("New(canLimit-1) should be accepted")
	}
}
