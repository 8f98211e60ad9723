//go:build no_can_limit

package ids

import "testing"

func TestNewAcceptsOverCANLimit(t *testing.T) {
	if _, ok := New(canLimit); !ok {
		t.Fatal("New(canLimit) should be accepted without the CAN cap")
	}
	if _, ok := New(AllStop); ok {
		t.Fatal("New(AllStop) should still be rejected without the CAN cap")
	}
}
