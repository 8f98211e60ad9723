package ids

import "testing"

func TestNewRejectsAllStop(t *testing.T) {
	if _, ok := New(AllStop); ok {
		t.Fatal("New(AllStop) should be rejected")
	}
}

func TestNewUncheckedAllowsSentinels(t *testing.T) {
	got := NewUnchecked(ReadError)
	if got.Value() != ReadError {
		t.Fatalf("got %d, want %d", got.Value(), ReadError)
	}
}

func TestDescriptivePairEquality(t *testing.T) {
	id, _ := New(1)
	a := NewDescriptivePair(id, "One Event", HiddenDisplay())
	same := a
	differentDescription := NewDescriptivePair(id, "Different Description", HiddenDisplay())

	id2, _ := New(2)
	different := NewDescriptivePair(id2, "Two Event", HiddenDisplay())

	if !a.Equal(same) {
		t.Error("identical pairs should be Equal")
	}
	if !a.Equal(differentDescription) {
		t.Error("Equal should ignore description")
	}
	if a.TrulyEqual(differentDescription) {
		t.Error("TrulyEqual should distinguish differing descriptions")
	}
	if a.Equal(different) {
		t.Error("pairs with different ids should not be Equal")
	}
}

func TestGameIdentityMatches(t *testing.T) {
	unfiltered := Unfiltered()
	if !unfiltered.Matches(42) {
		t.Error("unfiltered identity should match anything")
	}

	filtered := NewGameIdentity(7)
	if !filtered.Matches(7) {
		t.Error("filtered identity should match its own id")
	}
	if filtered.Matches(8) {
		t.Error("filtered identity should not match a different id")
	}
}
