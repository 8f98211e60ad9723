// Package ids defines the identifier and event value types shared across
// the connection bus: Identifier, DescriptivePair, Event, and GameIdentity.
package ids

import "fmt"

// canLimit is the 29-bit CAN bus address ceiling. Identifiers built with
// New are capped here under the default build; see canLimitEnforced for
// the no_can_limit build mode. NewUnchecked always bypasses the cap, for
// internal sentinels.
const canLimit = 0x1FFFFFFF

// AllStop is the reserved identifier for the emergency all-stop command.
// It is never a valid allocatable id.
const AllStop uint32 = 0

// ReadError is the sentinel id reported for adapter read failures.
const ReadError uint32 = 0xFFFFFFFF

// CommError is the sentinel id reported for adapter communication errors.
const CommError uint32 = 1

// Identifier is a generic numeric identifier for events, scenes, and
// other items. Zero is reserved for AllStop and is never returned by New.
type Identifier struct {
	id uint32
}

// New creates an Identifier, enforcing the AllStop reservation and,
// when canLimitEnforced, the 29-bit CAN address limit. Returns false if
// id is out of range.
func New(id uint32) (Identifier, bool) {
	if id == AllStop {
		return Identifier{}, false
	}
	if canLimitEnforced && id >= canLimit {
		return Identifier{}, false
	}
	return Identifier{id: id}, true
}

// NewUnchecked creates an Identifier without validating the AllStop
// reservation or the CAN limit. Used for sentinels (ReadError,
// CommError) in either build mode.
func NewUnchecked(id uint32) Identifier {
	return Identifier{id: id}
}

// AllStopID returns the reserved all-stop Identifier.
func AllStopID() Identifier {
	return Identifier{id: AllStop}
}

// Value returns the underlying numeric id.
func (i Identifier) Value() uint32 {
	return i.id
}

// String implements fmt.Stringer.
func (i Identifier) String() string {
	return fmt.Sprintf("%d", i.id)
}

// DisplayType describes how an item should be surfaced in a user
// interface. The bus itself never inspects these values; it carries
// them so a control-plane client can render events without querying a
// separate configuration store.
type DisplayType struct {
	Kind     string // "control", "grouped", "debug", "label_control", "label_hidden", "hidden"
	GroupID  *Identifier
	Position *uint32
	Hidden   bool
}

// HiddenDisplay returns the display type for items that should never be
// shown to an operator.
func HiddenDisplay() DisplayType {
	return DisplayType{Kind: "hidden", Hidden: true}
}

// DescriptivePair couples an Identifier with a human-readable description
// and display metadata. Equality (Equal) compares only the id;
// TrulyEqual additionally compares description and display type.
type DescriptivePair struct {
	id          Identifier
	Description string
	Display     DisplayType
}

// NewDescriptivePair builds a DescriptivePair from an already-validated
// Identifier.
func NewDescriptivePair(id Identifier, description string, display DisplayType) DescriptivePair {
	return DescriptivePair{id: id, Description: description, Display: display}
}

// AllStopPair returns the reserved all-stop DescriptivePair.
func AllStopPair() DescriptivePair {
	return DescriptivePair{id: AllStopID(), Description: "ALL STOP", Display: HiddenDisplay()}
}

// ID returns the pair's Identifier.
func (p DescriptivePair) ID() Identifier {
	return p.id
}

// Equal reports whether two pairs share the same id, ignoring
// description and display type.
func (p DescriptivePair) Equal(other DescriptivePair) bool {
	return p.id == other.id
}

// TrulyEqual reports whether two pairs are identical in id, description,
// and display type.
func (p DescriptivePair) TrulyEqual(other DescriptivePair) bool {
	return p.id == other.id && p.Description == other.Description && p.Display == other.Display
}

// String implements fmt.Stringer in the "description (id)" form.
func (p DescriptivePair) String() string {
	return fmt.Sprintf("%s (%s)", p.Description, p.id)
}

// Event is the wire-level unit exchanged with transport adapters: an
// identifier plus two data words. data1 conventionally carries the game
// identity for inbound events; data2 is adapter-specific payload.
type Event struct {
	ID    Identifier
	Data1 uint32
	Data2 uint32
}

// GameIdentity filters inbound events by their data1 field. A nil/unset
// identity (Set == false) disables filtering: every inbound event is
// dispatched regardless of data1.
type GameIdentity struct {
	id  uint32
	Set bool
}

// NewGameIdentity returns a GameIdentity that filters on id.
func NewGameIdentity(id uint32) GameIdentity {
	return GameIdentity{id: id, Set: true}
}

// Unfiltered returns a GameIdentity that disables identity filtering.
func Unfiltered() GameIdentity {
	return GameIdentity{}
}

// Matches reports whether data1 satisfies this identity. An unset
// identity matches everything.
func (g GameIdentity) Matches(data1 uint32) bool {
	if !g.Set {
		return true
	}
	return g.id == data1
}

// Value returns the filtered game id and whether filtering is enabled.
func (g GameIdentity) Value() (uint32, bool) {
	return g.id, g.Set
}
