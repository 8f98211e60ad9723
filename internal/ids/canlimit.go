//go:build !no_can_limit

package ids

// canLimitEnforced caps New at the 29-bit CAN address space. This is
// the default: installations running on CAN-like buses must not put
// wider ids on the wire. Build with -tags no_can_limit for deployments
// that are not CAN-bus constrained; New then rejects only AllStop.
const canLimitEnforced = true
