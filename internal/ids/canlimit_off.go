//go:build no_can_limit

package ids

// canLimitEnforced is off in the no_can_limit build: New rejects only
// AllStop. Not recommended for installations on CAN-like buses.
const canLimitEnforced = false
