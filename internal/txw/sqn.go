package txw

// SqnLT implements the modular signed-difference ordering from §9:
// sqn_lt(a,b) ≡ (int32)(a-b) < 0. It is transparent to 32-bit sequence
// wraparound, unlike a plain a < b comparison.
func SqnLT(a, b uint32) bool {
	return int32(a-b) < 0
}

// inWindow reports whether s falls within [trail, lead], using the same
// modular ordering as SqnLT.
func inWindow(s, trail, lead uint32) bool {
	return !SqnLT(s, trail) && !SqnLT(lead, s)
}
