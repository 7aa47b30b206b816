package domain

// Effective resolves a basket-level override against the protocol default.
func Effective[T any](override *T, global T) T {
	if override != nil {
		return *override
	}
	return global
}
