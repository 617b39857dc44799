package ptr

// To returns a pointer to v. Handy for taking the address of literals.
func To[T any](v T) *T {
	return &v
}
