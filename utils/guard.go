package utils

// Guard undoes partial work on error paths. Defer OnFail right after acquiring the resource and
// call Success once the function can no longer fail.
type Guard struct {
	OnFail  func()
	success bool
}

// NewGuard returns a guard whose OnFail runs cleanup unless Success was called.
func NewGuard(cleanup func()) *Guard {
	g := &Guard{}
	g.OnFail = func() {
		if !g.success {
			cleanup()
		}
	}
	return g
}

// Success disarms the cleanup.
func (g *Guard) Success() {
	g.success = true
}
