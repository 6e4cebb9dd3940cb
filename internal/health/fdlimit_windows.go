//go:build windows

package health

// FDLimit is not meaningful on windows; the fd-percentage threshold is
// skipped there.
func FDLimit() int64 { return 0 }
