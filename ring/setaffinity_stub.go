//go:build !linux || tinygo

package ring

// setAffinity is a no-op where thread affinity is not exposed.
func setAffinity(int) {}
