//go:build !unix

package checkpoint

// lockFile is a no-op where flock(2) is unavailable; Store's mutex still
// serializes saves within the process.
func lockFile(string, bool) (func(), error) {
	return func() {}, nil
}
