//go:build linux || darwin || freebsd

package builtin

import "golang.org/x/sys/unix"

func diskUsage(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, err
	}
	used := uint64(st.Blocks) - uint64(st.Bfree)
	// Same denominator as df: blocks reserved for root are excluded.
	denom := used + uint64(st.Bavail)
	if denom == 0 {
		return 0, nil
	}
	return round1(100 * float64(used) / float64(denom)), nil
}
