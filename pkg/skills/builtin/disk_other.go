//go:build !(linux || darwin || freebsd)

package builtin

import "errors"

func diskUsage(string) (float64, error) {
	return 0, errors.New("disk usage is not supported on this platform")
}
