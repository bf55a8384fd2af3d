//go:build !linux && !darwin

package privdrop

import "fmt"

// Config names the user, group and chroot directory to drop into. Empty
// User means Drop is a no-op.
type Config struct {
	User   string
	Group  string
	Chroot string
}

// Drop returns an error if a privilege drop was actually requested on a
// platform this package doesn't support; otherwise it's a no-op.
func Drop(cfg Config) error {
	if cfg.User == "" {
		return nil
	}
	return fmt.Errorf("privdrop: unsupported on this platform")
}
