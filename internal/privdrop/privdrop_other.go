//go:build !linux

package privdrop

import "fmt"

// To is unsupported outside Linux; a non-empty username is a configuration
// error rather than a silent no-op, since the caller explicitly asked for
// privilege drop.
func To(username string) error {
	if username == "" {
		return nil
	}
	return fmt.Errorf("privdrop: unsupported on this platform")
}
