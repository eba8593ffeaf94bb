//go:build !linux

package pin

import "fmt"

// Mlock is only functional on Linux.
type Mlock struct{}

func (Mlock) Pin([]byte) error   { return fmt.Errorf("mlock pinning requires Linux") }
func (Mlock) Unpin([]byte) error { return fmt.Errorf("mlock pinning requires Linux") }
