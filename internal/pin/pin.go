// Package pin abstracts the device-driver binding that registers host
// memory for DMA. The buffer pool calls Pin when a segment becomes
// resident in a process holding a live device context and Unpin when it
// ceases to be.
package pin

// Pinner registers and releases host memory regions for device DMA.
// Within one process the pool makes both calls while holding its
// attachment mutex, so calls never overlap and implementations need not
// be reentrant.
type Pinner interface {
	Pin(buf []byte) error
	Unpin(buf []byte) error
}

// Nop is a Pinner for processes without a device context.
type Nop struct{}

func (Nop) Pin([]byte) error   { return nil }
func (Nop) Unpin([]byte) error { return nil }
