package pin

import "testing"

func TestNop(t *testing.T) {
	var p Pinner = Nop{}
	buf := make([]byte, 16)
	if err := p.Pin(buf); err != nil {
		t.Errorf("Pin: %v", err)
	}
	if err := p.Unpin(buf); err != nil {
		t.Errorf("Unpin: %v", err)
	}
}
