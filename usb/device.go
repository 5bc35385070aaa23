package usb

// Direction of a data transfer as seen from the host.
type Direction uint8

const (
	DirOut Direction = 0
	DirIn  Direction = 1
)

func (d Direction) String() string {
	if d == DirIn {
		return "in"
	}
	return "out"
}

// Device is a function a simulated port exposes. Endpoint zero requests are
// answered from the descriptor; everything else goes to HandleTransfer.
type Device interface {
	// HandleTransfer processes a bulk or interrupt transfer on endpoint
	// number ep. For IN it returns at most max bytes to send, or nil to NAK
	// until asked again; for OUT it consumes out and returns nil.
	HandleTransfer(ep uint8, dir Direction, out []byte, max int) []byte
	GetDescriptor() *Descriptor
}

// ControlHandler is implemented by devices that answer class or vendor
// requests on endpoint zero. Returning ok=false stalls the request.
type ControlHandler interface {
	HandleControl(setup SetupPacket, out []byte) (in []byte, ok bool)
}
