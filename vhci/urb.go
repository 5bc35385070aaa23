package vhci

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Alia5/vhcibridge/ring"
)

// SetupPacketSize is the size of a USB control setup packet.
const SetupPacketSize = 8

// setupReserveTimeout bounds the data-stage reservations made right after a
// setup packet completed.
const setupReserveTimeout = 1000 * time.Millisecond

// URBState is the position of a request in its transfer state machine.
type URBState int

const (
	StateInitPaused URBState = iota
	StateWaitingForTransferRequest
	StateWaitingForCompletion
	StateDataTransferComplete
	StateControlWaitingForSetupRequest
	StateControlWaitingForSetupCompletion
	StateControlComplete
)

func (s URBState) String() string {
	switch s {
	case StateInitPaused:
		return "init-paused"
	case StateWaitingForTransferRequest:
		return "waiting-for-transfer-request"
	case StateWaitingForCompletion:
		return "waiting-for-completion"
	case StateDataTransferComplete:
		return "data-transfer-complete"
	case StateControlWaitingForSetupRequest:
		return "control-waiting-for-setup-request"
	case StateControlWaitingForSetupCompletion:
		return "control-waiting-for-setup-completion"
	case StateControlComplete:
		return "control-complete"
	default:
		return fmt.Sprintf("urb-state(%d)", int(s))
	}
}

var (
	// errNotReady: the event does not apply in the current state; defer it.
	errNotReady = errors.New("event not applicable yet")
	// errCompleted: the URB was moved to the giveback list.
	errCompleted = errors.New("urb completed")
)

// Request describes a transfer submitted by a client.
type Request struct {
	// Buffer is the client-owned transfer buffer. Its length is the transfer
	// length. The engine never frees it.
	Buffer ring.Buffer
	// Setup holds the 8-byte setup packet of a control transfer.
	Setup ring.Buffer
	// In selects device-to-host direction.
	In bool
	// Context is opaque client data returned with the URB.
	Context any
}

// urbKind is the behavior that differs between control and data transfers.
// All methods run with the owning queue's lock held.
type urbKind interface {
	init(u *URB) error
	update(u *URB, msg Message) error
	completion(u *URB, c ring.Completion) error
}

// URB is one in-flight request on a TransferQueue.
type URB struct {
	q       *TransferQueue
	kind    urbKind
	buf     ring.Buffer
	setup   ring.Buffer
	in      bool
	control bool
	context any

	state         URBState
	sendOffset    uint32
	receiveOffset uint32
	actualLength  uint32
	err           error
}

func newURB(q *TransferQueue, req Request) *URB {
	u := &URB{
		q:       q,
		buf:     req.Buffer,
		setup:   req.Setup,
		in:      req.In,
		control: q.endpAddr&0x0F == 0,
		context: req.Context,
	}
	if u.control {
		u.kind = &controlTransfer{}
	} else {
		u.kind = dataTransfer{}
	}
	return u
}

// Queue returns the queue the URB was submitted to.
func (u *URB) Queue() *TransferQueue { return u.q }

// In reports whether the transfer is device-to-host.
func (u *URB) In() bool { return u.in }

// IsControl reports whether the URB targets a control endpoint.
func (u *URB) IsControl() bool { return u.control }

// Context returns the client data passed in the Request.
func (u *URB) Context() any { return u.context }

// Buffer returns the client transfer buffer.
func (u *URB) Buffer() ring.Buffer { return u.buf }

// State returns the current state machine position.
func (u *URB) State() URBState {
	u.q.mu.Lock()
	defer u.q.mu.Unlock()
	return u.state
}

// ActualLength is the number of bytes moved. Valid once given back.
func (u *URB) ActualLength() uint32 { return u.actualLength }

// Err is the completion result; nil on success. Valid once given back.
func (u *URB) Err() error { return u.err }

func (u *URB) length() uint32 { return u.buf.Len() }

func (u *URB) complete(err error) {
	u.q.logger.Debug("URB complete", "ep", epString(u.q.endpAddr), "len", u.actualLength, "error", err)
	u.q.removeLocked(u)
	u.err = err
	u.q.done = append(u.q.done, u)
}

func (u *URB) resume() {
	var err error
	switch u.state {
	case StateInitPaused:
		err = u.kind.init(u)
	case StateControlWaitingForSetupCompletion:
		// the flush dropped the setup DMA; wait for the device to ask again
		u.state = StateControlWaitingForSetupRequest
	case StateWaitingForCompletion:
		if u.in {
			err = u.transferIn(0)
		} else {
			u.q.logger.Warn("outbound transfer interrupted by pause cannot be resumed", "ep", epString(u.q.endpAddr))
			err = ErrOutboundResume
		}
	}
	if err != nil && u.q.containsLocked(u) {
		u.complete(err)
	}
}

// dataStart begins the data stage.
func (u *URB) dataStart(timeout time.Duration) error {
	if u.length() == 0 {
		u.actualLength = 0
		u.state = StateDataTransferComplete
		return nil
	}
	if !u.in {
		u.state = StateWaitingForTransferRequest
		return nil
	}
	return u.transferIn(timeout)
}

// transferIn announces the next inbound chunk to the device and posts the
// matching receive DMA. Both slots are reserved up front so neither write
// can fail halfway.
func (u *URB) transferIn(timeout time.Duration) error {
	q := u.q
	if q.sqIn == nil {
		return fmt.Errorf("endpoint %s has no input ring", epString(q.endpAddr))
	}
	if err := reserve(q.async.TryReserve, q.async.Reserve, timeout); err != nil {
		q.logger.Error("failed to reserve a submission for URB data transfer", "ep", epString(q.endpAddr), "error", err)
		return err
	}
	if err := reserve(q.sqIn.TryReserve, q.sqIn.Reserve, timeout); err != nil {
		q.async.CancelReservation()
		q.logger.Error("failed to reserve a submission for URB data transfer", "ep", epString(q.endpAddr), "error", err)
		return err
	}

	u.sendOffset = u.receiveOffset
	trLen := u.length() - u.sendOffset
	if q.maxIn > 0 && trLen > q.maxIn {
		trLen = q.maxIn
	}
	q.logger.Debug("DMA from device", "ep", epString(q.endpAddr), "addr", fmt.Sprintf("%#x", u.buf.Addr+uint64(u.sendOffset)), "len", trLen)

	q.async.Write(Message{
		Cmd:    MsgTransferRequest,
		Param1: EndpointParam(q.devAddr, q.endpAddr),
		Param2: uint64(trLen),
	})
	q.sqIn.Append(u.buf.Addr+uint64(u.sendOffset), trLen)
	q.sqIn.Submit()

	u.sendOffset += trLen
	u.state = StateWaitingForCompletion
	return nil
}

func (u *URB) dataUpdate(msg Message) error {
	if u.state == StateWaitingForTransferRequest && msg.Cmd == MsgTransferRequest {
		trLen := min(u.length()-u.sendOffset, uint32(min(msg.Param2, uint64(^uint32(0)))))
		if err := u.q.sendOut(u.buf.Addr+uint64(u.sendOffset), trLen); err != nil {
			return err
		}
		u.sendOffset += trLen
		u.state = StateWaitingForCompletion
		return nil
	}

	// transfer requests on output queues are routinely early
	if msg.Cmd == MsgTransferRequest && u.q.sqOut != nil {
		return errNotReady
	}
	u.q.logger.Error("URB unexpected message", "ep", epString(u.q.endpAddr),
		"control", u.control, "state", u.state, "msg", msg)
	return errNotReady
}

// dataCompletion accounts one DMA completion of the data stage. It moves the
// URB to StateDataTransferComplete once the stage is finished.
func (u *URB) dataCompletion(c ring.Completion) error {
	if u.state != StateWaitingForCompletion {
		u.q.logger.Error("URB unexpected completion", "ep", epString(u.q.endpAddr), "control", u.control, "state", u.state)
		return nil
	}
	outstanding := u.sendOffset - u.receiveOffset
	n := uint32(min(c.DataSize, uint64(outstanding)))
	u.receiveOffset += n

	if u.in {
		// a full chunk short of the whole buffer means more chunks follow
		if n == outstanding && u.receiveOffset < u.length() {
			return u.transferIn(0)
		}
	} else if u.receiveOffset < u.length() {
		if u.receiveOffset >= u.sendOffset {
			u.state = StateWaitingForTransferRequest
		}
		return nil
	}
	u.actualLength = u.receiveOffset
	u.state = StateDataTransferComplete
	return nil
}

// dataTransfer drives bulk and interrupt URBs.
type dataTransfer struct{}

func (dataTransfer) init(u *URB) error {
	if err := u.dataStart(0); err != nil {
		return err
	}
	if u.state == StateDataTransferComplete {
		u.complete(nil)
	}
	return nil
}

func (dataTransfer) update(u *URB, msg Message) error {
	err := u.dataUpdate(msg)
	if err != nil && !errors.Is(err, errNotReady) {
		u.complete(err)
		return errCompleted
	}
	return err
}

func (dataTransfer) completion(u *URB, c ring.Completion) error {
	if err := u.dataCompletion(c); err != nil {
		u.complete(err)
		return errCompleted
	}
	if u.state == StateDataTransferComplete {
		u.complete(nil)
		return errCompleted
	}
	return nil
}

// controlTransfer adds the setup stage and the status overlay.
type controlTransfer struct {
	status Status
}

func (t *controlTransfer) init(u *URB) error {
	if u.setup.Len() < SetupPacketSize {
		return fmt.Errorf("control transfer needs a %d byte setup packet, got %d", SetupPacketSize, u.setup.Len())
	}
	u.state = StateControlWaitingForSetupRequest
	return nil
}

// checkStatus completes the URB once a status is known and either reports
// failure or the data stage is done.
func (t *controlTransfer) checkStatus(u *URB) error {
	if t.status == StatusNone {
		return nil
	}
	if u.state != StateDataTransferComplete && t.status == StatusSuccess {
		return nil
	}
	u.state = StateControlComplete
	var err error
	if t.status != StatusSuccess {
		err = fmt.Errorf("%w: control transfer status %s", ErrIO, t.status)
	}
	u.complete(err)
	return errCompleted
}

func (t *controlTransfer) update(u *URB, msg Message) error {
	if msg.Cmd == MsgControlTransferStatus {
		t.status = Status(msg.Status)
		return t.checkStatus(u)
	}

	switch u.state {
	case StateControlWaitingForSetupRequest:
		if msg.Cmd == MsgTransferRequest {
			if err := u.q.sendOut(u.setup.Addr, SetupPacketSize); err != nil {
				u.q.logger.Error("failed to start URB setup transfer", "ep", epString(u.q.endpAddr), "error", err)
				u.complete(err)
				return errCompleted
			}
			u.state = StateControlWaitingForSetupCompletion
			u.q.logger.Debug("sent setup", "ep", epString(u.q.endpAddr), "addr", fmt.Sprintf("%#x", u.setup.Addr))
			return nil
		}
	case StateWaitingForTransferRequest, StateWaitingForCompletion:
		if err := u.dataUpdate(msg); err != nil {
			if errors.Is(err, errNotReady) {
				return err
			}
			u.complete(err)
			return errCompleted
		}
		return t.checkStatus(u)
	}

	if msg.Cmd == MsgTransferRequest && u.q.sqOut != nil {
		return errNotReady
	}
	u.q.logger.Error("control URB unexpected message", "ep", epString(u.q.endpAddr), "state", u.state, "msg", msg)
	return errNotReady
}

func (t *controlTransfer) completion(u *URB, c ring.Completion) error {
	switch u.state {
	case StateControlWaitingForSetupCompletion:
		if c.DataSize != SetupPacketSize {
			u.q.logger.Error("setup transfer size mismatch", "ep", epString(u.q.endpAddr), "size", c.DataSize)
		}
		if err := u.dataStart(setupReserveTimeout); err != nil {
			u.complete(err)
			return errCompleted
		}
		return t.checkStatus(u)
	case StateWaitingForTransferRequest, StateWaitingForCompletion:
		if err := u.dataCompletion(c); err != nil {
			u.complete(err)
			return errCompleted
		}
		return t.checkStatus(u)
	}
	u.q.logger.Error("control URB unexpected completion", "ep", epString(u.q.endpAddr), "state", u.state)
	return nil
}

// reserve takes one slot, waiting up to timeout; zero means no wait.
func reserve(try func() bool, wait func(context.Context) error, timeout time.Duration) error {
	if timeout <= 0 {
		if !try() {
			return ErrResourceExhausted
		}
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := wait(ctx); err != nil {
		if errors.Is(err, ErrResourceExhausted) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}
	return nil
}

func epString(addr uint8) string {
	return fmt.Sprintf("%02x", addr)
}
