package vhci

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/Alia5/vhcibridge/ring"
	"github.com/Alia5/vhcibridge/usb"
)

// TransferRingDepth is the slot count of endpoint data rings.
const TransferRingDepth = 0x100

// QueueDirection is the set of data directions an endpoint can move.
type QueueDirection int

const (
	DirIn QueueDirection = 1 << iota
	DirOut
	DirBoth = DirIn | DirOut
)

func (d QueueDirection) String() string {
	switch d {
	case DirIn:
		return "in"
	case DirOut:
		return "out"
	case DirBoth:
		return "both"
	default:
		return "none"
	}
}

// GivebackFunc is told about every URB that finished, failed or was
// cancelled. It runs without any queue lock held.
type GivebackFunc func(u *URB)

// TransferQueueConfig describes one endpoint.
type TransferQueueConfig struct {
	Rings    ring.Provider
	Commands *CommandQueue
	// Async carries transfer request messages to the device.
	Async    *MessageQueue
	DevAddr  uint8
	Endpoint usb.EndpointDescriptor
	// Direction overrides the capability derived from Endpoint. Control
	// endpoints default to DirBoth.
	Direction QueueDirection
	// MaxInTransfer caps a single inbound DMA. Zero means the whole buffer.
	MaxInTransfer uint32
	Giveback      GivebackFunc
	Logger        *slog.Logger
}

// TransferQueueStats is a snapshot of a queue's bookkeeping.
type TransferQueueStats struct {
	Active   bool
	State    EndpointState
	Pending  int
	Deferred int
}

// TransferQueue drives the URBs of one endpoint. It matches transfer
// request messages and DMA completions against its requests in submission
// order.
type TransferQueue struct {
	rings    ring.Provider
	cmds     *CommandQueue
	async    *MessageQueue
	logger   *slog.Logger
	giveback GivebackFunc

	devAddr  uint8
	endpAddr uint8
	dir      QueueDirection
	maxIn    uint32
	sqIn     ring.SubmissionQueue
	sqOut    ring.SubmissionQueue

	// serializes Pause and Resume
	stateMu sync.Mutex

	mu       sync.Mutex
	active   bool
	state    EndpointState
	closed   bool
	deferred []Message
	urbs     []*URB
	done     []*URB
}

// NewTransferQueue creates the endpoint's data rings. The queue starts
// active.
func NewTransferQueue(cfg TransferQueueConfig) (*TransferQueue, error) {
	if cfg.Rings == nil || cfg.Async == nil {
		return nil, errors.New("transfer queue needs a ring provider and an async message queue")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	giveback := cfg.Giveback
	if giveback == nil {
		giveback = func(*URB) {}
	}
	num := cfg.Endpoint.Number()
	dir := cfg.Direction
	if dir == 0 {
		switch {
		case num == 0:
			dir = DirBoth
		case cfg.Endpoint.IsIn():
			dir = DirIn
		default:
			dir = DirOut
		}
	}
	q := &TransferQueue{
		rings:    cfg.Rings,
		cmds:     cfg.Commands,
		async:    cfg.Async,
		logger:   logger,
		giveback: giveback,
		devAddr:  cfg.DevAddr,
		endpAddr: cfg.Endpoint.BEndpointAddress & 0x8F,
		dir:      dir,
		maxIn:    cfg.MaxInTransfer,
		active:   true,
	}
	if num == 0 {
		q.endpAddr = 0
	}

	var err error
	if dir&DirIn != 0 {
		name := RingName(q.devAddr, 0x80|num)
		if q.sqIn, err = cfg.Rings.CreateSubmissionQueue(name, TransferRingDepth, ring.FromDevice, q.completion); err != nil {
			return nil, fmt.Errorf("transfer queue %s: %w", name, err)
		}
	}
	if dir&DirOut != 0 {
		name := RingName(q.devAddr, num)
		if q.sqOut, err = cfg.Rings.CreateSubmissionQueue(name, TransferRingDepth, ring.ToDevice, q.completion); err != nil {
			if q.sqIn != nil {
				cfg.Rings.DestroySubmissionQueue(q.sqIn)
			}
			return nil, fmt.Errorf("transfer queue %s: %w", name, err)
		}
	}
	return q, nil
}

// RingName is the name of the data ring of endpoint ep on device dev.
func RingName(dev, ep uint8) string {
	return fmt.Sprintf("VHC1-%d-%02x", dev, ep)
}

// DevAddr returns the device address.
func (q *TransferQueue) DevAddr() uint8 { return q.devAddr }

// EndpointAddr returns the endpoint address, direction bit included.
func (q *TransferQueue) EndpointAddr() uint8 { return q.endpAddr }

// Direction returns the direction capability.
func (q *TransferQueue) Direction() QueueDirection { return q.dir }

// Stats returns a snapshot of the queue.
func (q *TransferQueue) Stats() TransferQueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return TransferQueueStats{
		Active:   q.active,
		State:    q.state,
		Pending:  len(q.urbs),
		Deferred: len(q.deferred),
	}
}

// Deferred returns a copy of the events waiting for a request.
func (q *TransferQueue) Deferred() []Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Message(nil), q.deferred...)
}

// Event applies a message routed to this endpoint.
func (q *TransferQueue) Event(msg Message) {
	q.mu.Lock()
	q.deliverPending()
	switch {
	case msg.Cmd == MsgTransferRequest && (len(q.deferred) > 0 || len(q.urbs) == 0):
		q.deferred = append(q.deferred, msg)
	case len(q.urbs) == 0:
		q.logger.Error("transfer queue event with no pending request",
			"dev", q.devAddr, "ep", epString(q.endpAddr), "msg", msg, "error", ErrUnexpectedMessage)
	default:
		if errors.Is(q.urbs[0].kind.update(q.urbs[0], msg), errNotReady) {
			q.deferred = append(q.deferred, msg)
		}
	}
	q.mu.Unlock()
	q.flushGiveback()
}

func (q *TransferQueue) completion(sq ring.SubmissionQueue) {
	q.mu.Lock()
	for {
		c, ok := sq.NextCompletion()
		if !ok {
			break
		}
		sq.NotifyConsumed()
		switch {
		case c.Status == ring.CompletionAborted:
			q.logger.Debug("skipping aborted completion", "ring", sq.Name())
		case len(q.urbs) == 0:
			q.logger.Error("completion while no requests are pending", "ring", sq.Name(), "size", c.DataSize)
		case c.Status == ring.CompletionError:
			u := q.urbs[0]
			u.actualLength = u.receiveOffset
			u.complete(fmt.Errorf("%w: DMA failed on %s", ErrIO, sq.Name()))
		default:
			u := q.urbs[0]
			_ = u.kind.completion(u, c)
		}
	}
	q.deliverPending()
	q.mu.Unlock()
	q.flushGiveback()
}

// deliverPending applies deferred events to pending URBs, oldest first,
// stopping at the first one that does not apply. Caller holds q.mu.
func (q *TransferQueue) deliverPending() {
	for len(q.urbs) > 0 && len(q.deferred) > 0 {
		u := q.urbs[0]
		if errors.Is(u.kind.update(u, q.deferred[0]), errNotReady) {
			return
		}
		q.deferred = q.deferred[1:]
	}
}

// flushGiveback hands finished URBs to the client without holding q.mu, so
// the callback may submit new requests.
func (q *TransferQueue) flushGiveback() {
	for {
		q.mu.Lock()
		if len(q.done) == 0 {
			q.mu.Unlock()
			return
		}
		u := q.done[0]
		q.done = q.done[1:]
		q.mu.Unlock()
		q.giveback(u)
	}
}

func (q *TransferQueue) containsLocked(u *URB) bool {
	for _, p := range q.urbs {
		if p == u {
			return true
		}
	}
	return false
}

func (q *TransferQueue) removeLocked(u *URB) bool {
	for i, p := range q.urbs {
		if p == u {
			q.urbs = append(q.urbs[:i], q.urbs[i+1:]...)
			return true
		}
	}
	return false
}

// sendOut posts size bytes at addr on the output ring. Caller holds q.mu.
func (q *TransferQueue) sendOut(addr uint64, size uint32) error {
	if q.sqOut == nil {
		return fmt.Errorf("endpoint %s has no output ring", epString(q.endpAddr))
	}
	if !q.sqOut.TryReserve() {
		q.logger.Error("failed to reserve an output submission", "ep", epString(q.endpAddr))
		return ErrResourceExhausted
	}
	q.logger.Debug("DMA to device", "ep", epString(q.endpAddr), "addr", fmt.Sprintf("%#x", addr), "len", size)
	q.sqOut.Append(addr, size)
	q.sqOut.Submit()
	return nil
}

// Submit queues a request. On an active queue the state machine starts at
// once; a paused queue parks it until Resume.
func (q *TransferQueue) Submit(req Request) (*URB, error) {
	u := newURB(q, req)
	if u.in && q.dir&DirIn == 0 && !u.control {
		return nil, fmt.Errorf("endpoint %s cannot receive", epString(q.endpAddr))
	}
	if !u.in && q.dir&DirOut == 0 && !u.control {
		return nil, fmt.Errorf("endpoint %s cannot send", epString(q.endpAddr))
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrClosed
	}
	q.urbs = append(q.urbs, u)
	if q.active {
		if err := u.kind.init(u); err != nil {
			q.removeLocked(u)
			q.mu.Unlock()
			return nil, err
		}
	} else {
		u.state = StateInitPaused
	}
	q.deliverPending()
	q.mu.Unlock()

	q.logger.Debug("URB enqueued", "dev", q.devAddr, "ep", epString(q.endpAddr),
		"len", u.length(), "in", u.in, "control", u.control)
	q.flushGiveback()
	return u, nil
}

// Cancel removes u and gives it back with err. It fails with
// ErrURBNotPending if u already completed.
func (q *TransferQueue) Cancel(u *URB, err error) error {
	q.mu.Lock()
	if !q.removeLocked(u) {
		q.mu.Unlock()
		return ErrURBNotPending
	}
	u.err = err
	u.actualLength = u.receiveOffset
	q.done = append(q.done, u)
	q.deliverPending()
	q.mu.Unlock()

	q.logger.Debug("URB cancelled", "dev", q.devAddr, "ep", epString(q.endpAddr), "error", err)
	q.flushGiveback()
	return nil
}

// Pause stops the endpoint and flushes its rings. Outstanding DMA completes
// as aborted and is skipped; URBs stay attached for Resume.
func (q *TransferQueue) Pause(ctx context.Context) error {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()

	q.mu.Lock()
	q.active = false
	if q.sqOut != nil && len(q.urbs) > 0 {
		q.logger.Warn("pending output requests are not drained before pause", "ep", epString(q.endpAddr))
	}
	q.deferred = nil
	q.mu.Unlock()

	state, err := q.cmds.EndpointSetState(ctx, q.devAddr, q.endpAddr, EndpointPaused)
	q.setState(state)
	if err != nil {
		return fmt.Errorf("pause endpoint %s: %w", epString(q.endpAddr), err)
	}
	if state != EndpointPaused {
		return fmt.Errorf("pause endpoint %s: %w: %s", epString(q.endpAddr), ErrUnexpectedState, state)
	}

	for _, sq := range []ring.SubmissionQueue{q.sqIn, q.sqOut} {
		if sq == nil {
			continue
		}
		if err := q.rings.FlushSubmissionQueue(ctx, sq); err != nil {
			return fmt.Errorf("flush %s: %w", sq.Name(), err)
		}
	}
	q.logger.Debug("endpoint paused", "dev", q.devAddr, "ep", epString(q.endpAddr))
	return nil
}

// Resume reactivates the endpoint and restarts every attached URB.
func (q *TransferQueue) Resume(ctx context.Context) error {
	q.stateMu.Lock()
	defer q.stateMu.Unlock()

	state, err := q.cmds.EndpointSetState(ctx, q.devAddr, q.endpAddr, EndpointActive)
	q.setState(state)
	if err != nil {
		return fmt.Errorf("resume endpoint %s: %w", epString(q.endpAddr), err)
	}
	if state != EndpointActive {
		return fmt.Errorf("resume endpoint %s: %w: %s", epString(q.endpAddr), ErrUnexpectedState, state)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.active = true
	for _, u := range append([]*URB(nil), q.urbs...) {
		u.resume()
	}
	q.deliverPending()
	q.mu.Unlock()

	q.logger.Debug("endpoint resumed", "dev", q.devAddr, "ep", epString(q.endpAddr))
	q.flushGiveback()
	return nil
}

func (q *TransferQueue) setState(s EndpointState) {
	q.mu.Lock()
	q.state = s
	q.mu.Unlock()
}

// Close destroys the data rings and gives back every attached URB with
// ErrAborted.
func (q *TransferQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.active = false
	q.deferred = nil
	for _, u := range q.urbs {
		u.err = ErrAborted
		u.actualLength = u.receiveOffset
		q.done = append(q.done, u)
	}
	q.urbs = nil
	q.mu.Unlock()

	if q.sqIn != nil {
		q.rings.DestroySubmissionQueue(q.sqIn)
	}
	if q.sqOut != nil {
		q.rings.DestroySubmissionQueue(q.sqOut)
	}
	q.flushGiveback()
}
