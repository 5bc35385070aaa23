package sim

import (
	"sync"
	"time"

	"github.com/Alia5/vhcibridge/vhci"
)

// Faults makes the simulated device misbehave on purpose. The zero value
// injects nothing.
type Faults struct {
	mu            sync.Mutex
	drop          map[uint16]int
	status        map[uint16]vhci.Status
	replyOpcode   map[uint16]uint16
	ignoreCancel  bool
	lateOriginal  bool
	replyDelay    time.Duration
	droppedCounts map[uint16]int
	cancels       []vhci.Message
}

// DropReplies swallows the next n replies to opcode op.
func (f *Faults) DropReplies(op uint16, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.drop == nil {
		f.drop = make(map[uint16]int)
	}
	f.drop[op] = n
}

// ForceStatus answers every op with status.
func (f *Faults) ForceStatus(op uint16, status vhci.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == nil {
		f.status = make(map[uint16]vhci.Status)
	}
	f.status[op] = status
}

// ReplyWithOpcode answers op as if the host had sent other.
func (f *Faults) ReplyWithOpcode(op, other uint16) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replyOpcode == nil {
		f.replyOpcode = make(map[uint16]uint16)
	}
	f.replyOpcode[op] = other
}

// IgnoreCancel leaves cancellation requests unanswered.
func (f *Faults) IgnoreCancel(v bool) {
	f.mu.Lock()
	f.ignoreCancel = v
	f.mu.Unlock()
}

// CompleteOnCancel answers a cancellation with the original command's
// reply, as a device would whose command finished just before the cancel
// arrived.
func (f *Faults) CompleteOnCancel(v bool) {
	f.mu.Lock()
	f.lateOriginal = v
	f.mu.Unlock()
}

// SetReplyDelay holds every command reply back for d.
func (f *Faults) SetReplyDelay(d time.Duration) {
	f.mu.Lock()
	f.replyDelay = d
	f.mu.Unlock()
}

// Dropped returns how many replies to op were swallowed so far.
func (f *Faults) Dropped(op uint16) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.droppedCounts[op]
}

// Cancels returns every cancellation request received.
func (f *Faults) Cancels() []vhci.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]vhci.Message(nil), f.cancels...)
}

// Reset clears every injected fault and counter.
func (f *Faults) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drop = nil
	f.status = nil
	f.replyOpcode = nil
	f.ignoreCancel = false
	f.lateOriginal = false
	f.replyDelay = 0
	f.droppedCounts = nil
	f.cancels = nil
}

func (f *Faults) takeDrop(op uint16) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.drop[op] <= 0 {
		return false
	}
	f.drop[op]--
	if f.droppedCounts == nil {
		f.droppedCounts = make(map[uint16]int)
	}
	f.droppedCounts[op]++
	return true
}

func (f *Faults) recordCancel(msg vhci.Message) (ignore, lateOriginal bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, msg)
	return f.ignoreCancel, f.lateOriginal
}

func (f *Faults) rewrite(op uint16, res vhci.Message) vhci.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.status[op]; ok {
		res.Status = uint16(st)
	}
	if other, ok := f.replyOpcode[op]; ok {
		res.Cmd = other | res.Cmd&vhci.CmdTagMask
	}
	return res
}

func (f *Faults) delay() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.replyDelay
}
