package transfer

import (
	"sync"

	"github.com/hamzamalik22/gaza-health-records-app/internal/logging"
)

// Receiver reassembles frames into a payload.
//
// Frames carry no sequence number. A field value ending in the marker at a
// chunk boundary, or a lost frame, completes the transfer early and is
// reported as a parse failure; the buffer is cleared either way.
type Receiver struct {
	mu         sync.Mutex
	buf        []byte
	onChunk    func(chunk []byte)
	onComplete func(p Payload, err error)
}

// NewReceiver creates a Receiver. onComplete is required.
func NewReceiver(onComplete func(p Payload, err error)) *Receiver {
	return &Receiver{onComplete: onComplete}
}

// OnChunk sets a callback for every decoded chunk.
func (r *Receiver) OnChunk(fn func(chunk []byte)) {
	r.mu.Lock()
	r.onChunk = fn
	r.mu.Unlock()
}

// Feed accepts one inbound frame.
func (r *Receiver) Feed(frame []byte) {
	chunk, err := Unframe(frame)
	if err != nil {
		r.onComplete(nil, err)
		return
	}

	r.mu.Lock()
	r.buf = append(r.buf, chunk...)
	onChunk := r.onChunk
	var text []byte
	if Complete(r.buf) {
		text = append([]byte(nil), r.buf...)
	}
	r.mu.Unlock()

	if onChunk != nil {
		onChunk(chunk)
	}
	if text == nil {
		return
	}

	p, err := Decode(text)

	r.mu.Lock()
	r.buf = r.buf[len(text):]
	if len(r.buf) == 0 {
		r.buf = nil
	}
	r.mu.Unlock()

	if err != nil {
		logging.Warn("Transfer parse failed", map[string]interface{}{"bytes": len(text), "error": err.Error()})
		r.onComplete(nil, err)
		return
	}
	r.onComplete(p, nil)
}

// Fail reports a link error to the completion callback.
func (r *Receiver) Fail(err error) {
	r.onComplete(nil, err)
}

// Buffered returns how many bytes await completion.
func (r *Receiver) Buffered() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buf)
}

// Reset drops any partial transfer.
func (r *Receiver) Reset() {
	r.mu.Lock()
	r.buf = nil
	r.mu.Unlock()
}

// Listen feeds every frame from ch into r until the returned function is
// called.
func Listen(ch Channel, r *Receiver) (func(), error) {
	return ch.Subscribe(func(frame []byte, err error) {
		if err != nil {
			r.Fail(err)
			return
		}
		r.Feed(frame)
	})
}
