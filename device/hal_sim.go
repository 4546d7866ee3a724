package device

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
	"time"
)

// SimHAL is a software-only stand-in for the device's memory-mapped
// registers. Touch and timer state are driven by the caller; TRNGWord
// draws from crypto/rand, so RNG output is not reproducible through it
// alone. It is the only HAL implementation in this repo;
// a RISC-V MMIO implementation is out of scope here but would satisfy
// the same HAL interface.
type SimHAL struct {
	mu       sync.Mutex
	cdi      [32]byte
	led      Color
	stray    bool
	queued   bool
	armed    bool
	deadline time.Time
}

// NewSimHAL returns a HAL seeded with the given CDI. Production code never
// has a literal CDI to pass in (it would be read from hardware); tests
// construct one deterministically.
func NewSimHAL(cdi [32]byte) *SimHAL {
	return &SimHAL{cdi: cdi}
}

func (h *SimHAL) CDI() [32]byte { return h.cdi }

// TRNGWord draws from crypto/rand. The real TRNG is a hardware entropy
// source; crypto/rand plays the same "trusted black box" role here that
// it does for every other standard-library primitive this package treats
// as opaque.
func (h *SimHAL) TRNGWord() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(err)
	}
	return binary.BigEndian.Uint32(b[:])
}

func (h *SimHAL) SetLED(c Color) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.led = c
}

// LED reports the current LED color; only tests use this.
func (h *SimHAL) LED() Color {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.led
}

// ClearTouch discards a latched stray event. A touch queued with Press
// survives it: Press models the human touching during the wait window,
// which by definition happens after the register was cleared.
func (h *SimHAL) ClearTouch() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stray = false
}

// Press queues one touch for the next PollTouch to observe, simulating a
// physical touch while an operation is waiting for presence.
func (h *SimHAL) Press() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.queued = true
}

// LatchStray latches a touch event the way the hardware register would
// hold one from before the operation started. ClearTouch discards it.
func (h *SimHAL) LatchStray() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stray = true
}

func (h *SimHAL) PollTouch() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.queued {
		h.queued = false
		return true
	}
	if h.stray {
		h.stray = false
		return true
	}
	return false
}

func (h *SimHAL) StartTimeout(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.armed = true
	h.deadline = time.Now().Add(d)
}

func (h *SimHAL) TimedOut() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.armed && !time.Now().Before(h.deadline)
}

func (h *SimHAL) StopTimeout() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.armed = false
}
