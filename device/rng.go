package device

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2s"
)

// stateWords is the number of 32-bit words of RNG state.
const stateWords = 16

// reseedAfter is how many 16-byte blocks may be extracted before the
// TRNG half of the state is refreshed.
const reseedAfter = 1000

// RNG is the device-application's deterministic-extraction random number
// generator: a BLAKE2s digest chain whose state is half CDI-seeded and
// half TRNG-seeded, periodically refreshed from the TRNG. The TRNG is treated as a low-rate entropy source; the
// digest chain keeps producing uniform output even while the TRNG
// stalls. It is used only for the per-registration nonce; key and MAC
// derivation are separate keyed-BLAKE2s calls that don't go through here.
type RNG struct {
	hal   HAL
	ctr   uint32
	state [stateWords]uint32
}

// NewRNG seeds an RNG: state words 0..7 from the CDI, words 8..15 from
// TRNG draws, counter zero.
func NewRNG(hal HAL) *RNG {
	r := &RNG{hal: hal}
	cdi := hal.CDI()
	for i := 0; i < stateWords/2; i++ {
		r.state[i] = binary.LittleEndian.Uint32(cdi[i*4 : i*4+4])
		r.state[i+stateWords/2] = hal.TRNGWord()
	}
	return r
}

// Generate fills out with random bytes. len(out) must be a multiple of
// 16: each 16-byte block is the first half of one BLAKE2s digest over
// the 64-byte state, emitted as big-endian words, followed by a state
// update.
func (r *RNG) Generate(out []byte) error {
	if len(out) == 0 {
		return nil
	}
	if len(out)%16 != 0 {
		return fmt.Errorf("device: rng output size %d not a multiple of 16", len(out))
	}

	var buf [stateWords * 4]byte
	for b := 0; b < len(out)/16; b++ {
		for i, w := range r.state {
			binary.LittleEndian.PutUint32(buf[i*4:i*4+4], w)
		}
		sum := blake2s.Sum256(buf[:])
		for i := 0; i < 4; i++ {
			w := binary.LittleEndian.Uint32(sum[i*4 : i*4+4])
			binary.BigEndian.PutUint32(out[b*16+i*4:b*16+i*4+4], w)
		}
		r.update(sum)
	}
	return nil
}

// update feeds the digest back into the low half of the state so every
// digest depends on all previous ones, mixes the step counter into the
// last word, and refreshes the TRNG half every reseedAfter steps.
func (r *RNG) update(digest [32]byte) {
	for i := 0; i < stateWords/2; i++ {
		r.state[i] = binary.LittleEndian.Uint32(digest[i*4 : i*4+4])
	}
	r.ctr++
	r.state[15] += r.ctr
	if r.ctr == reseedAfter {
		for i := stateWords / 2; i < stateWords; i++ {
			r.state[i] = r.hal.TRNGWord()
		}
		r.ctr = 0
	}
}
