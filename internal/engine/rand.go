package engine

import (
	"encoding/base64"
	"fmt"
	"math/bits"
	"math/rand/v2"
)

const pcgStream = 0x9e3779b97f4a7c15

// Rand is the game's seeded generator. Its full state is serializable so
// snapshots, replicas and replays continue the exact same sequence.
type Rand struct {
	pcg rand.PCG
}

func NewRand(seed int64) Rand {
	return Rand{pcg: *rand.NewPCG(uint64(seed), uint64(seed)^pcgStream)}
}

// IntN returns a value in [0, n) using Lemire's multiply-shift reduction
// with rejection, so the result is unbiased. n must be positive.
func (r *Rand) IntN(n int) int {
	if n <= 0 {
		panic("engine: IntN called with non-positive n")
	}
	bound := uint64(n)
	hi, lo := bits.Mul64(r.pcg.Uint64(), bound)
	if lo < bound {
		threshold := -bound % bound
		for lo < threshold {
			hi, lo = bits.Mul64(r.pcg.Uint64(), bound)
		}
	}
	return int(hi)
}

func (r Rand) Equal(other Rand) bool {
	return r.pcg == other.pcg
}

func (r Rand) MarshalBinary() ([]byte, error) {
	return r.pcg.MarshalBinary()
}

func (r *Rand) UnmarshalBinary(data []byte) error {
	return r.pcg.UnmarshalBinary(data)
}

func (r Rand) MarshalText() ([]byte, error) {
	raw, err := r.pcg.MarshalBinary()
	if err != nil {
		return nil, err
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

func (r *Rand) UnmarshalText(text []byte) error {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(text)))
	n, err := base64.StdEncoding.Decode(raw, text)
	if err != nil {
		return fmt.Errorf("decode rng state: %w", err)
	}
	return r.pcg.UnmarshalBinary(raw[:n])
}
