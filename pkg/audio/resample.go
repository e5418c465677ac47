package audio

import (
	"errors"
	"sync"

	resampler "github.com/godeps/go-audio-soxr"
)

type resamplerKey struct {
	inRate  int
	outRate int
}

var resamplerPools sync.Map

func resamplerPool(key resamplerKey) *sync.Pool {
	if pool, ok := resamplerPools.Load(key); ok {
		return pool.(*sync.Pool)
	}
	actual, _ := resamplerPools.LoadOrStore(key, &sync.Pool{})
	return actual.(*sync.Pool)
}

func acquireEngine(key resamplerKey) (*resampler.SimpleResamplerFloat32, error) {
	if v := resamplerPool(key).Get(); v != nil {
		if r, ok := v.(*resampler.SimpleResamplerFloat32); ok && r != nil {
			return r, nil
		}
	}
	return resampler.NewEngineFloat32(float64(key.inRate), float64(key.outRate), resampler.QualityHigh)
}

func releaseEngine(key resamplerKey, r *resampler.SimpleResamplerFloat32) {
	if r == nil {
		return
	}
	r.Reset()
	resamplerPool(key).Put(r)
}

var errResamplerClosed = errors.New("resampler closed")

// Resampler converts a continuous mono PCM16 stream between sample rates,
// keeping filter state across writes.
type Resampler struct {
	key    resamplerKey
	engine *resampler.SimpleResamplerFloat32
	out    []float32
}

// NewResampler borrows a soxr engine for inRate to outRate.
func NewResampler(inRate, outRate int) (*Resampler, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, errors.New("resampler rates must be positive")
	}
	key := resamplerKey{inRate: inRate, outRate: outRate}
	engine, err := acquireEngine(key)
	if err != nil {
		return nil, err
	}
	return &Resampler{key: key, engine: engine}, nil
}

// Write feeds mono samples into the filter.
func (r *Resampler) Write(pcm []int16) error {
	if r == nil || r.engine == nil {
		return errResamplerClosed
	}
	if len(pcm) == 0 {
		return nil
	}
	tmp := Int16SliceToFloat32Into(AcquireFloat32(len(pcm)), pcm)
	out, err := r.engine.Process(tmp)
	ReleaseFloat32(tmp)
	if err != nil {
		return err
	}
	r.out = append(r.out, out...)
	return nil
}

// Flush pushes the filter tail into the output.
func (r *Resampler) Flush() error {
	if r == nil || r.engine == nil {
		return errResamplerClosed
	}
	out, err := r.engine.Flush()
	if err != nil {
		return err
	}
	r.out = append(r.out, out...)
	return nil
}

// Buffered returns the number of resampled samples waiting to be read.
func (r *Resampler) Buffered() int {
	if r == nil {
		return 0
	}
	return len(r.out)
}

// ReadAll appends every resampled sample to dst.
func (r *Resampler) ReadAll(dst []int16) []int16 {
	if r == nil || len(r.out) == 0 {
		return dst
	}
	start := len(dst)
	dst = append(dst, make([]int16, len(r.out))...)
	Float32SliceToInt16SliceInto(dst[start:], r.out)
	r.out = r.out[:0]
	return dst
}

// Close returns the engine to its pool.
func (r *Resampler) Close() {
	if r == nil || r.engine == nil {
		return
	}
	releaseEngine(r.key, r.engine)
	r.engine = nil
	r.out = nil
}
