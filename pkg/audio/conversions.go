package audio

import "math"

func float32ToInt16(sample float32) int16 {
	if sample > 1.0 {
		return math.MaxInt16
	}
	if sample < -1.0 {
		return math.MinInt16
	}
	return int16(sample * math.MaxInt16)
}

// Float32SliceToInt16SliceInto fills dst with float32 converted to int16 and returns the slice.
func Float32SliceToInt16SliceInto(dst []int16, samples []float32) []int16 {
	dst = resize(dst, len(samples))
	for i, sample := range samples {
		dst[i] = float32ToInt16(sample)
	}
	return dst
}

// Int16SliceToFloat32Into fills dst with int16 converted to float32 and returns the slice.
func Int16SliceToFloat32Into(dst []float32, samples []int16) []float32 {
	dst = resize(dst, len(samples))
	for i, sample := range samples {
		dst[i] = float32(sample) / float32(math.MaxInt16)
	}
	return dst
}

// AppendInt16LE appends samples as little-endian PCM16 bytes.
func AppendInt16LE(dst []byte, samples []int16) []byte {
	for _, sample := range samples {
		dst = append(dst, byte(sample), byte(sample>>8))
	}
	return dst
}

// Int16FromLE decodes little-endian PCM16. A trailing odd byte is ignored.
func Int16FromLE(dst []int16, data []byte) []int16 {
	n := len(data) / 2
	dst = resize(dst, n)
	for i := 0; i < n; i++ {
		dst[i] = int16(data[i*2]) | int16(data[i*2+1])<<8
	}
	return dst
}

// DownmixInto averages interleaved frames of channels samples to mono.
func DownmixInto(dst []int16, samples []int16, channels int) []int16 {
	if channels <= 1 {
		return append(resize(dst, 0), samples...)
	}
	frames := len(samples) / channels
	dst = resize(dst, frames)
	for i := 0; i < frames; i++ {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += int(samples[i*channels+c])
		}
		dst[i] = int16(sum / channels)
	}
	return dst
}

// UpmixInto duplicates mono samples across channels.
func UpmixInto(dst []int16, mono []int16, channels int) []int16 {
	if channels <= 1 {
		return append(resize(dst, 0), mono...)
	}
	dst = resize(dst, len(mono)*channels)
	for i, sample := range mono {
		for c := 0; c < channels; c++ {
			dst[i*channels+c] = sample
		}
	}
	return dst
}

func resize[T any](dst []T, n int) []T {
	if cap(dst) < n {
		return make([]T, n)
	}
	return dst[:n]
}
