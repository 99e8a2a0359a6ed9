// Package audio holds the G.711 μ-law codec used on telephony media
// streams and WAV helpers for the call simulator.
package audio

const (
	mulawBias = 0x84
	mulawClip = 32635
)

// MuLawToLinear expands one μ-law byte to a 16-bit PCM sample.
func MuLawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exp := (u >> 4) & 0x07
	mant := u & 0x0F
	value := (int(mant)<<3 + mulawBias) << exp
	value -= mulawBias
	if sign != 0 {
		return int16(-value)
	}
	return int16(value)
}

// LinearToMuLaw compresses one 16-bit PCM sample.
func LinearToMuLaw(sample int16) byte {
	s := int(sample)
	sign := 0
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exp := 7
	for mask := 0x4000; s&mask == 0 && exp > 0; mask >>= 1 {
		exp--
	}
	mant := (s >> (exp + 3)) & 0x0F
	return ^byte(sign | exp<<4 | mant)
}

func EncodeMuLaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = LinearToMuLaw(s)
	}
	return out
}

func DecodeMuLaw(ulaw []byte) []int16 {
	out := make([]int16, len(ulaw))
	for i, b := range ulaw {
		out[i] = MuLawToLinear(b)
	}
	return out
}

// Silence returns n bytes of μ-law encoded zero samples.
func Silence(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = 0xFF
	}
	return out
}
