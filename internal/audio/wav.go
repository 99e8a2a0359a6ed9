package audio

import (
	"errors"
	"fmt"
	"io"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// TelephonyRate is the sample rate of G.711 media streams.
const TelephonyRate = 8000

var ErrInvalidWAV = errors.New("not a valid wav file")

// LoadWAVAsMuLaw decodes a PCM WAV, downmixes it to mono, resamples it to
// 8 kHz and returns it μ-law encoded, ready to send as media frames.
func LoadWAVAsMuLaw(r io.ReadSeeker) ([]byte, error) {
	d := wav.NewDecoder(r)
	if !d.IsValidFile() {
		return nil, ErrInvalidWAV
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("decode wav: %w", err)
	}
	if buf.Format == nil || buf.Format.SampleRate <= 0 || buf.Format.NumChannels <= 0 {
		return nil, ErrInvalidWAV
	}

	mono := downmix(buf)
	return EncodeMuLaw(resample(mono, buf.Format.SampleRate, TelephonyRate)), nil
}

func downmix(buf *goaudio.IntBuffer) []int16 {
	channels := buf.Format.NumChannels
	shift := buf.SourceBitDepth - 16
	out := make([]int16, 0, len(buf.Data)/channels)
	for i := 0; i+channels <= len(buf.Data); i += channels {
		sum := 0
		for c := 0; c < channels; c++ {
			sum += buf.Data[i+c]
		}
		v := sum / channels
		switch {
		case shift > 0:
			v >>= shift
		case shift < 0:
			// 8-bit WAV is unsigned.
			v = (v - 128) << 8
		}
		out = append(out, int16(v))
	}
	return out
}

// resample uses linear interpolation, which is adequate for a narrowband
// phone leg.
func resample(in []int16, from, to int) []int16 {
	if from == to || len(in) == 0 {
		return in
	}
	n := int(int64(len(in)) * int64(to) / int64(from))
	out := make([]int16, n)
	step := float64(from) / float64(to)
	for i := range out {
		pos := float64(i) * step
		j := int(pos)
		if j+1 >= len(in) {
			out[i] = in[len(in)-1]
			continue
		}
		frac := pos - float64(j)
		out[i] = int16(float64(in[j])*(1-frac) + float64(in[j+1])*frac)
	}
	return out
}

// WriteMuLawAsWAV expands μ-law audio to 16-bit PCM and writes an 8 kHz
// mono WAV to w.
func WriteMuLawAsWAV(w io.WriteSeeker, ulaw []byte) error {
	data := make([]int, len(ulaw))
	for i, b := range ulaw {
		data[i] = int(MuLawToLinear(b))
	}
	enc := wav.NewEncoder(w, TelephonyRate, 16, 1, 1)
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: TelephonyRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return enc.Close()
}
