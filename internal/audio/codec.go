// Package audio implements the G.711 mu-law codec plumbing the telephony
// pipeline needs: decode to linear PCM, WAV framing for diagnostic capture,
// silence generation for forced endpointing, and peak normalization.
//
// All functions are pure and tolerate malformed input: bad audio yields an
// empty result, never a panic, because audio corruption must not take down a
// live call.
package audio

import (
	"encoding/binary"
	"time"
)

const (
	// TelephonySampleRate is the line rate for mu-law telephony audio.
	TelephonySampleRate = 8000

	// BrowserSampleRate is the line rate for linear PCM browser audio.
	BrowserSampleRate = 16000

	// MuLawSilence is the mu-law byte for a zero-amplitude sample.
	MuLawSilence = 0xFF

	mulawBias = 0x84
	mulawClip = 32635
)

var mulawDecodeTable = [256]int16{
	-32124, -31100, -30076, -29052, -28028, -27004, -25980, -24956,
	-23932, -22908, -21884, -20860, -19836, -18812, -17788, -16764,
	-15996, -15484, -14972, -14460, -13948, -13436, -12924, -12412,
	-11900, -11388, -10876, -10364, -9852, -9340, -8828, -8316,
	-7932, -7676, -7420, -7164, -6908, -6652, -6396, -6140,
	-5884, -5628, -5372, -5116, -4860, -4604, -4348, -4092,
	-3900, -3772, -3644, -3516, -3388, -3260, -3132, -3004,
	-2876, -2748, -2620, -2492, -2364, -2236, -2108, -1980,
	-1884, -1820, -1756, -1692, -1628, -1564, -1500, -1436,
	-1372, -1308, -1244, -1180, -1116, -1052, -988, -924,
	-876, -844, -812, -780, -748, -716, -684, -652,
	-620, -588, -556, -524, -492, -460, -428, -396,
	-372, -356, -340, -324, -308, -292, -276, -260,
	-244, -228, -212, -196, -180, -164, -148, -132,
	-120, -112, -104, -96, -88, -80, -72, -64,
	-56, -48, -40, -32, -24, -16, -8, 0,
	32124, 31100, 30076, 29052, 28028, 27004, 25980, 24956,
	23932, 22908, 21884, 20860, 19836, 18812, 17788, 16764,
	15996, 15484, 14972, 14460, 13948, 13436, 12924, 12412,
	11900, 11388, 10876, 10364, 9852, 9340, 8828, 8316,
	7932, 7676, 7420, 7164, 6908, 6652, 6396, 6140,
	5884, 5628, 5372, 5116, 4860, 4604, 4348, 4092,
	3900, 3772, 3644, 3516, 3388, 3260, 3132, 3004,
	2876, 2748, 2620, 2492, 2364, 2236, 2108, 1980,
	1884, 1820, 1756, 1692, 1628, 1564, 1500, 1436,
	1372, 1308, 1244, 1180, 1116, 1052, 988, 924,
	876, 844, 812, 780, 748, 716, 684, 652,
	620, 588, 556, 524, 492, 460, 428, 396,
	372, 356, 340, 324, 308, 292, 276, 260,
	244, 228, 212, 196, 180, 164, 148, 132,
	120, 112, 104, 96, 88, 80, 72, 64,
	56, 48, 40, 32, 24, 16, 8, 0,
}

// DecodeMuLaw expands 8-bit mu-law samples to linear PCM int16.
func DecodeMuLaw(data []byte) []int16 {
	pcm := make([]int16, len(data))
	for i, b := range data {
		pcm[i] = mulawDecodeTable[b]
	}
	return pcm
}

// EncodeMuLaw compresses linear PCM int16 samples to 8-bit mu-law.
func EncodeMuLaw(pcm []int16) []byte {
	out := make([]byte, len(pcm))
	for i, s := range pcm {
		out[i] = mulawEncode(s)
	}
	return out
}

func mulawEncode(pcm int16) byte {
	sign := byte(0)
	v := int32(pcm)
	if v < 0 {
		sign = 0x80
		v = -v
	}
	if v > mulawClip {
		v = mulawClip
	}
	v += mulawBias

	exponent := byte(7)
	for mask := int32(0x4000); exponent > 0 && v&mask == 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((v >> (exponent + 3)) & 0x0F)
	return ^(sign | (exponent << 4) | mantissa)
}

// EncodeWAV wraps PCM samples in a minimal canonical RIFF/WAVE container
// (mono, 16-bit little-endian). Used for diagnostic capture only.
func EncodeWAV(pcm []int16, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = TelephonySampleRate
	}
	dataLen := len(pcm) * 2
	buf := make([]byte, 44+dataLen)

	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)                      // PCM chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)                       // PCM format
	binary.LittleEndian.PutUint16(buf[22:24], 1)                       // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))      // sample rate
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2))    // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], 2)                       // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16)                      // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))

	for i, s := range pcm {
		binary.LittleEndian.PutUint16(buf[44+i*2:], uint16(s))
	}
	return buf
}

// SilenceBuffer returns a buffer of mu-law silence bytes sized for the given
// duration. The session machine injects it during inbound quiet spells so
// the remote transcriber emits an end-of-utterance boundary.
func SilenceBuffer(d time.Duration, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = TelephonySampleRate
	}
	n := int(d.Milliseconds()) * sampleRate / 1000
	if n <= 0 {
		return nil
	}
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = MuLawSilence
	}
	return buf
}

// LinearSilenceBuffer returns a buffer of zero-amplitude 16-bit little-endian
// PCM sized for the given duration. The browser leg of the session machine
// uses it where the telephony leg uses mu-law silence.
func LinearSilenceBuffer(d time.Duration, sampleRate int) []byte {
	if sampleRate <= 0 {
		sampleRate = BrowserSampleRate
	}
	n := int(d.Milliseconds()) * sampleRate / 1000
	if n <= 0 {
		return nil
	}
	return make([]byte, n*2)
}

// NormalizeMuLaw rescales mu-law samples so the peak deviation from the
// mu-law silence level (127) reaches full scale. Silent or already
// full-scale input comes back unchanged.
func NormalizeMuLaw(data []byte) []byte {
	if len(data) == 0 {
		return nil
	}

	const silenceLevel = 127
	maxDev := 0
	for _, b := range data {
		dev := int(b) - silenceLevel
		if dev < 0 {
			dev = -dev
		}
		if dev > maxDev {
			maxDev = dev
		}
	}
	if maxDev == 0 || maxDev >= 127 {
		out := make([]byte, len(data))
		copy(out, data)
		return out
	}

	scale := 127.0 / float64(maxDev)
	out := make([]byte, len(data))
	for i, b := range data {
		dev := float64(int(b)-silenceLevel) * scale
		v := silenceLevel + int(dev)
		if v < 0 {
			v = 0
		}
		if v > 255 {
			v = 255
		}
		out[i] = byte(v)
	}
	return out
}
