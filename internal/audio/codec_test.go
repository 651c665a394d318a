package audio

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeMuLawLength(t *testing.T) {
	in := []byte{0x00, 0x7F, 0x80, 0xFF}
	pcm := DecodeMuLaw(in)
	require.Len(t, pcm, len(in))

	assert.Equal(t, int16(-32124), pcm[0])
	assert.Equal(t, int16(0), pcm[1])
	assert.Equal(t, int16(32124), pcm[2])
	assert.Equal(t, int16(0), pcm[3])
}

func TestDecodeMuLawEmpty(t *testing.T) {
	assert.Empty(t, DecodeMuLaw(nil))
	assert.Empty(t, DecodeMuLaw([]byte{}))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	// Mu-law is lossy; a decoded table value must re-encode to its own byte.
	for b := 0; b < 256; b++ {
		pcm := mulawDecodeTable[b]
		got := mulawEncode(pcm)
		dec := mulawDecodeTable[got]
		assert.Equal(t, pcm, dec, "byte 0x%02X decoded to %d re-encoded to 0x%02X", b, pcm, got)
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	pcm := make([]int16, 8000)
	wav := EncodeWAV(pcm, 8000)

	require.Len(t, wav, 44+len(pcm)*2)
	assert.Equal(t, "RIFF", string(wav[0:4]))
	assert.Equal(t, "WAVE", string(wav[8:12]))
	assert.Equal(t, "data", string(wav[36:40]))

	assert.Equal(t, uint32(8000), binary.LittleEndian.Uint32(wav[24:28]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(wav[22:24]))
	assert.Equal(t, uint16(16), binary.LittleEndian.Uint16(wav[34:36]))

	dataLen := binary.LittleEndian.Uint32(wav[40:44])
	assert.Equal(t, len(pcm), int(dataLen)/2, "declared sample count must match input")
}

func TestEncodeWAVSampleCountMatchesDecode(t *testing.T) {
	mulaw := make([]byte, 1600) // 200ms at 8kHz
	for i := range mulaw {
		mulaw[i] = byte(i % 256)
	}
	pcm := DecodeMuLaw(mulaw)
	wav := EncodeWAV(pcm, TelephonySampleRate)

	dataLen := binary.LittleEndian.Uint32(wav[40:44])
	assert.Equal(t, len(mulaw), int(dataLen)/2)
}

func TestSilenceBuffer(t *testing.T) {
	buf := SilenceBuffer(500*time.Millisecond, 8000)
	require.Len(t, buf, 4000)
	for i, b := range buf {
		require.Equal(t, byte(MuLawSilence), b, "index %d", i)
	}
}

func TestSilenceBufferZeroDuration(t *testing.T) {
	assert.Nil(t, SilenceBuffer(0, 8000))
}

func TestNormalizeMuLawScalesPeak(t *testing.T) {
	in := []byte{127, 137, 117}
	out := NormalizeMuLaw(in)
	require.Len(t, out, len(in))

	assert.Equal(t, byte(127), out[0])
	assert.Equal(t, byte(254), out[1])
	assert.Equal(t, byte(0), out[2])
}

func TestNormalizeMuLawIdempotent(t *testing.T) {
	in := []byte{120, 130, 127, 140, 110}
	once := NormalizeMuLaw(in)
	twice := NormalizeMuLaw(once)
	assert.Equal(t, once, twice)
}

func TestNormalizeMuLawSilentInputUnchanged(t *testing.T) {
	in := []byte{127, 127, 127}
	assert.Equal(t, in, NormalizeMuLaw(in))
}

func TestNormalizeMuLawEmpty(t *testing.T) {
	assert.Nil(t, NormalizeMuLaw(nil))
}
