package live

import (
	"bytes"
	"math"
	"testing"
)

// pcmFrame builds durationMs of 16-bit LE PCM at a constant amplitude
// (0.0 to 1.0), alternating sign so the signal has no DC offset.
func pcmFrame(audio AudioConfig, durationMs int, amplitude float64) []byte {
	n := audio.BytesForDurationMs(durationMs) / 2
	frame := make([]byte, n*2)
	sample := int16(amplitude * 32767)
	for i := 0; i < n; i++ {
		v := sample
		if i%2 == 1 {
			v = -sample
		}
		frame[i*2] = byte(v)
		frame[i*2+1] = byte(v >> 8)
	}
	return frame
}

func TestCalculateRMSEnergy_Silence(t *testing.T) {
	audio := DefaultAudioConfig()
	if got := CalculateRMSEnergy(pcmFrame(audio, 100, 0)); got != 0 {
		t.Errorf("RMS of silence = %f, want 0", got)
	}
	if got := CalculateRMSEnergy(nil); got != 0 {
		t.Errorf("RMS of empty input = %f, want 0", got)
	}
}

func TestCalculateRMSEnergy_ConstantAmplitude(t *testing.T) {
	audio := DefaultAudioConfig()
	got := CalculateRMSEnergy(pcmFrame(audio, 100, 0.5))
	if math.Abs(got-0.5) > 0.01 {
		t.Errorf("RMS of 0.5 amplitude square = %f, want ~0.5", got)
	}
}

func TestCalculatePeakAmplitude(t *testing.T) {
	audio := DefaultAudioConfig()
	got := CalculatePeakAmplitude(pcmFrame(audio, 20, 0.75))
	if math.Abs(got-0.75) > 0.01 {
		t.Errorf("peak = %f, want ~0.75", got)
	}
}

func TestAudioConfig_DurationRoundTrip(t *testing.T) {
	audio := DefaultAudioConfig()
	for _, ms := range []int{20, 100, 800, 30000} {
		byteCount := audio.BytesForDurationMs(ms)
		if got := audio.DurationMs(byteCount); got != ms {
			t.Errorf("DurationMs(BytesForDurationMs(%d)) = %d", ms, got)
		}
	}
}

func TestSegmentBuffer_CapsAtMaxDuration(t *testing.T) {
	audio := DefaultAudioConfig()
	buf := NewSegmentBuffer(audio, 100)

	full := false
	for i := 0; i < 10; i++ {
		full = buf.Write(pcmFrame(audio, 20, 0.5), true)
		if full {
			break
		}
	}
	if !full {
		t.Fatal("buffer never reported full")
	}
	if got := buf.DurationMs(); got != 100 {
		t.Errorf("buffer duration = %dms, want 100", got)
	}
}

func TestSegmentBuffer_TakeResetsAndReportsRatio(t *testing.T) {
	audio := DefaultAudioConfig()
	buf := NewSegmentBuffer(audio, 1000)

	buf.Write(pcmFrame(audio, 20, 0.5), true)
	buf.Write(pcmFrame(audio, 20, 0.5), true)
	buf.Write(pcmFrame(audio, 20, 0), false)

	pcm, voicedMs, totalMs := buf.Take()
	if len(pcm) != audio.BytesForDurationMs(60) {
		t.Errorf("pcm length = %d, want %d", len(pcm), audio.BytesForDurationMs(60))
	}
	if voicedMs != 40 || totalMs != 60 {
		t.Errorf("voiced/total = %d/%d ms, want 40/60", voicedMs, totalMs)
	}

	if buf.Len() != 0 {
		t.Error("Take did not reset buffer")
	}
	if _, voicedMs, totalMs := buf.Take(); voicedMs != 0 || totalMs != 0 {
		t.Errorf("durations after reset = %d/%d, want 0/0", voicedMs, totalMs)
	}
}

func TestPrerollBuffer_RetainsMostRecent(t *testing.T) {
	audio := DefaultAudioConfig()
	ring := NewPrerollBuffer(audio, 40)

	old := pcmFrame(audio, 40, 0.25)
	recent := pcmFrame(audio, 40, 0.5)
	ring.Write(old)
	ring.Write(recent)

	got := ring.Drain()
	if !bytes.Equal(got, recent) {
		t.Error("ring did not keep the most recent audio")
	}
	if ring.Filled() != 0 {
		t.Error("Drain did not reset the ring")
	}
}

func TestPrerollBuffer_PartialFill(t *testing.T) {
	audio := DefaultAudioConfig()
	ring := NewPrerollBuffer(audio, 100)

	frame := pcmFrame(audio, 20, 0.5)
	ring.Write(frame)

	got := ring.Drain()
	if !bytes.Equal(got, frame) {
		t.Error("partial drain mismatch")
	}
}
