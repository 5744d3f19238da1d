package audio_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/biopulse/pkg/audio"
)

func ramp(n int, start float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = start + float64(i)
	}
	return s
}

func TestBuffer_AssemblesFixedFrames(t *testing.T) {
	t.Parallel()

	b := audio.NewBuffer(4, 8000)
	if _, err := b.ReadFrame(); !errors.Is(err, audio.ErrNoFrame) {
		t.Fatalf("empty ReadFrame err = %v, want ErrNoFrame", err)
	}

	_ = b.Write(ramp(3, 0))
	if _, err := b.ReadFrame(); !errors.Is(err, audio.ErrNoFrame) {
		t.Fatalf("partial ReadFrame err = %v, want ErrNoFrame", err)
	}

	_ = b.Write(ramp(6, 3))
	f, err := b.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.SampleRate != 8000 || len(f.Samples) != 4 {
		t.Fatalf("frame = %d samples @ %d Hz, want 4 @ 8000", len(f.Samples), f.SampleRate)
	}
	for i, v := range f.Samples {
		if v != float64(i) {
			t.Errorf("sample %d = %v, want %v", i, v, float64(i))
		}
	}
	if got := b.Buffered(); got != 5 {
		t.Errorf("Buffered = %d, want 5", got)
	}

	// The returned frame must not alias the internal buffer.
	f.Samples[0] = 99
	next, _ := b.ReadFrame()
	if next.Samples[0] != 4 {
		t.Errorf("next frame starts at %v, want 4", next.Samples[0])
	}
}

func TestBuffer_DropsOldestOnBacklog(t *testing.T) {
	t.Parallel()

	b := audio.NewBuffer(2, 8000, audio.WithBacklog(2))
	_ = b.Write(ramp(7, 0))

	if got := b.Dropped(); got != 3 {
		t.Errorf("Dropped = %d, want 3", got)
	}
	f, err := b.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Samples[0] != 3 || f.Samples[1] != 4 {
		t.Errorf("frame = %v, want [3 4]", f.Samples)
	}
}

func TestBuffer_WritePCM16(t *testing.T) {
	t.Parallel()

	b := audio.NewBuffer(2, 16000)
	if err := b.WritePCM16(samplesToBytes([]int16{16384, -16384})); err != nil {
		t.Fatalf("WritePCM16: %v", err)
	}
	f, err := b.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if f.Samples[0] != 0.5 || f.Samples[1] != -0.5 {
		t.Errorf("frame = %v, want [0.5 -0.5]", f.Samples)
	}
}

func TestBuffer_Ingest(t *testing.T) {
	t.Parallel()

	b := audio.NewBuffer(2, 16000)
	if err := b.Ingest([]byte{0x00, 0x40, 0x01}); err == nil {
		t.Fatal("expected error for odd payload")
	}
	if b.Buffered() != 0 {
		t.Errorf("rejected payload was buffered: %d samples", b.Buffered())
	}
	if err := b.Ingest(samplesToBytes([]int16{16384, 16384})); err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if f, err := b.ReadFrame(); err != nil || f.Samples[1] != 0.5 {
		t.Errorf("ReadFrame = %v, %v", f.Samples, err)
	}
}

func TestBuffer_Close(t *testing.T) {
	t.Parallel()

	b := audio.NewBuffer(2, 8000)
	_ = b.Write(ramp(4, 0))
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := b.ReadFrame(); !errors.Is(err, audio.ErrClosed) {
		t.Errorf("ReadFrame after Close err = %v, want ErrClosed", err)
	}
	if err := b.Write(ramp(2, 0)); !errors.Is(err, audio.ErrClosed) {
		t.Errorf("Write after Close err = %v, want ErrClosed", err)
	}
}

func TestBuffer_Defaults(t *testing.T) {
	t.Parallel()

	b := audio.NewBuffer(0, 0)
	if b.FrameSize() != audio.DefaultFrameSize {
		t.Errorf("FrameSize = %d, want %d", b.FrameSize(), audio.DefaultFrameSize)
	}
	if b.SampleRate() != 44100 {
		t.Errorf("SampleRate = %d, want 44100", b.SampleRate())
	}
}

func TestBuffer_ConcurrentWriters(t *testing.T) {
	t.Parallel()

	b := audio.NewBuffer(10, 8000, audio.WithBacklog(1000))
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = b.Write(ramp(5, 0))
			}
		}()
	}
	wg.Wait()

	frames := 0
	for {
		if _, err := b.ReadFrame(); err != nil {
			break
		}
		frames++
	}
	if frames != 200 {
		t.Errorf("read %d frames, want 200", frames)
	}
}
