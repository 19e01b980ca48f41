package audio

import "sync"

// WavEncoder accumulates mono PCM samples and renders them as WAV on demand.
// It is the concrete encoder behind the producer pipeline: Flush emits the
// samples gathered since the previous flush as one stand-alone chunk, Blob
// renders everything appended since the last Reset as one file.
type WavEncoder struct {
	mu         sync.Mutex
	sampleRate int
	all        []int // everything since Reset
	mark       int   // start of the unflushed tail within all
}

// NewWavEncoder creates an encoder for the given sample rate.
func NewWavEncoder(sampleRate int) *WavEncoder {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	return &WavEncoder{sampleRate: sampleRate}
}

// Append adds captured samples to the unflushed tail.
func (e *WavEncoder) Append(samples []int) {
	e.mu.Lock()
	e.all = append(e.all, samples...)
	e.mu.Unlock()
}

// Flush encodes the samples accumulated since the previous flush. Returns
// (nil, nil) when there is nothing new.
func (e *WavEncoder) Flush() ([]byte, error) {
	e.mu.Lock()
	tail := e.all[e.mark:]
	e.mark = len(e.all)
	e.mu.Unlock()

	if len(tail) == 0 {
		return nil, nil
	}
	return Encode(tail, e.sampleRate)
}

// Blob encodes the full recording accumulated since the last Reset.
func (e *WavEncoder) Blob() ([]byte, error) {
	e.mu.Lock()
	all := make([]int, len(e.all))
	copy(all, e.all)
	e.mu.Unlock()
	return Encode(all, e.sampleRate)
}

// SampleRate reports the configured rate.
func (e *WavEncoder) SampleRate() int { return e.sampleRate }

// Reset discards all accumulated samples.
func (e *WavEncoder) Reset() {
	e.mu.Lock()
	e.all = nil
	e.mark = 0
	e.mu.Unlock()
}
