// Package audio holds the WAV plumbing for the recording pipeline: encoding
// PCM samples into chunk files and losslessly concatenating chunks back into
// one recording.
package audio

import (
	"bytes"
	"fmt"
	"io"
	"os"

	gaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const (
	// DefaultSampleRate matches the capture pipeline's mono 16 kHz stream.
	DefaultSampleRate = 16000
	bitDepth          = 16
	numChannels       = 1
)

// Encode renders mono PCM samples as a complete WAV file.
func Encode(samples []int, sampleRate int) ([]byte, error) {
	var ws writeSeeker
	enc := wav.NewEncoder(&ws, sampleRate, bitDepth, numChannels, 1)
	buf := &gaudio.IntBuffer{
		Data:           samples,
		Format:         &gaudio.Format{NumChannels: numChannels, SampleRate: sampleRate},
		SourceBitDepth: bitDepth,
	}
	if err := enc.Write(buf); err != nil {
		return nil, fmt.Errorf("encode wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("finalize wav: %w", err)
	}
	return ws.buf, nil
}

// Decode reads a WAV file back into PCM samples and its sample rate.
func Decode(data []byte) (samples []int, sampleRate int, err error) {
	dec := wav.NewDecoder(bytes.NewReader(data))
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode wav: %w", err)
	}
	return pcm.Data, int(dec.SampleRate), nil
}

// Info returns the sample count and sample rate of a WAV file on disk.
func Info(path string) (sampleCount, sampleRate int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return 0, 0, fmt.Errorf("read wav %s: %w", path, err)
	}
	return len(pcm.Data), int(dec.SampleRate), nil
}

// ConcatFiles joins the given WAV files into dst in order. PCM data is copied
// sample for sample, so the result is lossless; the header takes its rate
// from the first source. Sources with a different rate are rejected.
func ConcatFiles(dst string, srcs []string) error {
	if len(srcs) == 0 {
		return fmt.Errorf("concat: no source files")
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	var enc *wav.Encoder
	rate := 0
	for _, src := range srcs {
		samples, srcRate, err := readPCM(src)
		if err != nil {
			return err
		}
		if enc == nil {
			rate = srcRate
			enc = wav.NewEncoder(out, rate, bitDepth, numChannels, 1)
		} else if srcRate != rate {
			return fmt.Errorf("concat: %s has sample rate %d, want %d", src, srcRate, rate)
		}
		buf := &gaudio.IntBuffer{
			Data:           samples,
			Format:         &gaudio.Format{NumChannels: numChannels, SampleRate: rate},
			SourceBitDepth: bitDepth,
		}
		if err := enc.Write(buf); err != nil {
			return fmt.Errorf("concat write %s: %w", src, err)
		}
	}
	return enc.Close()
}

func readPCM(path string) ([]int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	pcm, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("read wav %s: %w", path, err)
	}
	return pcm.Data, int(dec.SampleRate), nil
}

// writeSeeker is an in-memory io.WriteSeeker for the wav encoder, which seeks
// back to patch RIFF sizes on Close.
type writeSeeker struct {
	buf []byte
	pos int
}

func (ws *writeSeeker) Write(p []byte) (int, error) {
	if need := ws.pos + len(p); need > len(ws.buf) {
		ws.buf = append(ws.buf, make([]byte, need-len(ws.buf))...)
	}
	n := copy(ws.buf[ws.pos:], p)
	ws.pos += n
	return n, nil
}

func (ws *writeSeeker) Seek(offset int64, whence int) (int64, error) {
	var pos int64
	switch whence {
	case io.SeekStart:
		pos = offset
	case io.SeekCurrent:
		pos = int64(ws.pos) + offset
	case io.SeekEnd:
		pos = int64(len(ws.buf)) + offset
	default:
		return 0, fmt.Errorf("seek: invalid whence %d", whence)
	}
	if pos < 0 {
		return 0, fmt.Errorf("seek: negative position")
	}
	ws.pos = int(pos)
	return pos, nil
}
