// Package audioconv decodes recorded voice memos into the 16 kHz mono
// float samples the speech model expects.
package audioconv

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-audio/wav"
	"github.com/hajimehoshi/go-mp3"
	"github.com/jfreymuth/oggvorbis"
	popus "github.com/pekim/opus"
)

// TargetRate is the sample rate every decoder resamples to.
const TargetRate = 16000

var ErrUnsupported = errors.New("audioconv: unsupported format")

type Options struct {
	// MaxSamples truncates the decoded audio, counted at TargetRate.
	// Zero keeps everything.
	MaxSamples int
}

type decoder func(r io.ReadSeeker) (samples []float32, rate, channels int, err error)

// DecodeFile picks a decoder by extension, falling back to the file's
// magic bytes, and returns mono samples at TargetRate.
func DecodeFile(ctx context.Context, path string, opt Options) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if _, ok := decoders[format]; !ok {
		format, err = sniff(f)
		if err != nil {
			return nil, err
		}
	}
	return Decode(ctx, f, format, opt)
}

var decoders = map[string][]decoder{
	"wav":  {decodeWAV},
	"mp3":  {decodeMP3},
	"ogg":  {decodeVorbis, decodeOpus},
	"oga":  {decodeVorbis, decodeOpus},
	"opus": {decodeOpus},
}

// Decode reads r as format. Ogg containers try Vorbis before Opus.
func Decode(ctx context.Context, r io.ReadSeeker, format string, opt Options) ([]float32, error) {
	decs, ok := decoders[format]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, format)
	}

	var errs []error
	for _, dec := range decs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := r.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}

		samples, rate, ch, err := dec(r)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		return normalize(samples, rate, ch, opt), nil
	}
	return nil, fmt.Errorf("audioconv: decode %s: %w", format, errors.Join(errs...))
}

func sniff(r io.ReadSeeker) (string, error) {
	magic, _ := bufio.NewReader(r).Peek(4)
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	switch {
	case string(magic) == "RIFF":
		return "wav", nil
	case string(magic) == "OggS":
		return "ogg", nil
	case len(magic) >= 3 && string(magic[:3]) == "ID3",
		len(magic) >= 2 && magic[0] == 0xFF && magic[1]&0xE0 == 0xE0:
		return "mp3", nil
	}
	return "", ErrUnsupported
}

func normalize(x []float32, rate, channels int, opt Options) []float32 {
	x = Downmix(x, channels)
	x = Resample(x, rate, TargetRate)
	if opt.MaxSamples > 0 && len(x) > opt.MaxSamples {
		x = x[:opt.MaxSamples]
	}
	return x
}

func decodeWAV(r io.ReadSeeker) ([]float32, int, int, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return nil, 0, 0, errors.New("invalid wav")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, 0, err
	}
	if buf == nil || len(buf.Data) == 0 {
		return nil, 0, 0, errors.New("empty wav")
	}

	depth := int(dec.BitDepth)
	if depth == 0 {
		depth = 16
	}
	rate, ch := int(dec.SampleRate), int(dec.NumChans)
	if buf.Format != nil {
		rate, ch = buf.Format.SampleRate, buf.Format.NumChannels
	}
	return IntsToFloats(buf.Data, depth), rate, ch, nil
}

func decodeMP3(r io.ReadSeeker) ([]float32, int, int, error) {
	dec, err := mp3.NewDecoder(r)
	if err != nil {
		return nil, 0, 0, err
	}
	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, 0, 0, err
	}
	ints := make([]int16, len(raw)/2)
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, ints); err != nil {
		return nil, 0, 0, err
	}
	// go-mp3 always produces interleaved stereo
	return Int16sToFloats(ints), dec.SampleRate(), 2, nil
}

func decodeVorbis(r io.ReadSeeker) ([]float32, int, int, error) {
	pcm, format, err := oggvorbis.ReadAll(r)
	if err != nil {
		return nil, 0, 0, err
	}
	if format == nil || format.Channels <= 0 || format.SampleRate <= 0 {
		return nil, 0, 0, errors.New("invalid ogg/vorbis stream")
	}
	return pcm, format.SampleRate, format.Channels, nil
}

const opusRate = 48000

func decodeOpus(r io.ReadSeeker) ([]float32, int, int, error) {
	dec, err := popus.NewDecoder(r)
	if err != nil {
		return nil, 0, 0, err
	}
	defer dec.Destroy()

	ch := max(dec.ChannelCount(), 1)

	var out []float32
	buf := make([]int16, opusRate/2*ch)
	for {
		n, err := dec.Read(buf)
		if n > 0 {
			out = append(out, Int16sToFloats(buf[:n*ch])...)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, 0, 0, err
		}
	}
	if len(out) == 0 {
		return nil, 0, 0, errors.New("empty opus stream")
	}
	return out, opusRate, ch, nil
}
