package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/gordonklaus/portaudio"
)

type outputStream interface {
	Start() error
	Write() error
	Stop() error
	Close() error
}

// Speaker plays mono PCM16-LE audio on the default output device.
type Speaker struct {
	framesPerBuffer int
	open            func(sampleRate, frames int, buf []int16) (outputStream, error)
}

func NewSpeaker() *Speaker {
	return &Speaker{
		framesPerBuffer: DefaultFramesPerBuffer,
		open: func(sampleRate, frames int, buf []int16) (outputStream, error) {
			stream, err := portaudio.OpenDefaultStream(0, 1, float64(sampleRate), frames, buf)
			if err != nil {
				return nil, err
			}
			return stream, nil
		},
	}
}

// Play blocks until pcm is exhausted or ctx is cancelled.
func (s *Speaker) Play(ctx context.Context, pcm io.Reader, sampleRate int) error {
	buf := make([]int16, s.framesPerBuffer)
	stream, err := s.open(sampleRate, s.framesPerBuffer, buf)
	if err != nil {
		return fmt.Errorf("open output stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return fmt.Errorf("start output stream: %w", err)
	}
	defer stream.Stop()

	raw := make([]byte, len(buf)*2)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		n, readErr := io.ReadFull(pcm, raw)
		if n == 0 {
			if readErr == nil || errors.Is(readErr, io.EOF) {
				return nil
			}
			return fmt.Errorf("read pcm: %w", readErr)
		}
		for i := range buf {
			if 2*i+1 < n {
				buf[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
			} else {
				buf[i] = 0
			}
		}
		if err := stream.Write(); err != nil {
			return fmt.Errorf("write output stream: %w", err)
		}

		switch {
		case readErr == nil:
		case errors.Is(readErr, io.ErrUnexpectedEOF), errors.Is(readErr, io.EOF):
			return nil
		default:
			return fmt.Errorf("read pcm: %w", readErr)
		}
	}
}
