package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	defaultSampleRate = 16000
	pcmChannels       = 1
	pcmBitDepth       = 16
	wavHeaderSize     = 44
)

// Recorder writes the microphone audio of one capture cycle as a WAV take in
// a per-day directory. A finished take is compressed to MP3 when ffmpeg or
// lame is installed; otherwise the WAV is the recording.
type Recorder struct {
	audioDir string
	now      func() time.Time
	compress func(wavPath string) (string, error)

	mu         sync.Mutex
	take       *take
	sampleRate int
}

type take struct {
	path       string
	file       *os.File
	size       int
	sampleRate int
}

func NewRecorder(audioDir string) *Recorder {
	if audioDir == "" {
		audioDir = filepath.Join("data", "audio")
	}
	return &Recorder{
		audioDir:   audioDir,
		now:        time.Now,
		compress:   compressToMP3,
		sampleRate: defaultSampleRate,
	}
}

func (r *Recorder) SetSampleRate(sampleRate int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sampleRate > 0 {
		r.sampleRate = sampleRate
	}
}

// Writer returns a writer that forwards to dst and records whatever dst
// accepted while a take is open.
func (r *Recorder) Writer(dst io.Writer) io.Writer {
	return &teeWriter{recorder: r, dst: dst}
}

func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.take != nil
}

// StartTake opens {audioDir}/{YYYY-MM-DD}/{takeID}.wav, discarding any
// unfinished take.
func (r *Recorder) StartTake(takeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	dayDir := filepath.Join(r.audioDir, r.now().UTC().Format("2006-01-02"))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return fmt.Errorf("create audio directory: %w", err)
	}
	r.dropLocked()

	path := filepath.Join(dayDir, takeID+".wav")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open take: %w", err)
	}
	// Sizes are patched in by FinishTake.
	if _, err := file.Write(wavHeader(0, r.sampleRate, pcmChannels, pcmBitDepth)); err != nil {
		_ = file.Close()
		_ = os.Remove(path)
		return fmt.Errorf("write wav header: %w", err)
	}

	r.take = &take{path: path, file: file, sampleRate: r.sampleRate}
	return nil
}

// FinishTake closes the current take and returns the path of the recording.
// It returns "" when no take is open.
func (r *Recorder) FinishTake() (string, error) {
	r.mu.Lock()
	t := r.take
	r.take = nil
	r.mu.Unlock()

	if t == nil {
		return "", nil
	}

	if _, err := t.file.WriteAt(wavHeader(t.size, t.sampleRate, pcmChannels, pcmBitDepth), 0); err != nil {
		_ = t.file.Close()
		return "", fmt.Errorf("finalize wav header: %w", err)
	}
	if err := t.file.Close(); err != nil {
		return "", fmt.Errorf("close take: %w", err)
	}

	mp3Path, err := r.compress(t.path)
	if err != nil {
		return t.path, nil
	}
	_ = os.Remove(t.path)
	return mp3Path, nil
}

// DiscardTake drops the open take without keeping any file.
func (r *Recorder) DiscardTake() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropLocked()
}

func (r *Recorder) dropLocked() {
	if r.take == nil {
		return
	}
	_ = r.take.file.Close()
	_ = os.Remove(r.take.path)
	r.take = nil
}

func (r *Recorder) writePCM(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.take == nil {
		return nil
	}
	n, err := r.take.file.Write(data)
	r.take.size += n
	if err != nil {
		return fmt.Errorf("write take audio: %w", err)
	}
	return nil
}

var mp3Encoders = []struct {
	name string
	args func(in, out string) []string
}{
	{"ffmpeg", func(in, out string) []string { return []string{"-y", "-loglevel", "error", "-i", in, "-ac", "1", out} }},
	{"lame", func(in, out string) []string { return []string{"--quiet", "-m", "m", in, out} }},
}

func compressToMP3(wavPath string) (string, error) {
	mp3Path := strings.TrimSuffix(wavPath, filepath.Ext(wavPath)) + ".mp3"

	var errs []error
	for _, enc := range mp3Encoders {
		err := exec.Command(enc.name, enc.args(wavPath, mp3Path)...).Run()
		if err == nil {
			return mp3Path, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", enc.name, err))
	}
	_ = os.Remove(mp3Path)
	return "", errors.Join(errs...)
}

func wavHeader(dataSize, sampleRate, channels, bitDepth int) []byte {
	byteRate := sampleRate * channels * bitDepth / 8
	blockAlign := channels * bitDepth / 8

	// Writes to a bytes.Buffer cannot fail.
	buf := bytes.NewBuffer(make([]byte, 0, wavHeaderSize))
	buf.WriteString("RIFF")
	_ = binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(buf, binary.LittleEndian, uint32(16))
	_ = binary.Write(buf, binary.LittleEndian, uint16(1))
	_ = binary.Write(buf, binary.LittleEndian, uint16(channels))
	_ = binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(buf, binary.LittleEndian, uint32(byteRate))
	_ = binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	_ = binary.Write(buf, binary.LittleEndian, uint16(bitDepth))
	buf.WriteString("data")
	_ = binary.Write(buf, binary.LittleEndian, uint32(dataSize))

	return buf.Bytes()
}

type teeWriter struct {
	recorder *Recorder
	dst      io.Writer
}

func (w *teeWriter) Write(p []byte) (int, error) {
	n, err := w.dst.Write(p)
	if err != nil {
		return n, err
	}
	if err := w.recorder.writePCM(p[:n]); err != nil {
		return n, err
	}
	return n, nil
}
