package audio

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

// WAVWriter streams int16 PCM samples to a byte-exact RIFF/WAVE file,
// writing a 44-byte placeholder header up front and patching it with the
// real data size on Close. Used for the optional diagnostic dumps in §6.5
// (raw mic audio at capture rate, and the 16 kHz stream actually fed to
// the ASR backend).
type WAVWriter struct {
	mu            sync.Mutex
	file          *os.File
	sampleRate    int
	channels      int
	bitsPerSample int
	samples       int64
}

// NewWAVWriter creates path and writes the placeholder header.
func NewWAVWriter(path string, sampleRate, channels int) (*WAVWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("audio: create wav file: %w", err)
	}
	w := &WAVWriter{
		file:          f,
		sampleRate:    sampleRate,
		channels:      channels,
		bitsPerSample: 16,
	}
	if err := w.writeHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAVWriter) writeHeader() error {
	if _, err := w.file.Seek(0, 0); err != nil {
		return err
	}
	byteRate := w.sampleRate * w.channels * w.bitsPerSample / 8
	blockAlign := w.channels * w.bitsPerSample / 8
	dataSize := uint32(w.samples * int64(w.bitsPerSample/8))

	w.file.WriteString("RIFF")
	binary.Write(w.file, binary.LittleEndian, uint32(36+dataSize))
	w.file.WriteString("WAVE")

	w.file.WriteString("fmt ")
	binary.Write(w.file, binary.LittleEndian, uint32(16))
	binary.Write(w.file, binary.LittleEndian, uint16(1))
	binary.Write(w.file, binary.LittleEndian, uint16(w.channels))
	binary.Write(w.file, binary.LittleEndian, uint32(w.sampleRate))
	binary.Write(w.file, binary.LittleEndian, uint32(byteRate))
	binary.Write(w.file, binary.LittleEndian, uint16(blockAlign))
	binary.Write(w.file, binary.LittleEndian, uint16(w.bitsPerSample))

	w.file.WriteString("data")
	return binary.Write(w.file, binary.LittleEndian, dataSize)
}

// Write appends int16 samples, advancing past the header on first call.
func (w *WAVWriter) Write(samples []int16) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, 2); err != nil {
		return err
	}
	if err := binary.Write(w.file, binary.LittleEndian, samples); err != nil {
		return err
	}
	w.samples += int64(len(samples))
	return nil
}

// Close patches the header with the final data size and closes the file.
func (w *WAVWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writeHeader(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
