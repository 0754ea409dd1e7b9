package audio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
)

// ReadWAVFile reads a PCM16 RIFF/WAVE file in full and returns its
// interleaved int16 samples alongside the format declared in its fmt
// chunk. Only uncompressed PCM is supported.
func ReadWAVFile(path string) (samples []int16, sampleRate, channels int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("audio: open wav: %w", err)
	}
	defer f.Close()

	var riffHeader [12]byte
	if _, err := io.ReadFull(f, riffHeader[:]); err != nil {
		return nil, 0, 0, fmt.Errorf("audio: read riff header: %w", err)
	}
	if string(riffHeader[0:4]) != "RIFF" || string(riffHeader[8:12]) != "WAVE" {
		return nil, 0, 0, fmt.Errorf("audio: not a RIFF/WAVE file")
	}

	var bitsPerSample uint16
	for {
		var chunkID [4]byte
		var chunkSize uint32
		if _, err := io.ReadFull(f, chunkID[:]); err != nil {
			break
		}
		if err := binary.Read(f, binary.LittleEndian, &chunkSize); err != nil {
			break
		}

		switch string(chunkID[:]) {
		case "fmt ":
			var audioFormat, numChannels uint16
			var rate uint32
			var byteRate uint32
			var blockAlign uint16
			binary.Read(f, binary.LittleEndian, &audioFormat)
			binary.Read(f, binary.LittleEndian, &numChannels)
			binary.Read(f, binary.LittleEndian, &rate)
			binary.Read(f, binary.LittleEndian, &byteRate)
			binary.Read(f, binary.LittleEndian, &blockAlign)
			binary.Read(f, binary.LittleEndian, &bitsPerSample)
			channels = int(numChannels)
			sampleRate = int(rate)
			if chunkSize > 16 {
				f.Seek(int64(chunkSize-16), 1)
			}
		case "data":
			if bitsPerSample != 16 {
				return nil, 0, 0, fmt.Errorf("audio: unsupported bits per sample: %d", bitsPerSample)
			}
			raw := make([]byte, chunkSize)
			if _, err := io.ReadFull(f, raw); err != nil {
				return nil, 0, 0, fmt.Errorf("audio: read data chunk: %w", err)
			}
			samples = bytesToInt16(raw)
		default:
			f.Seek(int64(chunkSize), 1)
		}

		if chunkSize%2 == 1 {
			f.Seek(1, 1)
		}
	}

	if samples == nil || sampleRate == 0 {
		return nil, 0, 0, fmt.Errorf("audio: wav file missing fmt/data chunks")
	}
	return samples, sampleRate, channels, nil
}
