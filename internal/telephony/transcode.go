package telephony

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/xswarm-ai/xswarm/pkg/audio"
)

// Telephony gateways speak 48 kHz mono Opus at 20 ms packet size.
const (
	opusSampleRate  = 48000
	opusChannels    = 1
	opusFrameSizeMs = 20
	// opusFrameSize is the number of samples per 20 ms packet.
	opusFrameSize = opusSampleRate * opusFrameSizeMs / 1000 // 960

	// packetsPerFrame is how many 20 ms Opus packets cover one 80 ms model
	// frame.
	packetsPerFrame = audio.FrameSamples * opusSampleRate / audio.SampleRate / opusFrameSize // 4

	// maxPacketBytes bounds the encoded size of one Opus packet.
	maxPacketBytes = opusFrameSize * 2
)

// transcoder converts between the gateway's Opus packets and the model's
// 24 kHz float32 samples. Encoder and decoder state is per call; a transcoder
// must not be shared between calls.
//
// Not safe for concurrent use — the bridge serialises access per direction.
type transcoder struct {
	dec *gopus.Decoder
	enc *gopus.Encoder
}

func newTranscoder() (*transcoder, error) {
	dec, err := gopus.NewDecoder(opusSampleRate, opusChannels)
	if err != nil {
		return nil, fmt.Errorf("telephony: create opus decoder: %w", err)
	}
	enc, err := gopus.NewEncoder(opusSampleRate, opusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("telephony: create opus encoder: %w", err)
	}
	return &transcoder{dec: dec, enc: enc}, nil
}

// decodePacket decodes one inbound Opus packet to 24 kHz float32 samples
// (480 samples per 20 ms packet).
func (t *transcoder) decodePacket(packet []byte) ([]float32, error) {
	pcm, err := t.dec.Decode(packet, opusFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("telephony: opus decode: %w", err)
	}
	samples := audio.Int16ToFloat32(int16sToBytes(pcm))
	return audio.ResampleFloat32(samples, opusSampleRate, audio.SampleRate), nil
}

// encodeFrame encodes one 80 ms model frame into four 20 ms Opus packets.
func (t *transcoder) encodeFrame(frame audio.Frame) ([][]byte, error) {
	upsampled := audio.ResampleFloat32(frame, audio.SampleRate, opusSampleRate)
	pcm := bytesToInt16s(audio.Float32ToInt16(upsampled))

	packets := make([][]byte, 0, packetsPerFrame)
	for off := 0; off+opusFrameSize <= len(pcm); off += opusFrameSize {
		packet, err := t.enc.Encode(pcm[off:off+opusFrameSize], opusFrameSize, maxPacketBytes)
		if err != nil {
			return nil, fmt.Errorf("telephony: opus encode: %w", err)
		}
		packets = append(packets, packet)
	}
	return packets, nil
}

// int16sToBytes converts int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// frameAssembler accumulates 24 kHz samples and cuts them into fixed-size
// model frames.
type frameAssembler struct {
	buf []float32
}

// push appends samples and returns every complete frame now available.
func (a *frameAssembler) push(samples []float32) []audio.Frame {
	a.buf = append(a.buf, samples...)

	var frames []audio.Frame
	for len(a.buf) >= audio.FrameSamples {
		frame := make(audio.Frame, audio.FrameSamples)
		copy(frame, a.buf[:audio.FrameSamples])
		a.buf = a.buf[audio.FrameSamples:]
		frames = append(frames, frame)
	}
	return frames
}
