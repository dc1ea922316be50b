package audio

// PCM conversion helpers for boundary layers that speak int16 PCM at foreign
// sample rates (the telephony leg runs 48 kHz int16 Opus frames; the model
// runs 24 kHz float32). Conversion order when both are needed: resample first,
// then convert sample format — resampling int16 avoids a float round-trip on
// the longer buffer.

// Int16ToFloat32 converts little-endian int16 PCM bytes to float32 samples in
// the range [-1, 1).
func Int16ToFloat32(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		s := int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
		out[i] = float32(s) / 32768
	}
	return out
}

// Float32ToInt16 converts float32 samples to little-endian int16 PCM bytes,
// clamping out-of-range samples to the int16 range.
func Float32ToInt16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, v := range samples {
		scaled := v * 32767
		if scaled > 32767 {
			scaled = 32767
		} else if scaled < -32768 {
			scaled = -32768
		}
		s := int16(scaled)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// ResampleFloat32 resamples mono float32 PCM from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate (or either rate is invalid) the
// input is returned unchanged.
func ResampleFloat32(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return samples
	}
	if srcRate == dstRate || len(samples) < 2 {
		return samples
	}
	dstLen := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstLen == 0 {
		return nil
	}

	out := make([]float32, dstLen)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range out {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0 + float32(frac)*(s1-s0)
	}
	return out
}

// StereoToMonoFloat32 averages interleaved L/R float32 samples into mono.
func StereoToMonoFloat32(samples []float32) []float32 {
	out := make([]float32, len(samples)/2)
	for i := range out {
		out[i] = (samples[i*2] + samples[i*2+1]) / 2
	}
	return out
}

// MonoToStereoFloat32 duplicates each mono sample into an interleaved L/R pair.
func MonoToStereoFloat32(samples []float32) []float32 {
	out := make([]float32, len(samples)*2)
	for i, v := range samples {
		out[i*2] = v
		out[i*2+1] = v
	}
	return out
}
