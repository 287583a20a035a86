// Package encoder compresses recorded PCM16 audio into FLAC for upload.
package encoder

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16
	BlockSize     = 4096
)
