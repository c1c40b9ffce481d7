package render

import (
	"strconv"
	"strings"
)

// Default encoder settings.
const (
	DefaultFPS          = 30
	DefaultQuality      = 23
	DefaultBFrames      = 3
	DefaultVideoBitrate = "3000k"
	DefaultAudioCodec   = "aac"
	DefaultAudioBitrate = "128k"
	DefaultSampleRate   = 44100

	softwareCodec = "libx264"
	nvencCodec    = "h264_nvenc"
)

// hardwareFamilies are encoder name fragments that designate a hardware encoder.
var hardwareFamilies = []string{"nvenc", "qsv", "vaapi", "videotoolbox", "amf"}

// IsHardwareCodec reports whether codec names a hardware encoder.
func IsHardwareCodec(codec string) bool {
	c := strings.ToLower(codec)
	for _, f := range hardwareFamilies {
		if strings.Contains(c, f) {
			return true
		}
	}
	return false
}

// CodecParams is the resolved video encoder configuration.
type CodecParams struct {
	Codec    string
	Hardware bool
	Preset   string
	// Quality is the CQ value on NVENC or the CRF value on software encoders.
	Quality     int
	Bitrate     string
	MaxRate     string
	BufSize     string
	Profile     string
	Level       string
	RateControl string
	Surfaces    int
	BFrames     int
	GOP         int
}

func (c CodecParams) nvenc() bool {
	return strings.Contains(strings.ToLower(c.Codec), "nvenc")
}

// Args returns the output-side video encoder options.
func (c CodecParams) Args() []string {
	args := []string{"-c:v", c.Codec}
	if c.Preset != "" {
		args = append(args, "-preset", c.Preset)
	}
	switch {
	case c.Hardware && c.nvenc():
		args = append(args, "-cq", strconv.Itoa(c.Quality))
	case !c.Hardware:
		args = append(args, "-crf", strconv.Itoa(c.Quality))
	}
	if c.Bitrate != "" {
		args = append(args, "-b:v", c.Bitrate)
	}
	if c.MaxRate != "" {
		args = append(args, "-maxrate", c.MaxRate)
	}
	if c.BufSize != "" {
		args = append(args, "-bufsize", c.BufSize)
	}
	args = append(args, "-profile:v", c.Profile, "-level", c.Level)
	if c.RateControl != "" {
		args = append(args, "-rc", c.RateControl)
	}
	if c.Surfaces > 0 {
		args = append(args, "-surfaces", strconv.Itoa(c.Surfaces))
	}
	args = append(args,
		"-bf", strconv.Itoa(c.BFrames),
		"-g", strconv.Itoa(c.GOP),
	)
	return args
}

// codecRequest collects the inputs of codec resolution.
type codecRequest struct {
	// codec is the requested encoder, empty for the default.
	codec string
	// bitrate is the target bitrate on both paths when set.
	bitrate string
	// gpuBitrate replaces bitrate on the hardware path when bitrate is empty.
	gpuBitrate string
	// cpuPreset is the software speed preset.
	cpuPreset string
	// surfaces is only applied to NVENC.
	surfaces int
	useGPU   bool
	fps      int
}

// resolveCodec selects hardware parameters only when GPU encoding is enabled
// and the codec names a hardware encoder. A hardware codec requested on a
// worker without GPU encoding falls back to libx264.
func resolveCodec(req codecRequest) CodecParams {
	codec := req.codec
	if codec == "" {
		codec = softwareCodec
		if req.useGPU {
			codec = nvencCodec
		}
	}

	params := CodecParams{
		Codec:   codec,
		Quality: DefaultQuality,
		Profile: "main",
		Level:   "4.1",
		BFrames: DefaultBFrames,
		GOP:     2 * req.fps,
	}

	if req.useGPU && IsHardwareCodec(codec) {
		params.Hardware = true
		params.Bitrate = req.bitrate
		if params.Bitrate == "" {
			params.Bitrate = req.gpuBitrate
		}
		params.MaxRate = "8M"
		params.BufSize = "10M"
		if params.nvenc() {
			params.Preset = "p5"
			params.RateControl = "vbr"
			params.Surfaces = req.surfaces
		}
		return params
	}

	if IsHardwareCodec(codec) {
		params.Codec = softwareCodec
	}
	params.Preset = req.cpuPreset
	params.Bitrate = req.bitrate
	return params
}
