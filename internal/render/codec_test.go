package render

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/renderqueue/internal/job"
)

func TestIsHardwareCodec(t *testing.T) {
	for _, c := range []string{"h264_nvenc", "hevc_NVENC", "h264_qsv", "h264_vaapi", "h264_videotoolbox", "h264_amf"} {
		assert.True(t, IsHardwareCodec(c), c)
	}
	for _, c := range []string{"libx264", "libx265", "mpeg4", ""} {
		assert.False(t, IsHardwareCodec(c), c)
	}
}

func TestResolveCodec(t *testing.T) {
	tests := []struct {
		name string
		req  codecRequest
		want string
	}{
		{
			name: "software default",
			req:  codecRequest{cpuPreset: "veryfast", fps: 30},
			want: "-c:v libx264 -preset veryfast -crf 23 -profile:v main -level 4.1 -bf 3 -g 60",
		},
		{
			name: "nvenc with surfaces",
			req:  codecRequest{gpuBitrate: "5M", surfaces: 64, useGPU: true, fps: 25},
			want: "-c:v h264_nvenc -preset p5 -cq 23 -b:v 5M -maxrate 8M -bufsize 10M -profile:v main -level 4.1 -rc vbr -surfaces 64 -bf 3 -g 50",
		},
		{
			name: "requested bitrate wins on gpu",
			req:  codecRequest{codec: "h264_nvenc", bitrate: "3000k", gpuBitrate: "5M", useGPU: true, fps: 30},
			want: "-c:v h264_nvenc -preset p5 -cq 23 -b:v 3000k -maxrate 8M -bufsize 10M -profile:v main -level 4.1 -rc vbr -bf 3 -g 60",
		},
		{
			name: "hardware codec without gpu falls back",
			req:  codecRequest{codec: "h264_nvenc", bitrate: "3000k", cpuPreset: "medium", fps: 30},
			want: "-c:v libx264 -preset medium -crf 23 -b:v 3000k -profile:v main -level 4.1 -bf 3 -g 60",
		},
		{
			name: "software codec on gpu worker",
			req:  codecRequest{codec: "libx265", cpuPreset: "medium", useGPU: true, fps: 30},
			want: "-c:v libx265 -preset medium -crf 23 -profile:v main -level 4.1 -bf 3 -g 60",
		},
		{
			name: "non nvenc hardware encoder",
			req:  codecRequest{codec: "h264_qsv", bitrate: "4M", useGPU: true, fps: 30},
			want: "-c:v h264_qsv -b:v 4M -maxrate 8M -bufsize 10M -profile:v main -level 4.1 -bf 3 -g 60",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveCodec(tt.req)
			assert.Equal(t, tt.want, strings.Join(got.Args(), " "))
		})
	}
}

func TestBuild_GPUParameterSets(t *testing.T) {
	s := newTestSynthesizer(true)

	t.Run("simple images use surfaces", func(t *testing.T) {
		plan, err := s.Build(job.NewSimple(job.SimpleSpec{
			Clips: []job.ClipRef{{Path: "a.jpg"}},
			GPU:   true,
		}), "g")
		require.NoError(t, err)
		assert.True(t, plan.Codec.Hardware)
		assert.Equal(t, 64, plan.Codec.Surfaces)
		assert.Equal(t, "5M", plan.Codec.Bitrate)
	})

	t.Run("simple videos skip surfaces", func(t *testing.T) {
		plan, err := s.Build(job.NewSimple(job.SimpleSpec{
			Clips: []job.ClipRef{{Path: "a.mov"}},
		}), "g")
		require.NoError(t, err)
		assert.True(t, plan.Codec.Hardware)
		assert.Zero(t, plan.Codec.Surfaces)
	})

	t.Run("layered uses video bitrate", func(t *testing.T) {
		plan, err := s.Build(job.NewLayered(job.LayeredSpec{
			Clips:        []job.LayeredClip{layeredClip(1, "a.png", "", nil)},
			VideoBitrate: "6M",
		}), "g")
		require.NoError(t, err)
		assert.Equal(t, "h264_nvenc", plan.Codec.Codec)
		assert.Equal(t, "6M", plan.Codec.Bitrate)
		assert.Equal(t, "p5", plan.Codec.Preset)
	})
}
