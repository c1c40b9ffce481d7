package render

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/renderqueue/internal/job"
)

func allExist(string) bool { return true }

func newTestSynthesizer(useGPU bool) *Synthesizer {
	return NewSynthesizer(Options{
		UploadsDir: "/uploads",
		OutputsDir: "/outputs",
		UseGPU:     useGPU,
	}, WithFileExists(allExist))
}

func volume(v float64) *float64 { return &v }

func layeredClip(d float64, image, audio string, vol *float64) job.LayeredClip {
	layers := []job.Layer{{Kind: job.LayerImage, Path: image}}
	if audio != "" {
		layers = append(layers, job.Layer{Kind: job.LayerAudio, Path: audio, Volume: vol})
	}
	return job.LayeredClip{Duration: d, Layers: layers}
}

// argValue returns the value following flag in args.
func argValue(args []string, flag string) (string, bool) {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1], true
		}
	}
	return "", false
}

func TestBuild_SimpleImages_ScenarioA(t *testing.T) {
	s := newTestSynthesizer(false)
	spec := job.NewSimple(job.SimpleSpec{
		Clips:  []job.ClipRef{{Path: "a.jpg", Duration: 3}, {Path: "b.jpg", Duration: 2}},
		Width:  640,
		Height: 480,
		FPS:    24,
	})

	plan, err := s.Build(spec, "job-1")
	require.NoError(t, err)

	assert.Equal(t, FormatImages, plan.Format)
	require.NotNil(t, plan.ConcatList)
	assert.Equal(t,
		"file '/uploads/a.jpg'\nduration 3\nfile '/uploads/b.jpg'\nduration 2\nfile '/uploads/b.jpg'\n",
		plan.ConcatList.Render())
	assert.Equal(t, 5.0, plan.DeclaredDuration)
	assert.Equal(t, "/outputs/video_job-1.mp4", plan.OutputPath)

	args := plan.Args("/tmp/concat.txt")
	vf, ok := argValue(args, "-vf")
	require.True(t, ok)
	assert.Equal(t, "scale=640:480:force_original_aspect_ratio=decrease,pad=640:480:(ow-iw)/2:(oh-ih)/2", vf)

	r, _ := argValue(args, "-r")
	assert.Equal(t, "24", r)
	g, _ := argValue(args, "-g")
	assert.Equal(t, "48", g)

	assert.Equal(t, []string{"-nostdin", "-f", "concat", "-safe", "0", "-i", "/tmp/concat.txt"}, args[:7])
	assert.Contains(t, args, "-an")
	assert.Equal(t, []string{"-y", "/outputs/video_job-1.mp4"}, args[len(args)-2:])
}

func TestBuild_SimpleImages_AudioAndDefaults(t *testing.T) {
	s := newTestSynthesizer(false)
	spec := job.NewSimple(job.SimpleSpec{
		Clips:     []job.ClipRef{{Path: "/uploads/a.jpg"}},
		AudioPath: "uploads/song.mp3",
	})

	plan, err := s.Build(spec, "x")
	require.NoError(t, err)

	assert.Equal(t, DefaultSimpleWidth, plan.Width)
	assert.Equal(t, DefaultSimpleHeight, plan.Height)
	assert.Equal(t, DefaultFPS, plan.FPS)
	assert.Equal(t, job.DefaultClipDuration, plan.DeclaredDuration)

	args := plan.Args("/tmp/list")
	assert.Contains(t, strings.Join(args, " "), "-i /tmp/list -i /uploads/song.mp3")
	assert.Contains(t, strings.Join(args, " "), "-c:a aac -b:a 128k -ar 44100 -shortest")
	assert.NotContains(t, args, "-an")
}

func TestBuild_SimpleVideos(t *testing.T) {
	s := newTestSynthesizer(false)
	spec := job.NewSimple(job.SimpleSpec{
		Clips:     []job.ClipRef{{Path: "a.mp4", Duration: 4}, {Path: "b.jpg", Duration: 2}},
		AudioPath: "song.mp3",
		Width:     640,
		Height:    360,
	})

	plan, err := s.Build(spec, "v")
	require.NoError(t, err)

	assert.Equal(t, FormatVideos, plan.Format)
	assert.Nil(t, plan.ConcatList)
	assert.Empty(t, plan.VideoFilter)
	assert.Equal(t,
		"[0:v]trim=0:4,setpts=PTS-STARTPTS,scale=640:360:force_original_aspect_ratio=decrease,pad=640:360:(ow-iw)/2:(oh-ih)/2[v0];"+
			"[1:v]trim=0:2,setpts=PTS-STARTPTS,scale=640:360:force_original_aspect_ratio=decrease,pad=640:360:(ow-iw)/2:(oh-ih)/2[v1];"+
			"[v0][v1]concat=n=2:v=1:a=0[outv]",
		plan.FilterGraph)
	assert.Equal(t, []string{"[outv]", "2:a"}, plan.Maps)

	joined := strings.Join(plan.Args(""), " ")
	assert.Contains(t, joined, "-i /uploads/a.mp4 -loop 1 -t 2 -i /uploads/b.jpg -i /uploads/song.mp3")
	assert.NotContains(t, joined, "-f concat")
	assert.Contains(t, joined, "-shortest")
}

func TestBuild_ConcatListDuplicatesLastEntry(t *testing.T) {
	s := newTestSynthesizer(false)

	for n := 1; n <= 4; n++ {
		clips := make([]job.ClipRef, n)
		layered := make([]job.LayeredClip, n)
		for i := range clips {
			clips[i] = job.ClipRef{Path: string(rune('a'+i)) + ".png", Duration: float64(i + 1)}
			layered[i] = layeredClip(float64(i+1), string(rune('a'+i))+".png", "", nil)
		}

		for _, spec := range []job.Spec{
			job.NewSimple(job.SimpleSpec{Clips: clips}),
			job.NewLayered(job.LayeredSpec{Clips: layered}),
		} {
			plan, err := s.Build(spec, "dup")
			require.NoError(t, err)

			lines := strings.Split(strings.TrimSuffix(plan.ConcatList.Render(), "\n"), "\n")
			require.Len(t, lines, 2*n+1)
			last := lines[len(lines)-1]
			assert.Equal(t, lines[len(lines)-3], last, "last file must be repeated")
			assert.True(t, strings.HasPrefix(lines[len(lines)-2], "duration "))
		}
	}
}

func TestBuild_LayeredAudioMixing(t *testing.T) {
	s := newTestSynthesizer(false)

	t.Run("zero segments", func(t *testing.T) {
		plan, err := s.Build(job.NewLayered(job.LayeredSpec{Clips: []job.LayeredClip{
			layeredClip(2, "a.png", "", nil),
		}}), "a0")
		require.NoError(t, err)

		assert.Empty(t, plan.FilterGraph)
		assert.Empty(t, plan.Maps)
		assert.Nil(t, plan.Audio)
		assert.Contains(t, plan.Args("/tmp/l"), "-an")
	})

	t.Run("one segment at unit volume", func(t *testing.T) {
		plan, err := s.Build(job.NewLayered(job.LayeredSpec{Clips: []job.LayeredClip{
			layeredClip(2, "a.png", "a.mp3", volume(1)),
		}}), "a1")
		require.NoError(t, err)

		assert.Equal(t, "[1:a]acopy[aout]", plan.FilterGraph)
		assert.Equal(t, []string{"0:v", "[aout]"}, plan.Maps)
		require.NotNil(t, plan.Audio)
	})

	t.Run("one segment with volume", func(t *testing.T) {
		plan, err := s.Build(job.NewLayered(job.LayeredSpec{Clips: []job.LayeredClip{
			layeredClip(2, "a.png", "a.mp3", volume(0.5)),
		}}), "a1v")
		require.NoError(t, err)

		assert.Equal(t, "[1:a]volume=0.5[aout]", plan.FilterGraph)
	})

	t.Run("two segments", func(t *testing.T) {
		plan, err := s.Build(job.NewLayered(job.LayeredSpec{Clips: []job.LayeredClip{
			layeredClip(2, "a.png", "a.mp3", nil),
			layeredClip(3, "b.png", "b.mp3", volume(0.8)),
		}}), "a2")
		require.NoError(t, err)

		assert.Equal(t, "[1:a]acopy[a0];[2:a]volume=0.8[a1];[a0][a1]concat=n=2:v=0:a=1[aout]", plan.FilterGraph)
		require.Len(t, plan.AudioSegments, 2)
		assert.Equal(t, 0.0, plan.AudioSegments[0].Start)
		assert.Equal(t, 2.0, plan.AudioSegments[1].Start)

		joined := strings.Join(plan.Args("/tmp/l"), " ")
		assert.Contains(t, joined, "-i /tmp/l -i /uploads/a.mp3 -i /uploads/b.mp3")
		assert.Contains(t, joined, "-map 0:v -map [aout]")
		assert.Contains(t, joined, "-c:a aac -b:a 128k -ar 44100")
	})
}

func TestBuild_LayeredDefaultsAndOverrides(t *testing.T) {
	s := newTestSynthesizer(false)
	spec := job.NewLayered(job.LayeredSpec{
		Clips:            []job.LayeredClip{layeredClip(0, "a.png", "", nil)},
		OutputFilename:   "final.mp4",
		CustomOutputArgs: []string{"-metadata", "title=demo"},
		AudioBitrate:     "192k",
	})

	plan, err := s.Build(spec, "l")
	require.NoError(t, err)

	assert.Equal(t, DefaultLayeredWidth, plan.Width)
	assert.Equal(t, DefaultLayeredHeight, plan.Height)
	assert.Equal(t, "/outputs/final.mp4", plan.OutputPath)
	assert.Equal(t, "final.mp4", plan.OutputFile)
	assert.Equal(t, "cover", plan.VideoSegments[0].ResizeMode)

	args := plan.Args("/tmp/l")
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-c:v libx264 -preset medium -crf 23 -b:v 3000k")
	assert.Contains(t, joined, "-movflags +faststart -metadata title=demo -y /outputs/final.mp4")
}

func TestBuild_MissingVisualLayer(t *testing.T) {
	s := newTestSynthesizer(false)
	spec := job.NewLayered(job.LayeredSpec{Clips: []job.LayeredClip{
		layeredClip(2, "a.png", "", nil),
		{Duration: 2, Layers: []job.Layer{{Kind: job.LayerAudio, Path: "x.mp3"}, {Kind: job.LayerUnknown, Path: "t"}}},
	}})

	_, err := s.Build(spec, "m")
	require.Error(t, err)
	assert.ErrorIs(t, err, job.ErrMissingVisualLayer)
	assert.ErrorIs(t, err, job.ErrValidation)
}

func TestBuild_MediaNotFound(t *testing.T) {
	s := NewSynthesizer(Options{UploadsDir: "/uploads"}, WithFileExists(func(p string) bool {
		return p != "/uploads/missing.jpg"
	}))

	_, err := s.Build(job.NewSimple(job.SimpleSpec{
		Clips: []job.ClipRef{{Path: "a.jpg"}, {Path: "missing.jpg"}},
	}), "nf")

	var notFound *job.MediaNotFoundError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "/uploads/missing.jpg", notFound.Path)
	assert.True(t, job.IsRetryable(err))
}

func TestBuild_ValidationErrors(t *testing.T) {
	s := newTestSynthesizer(false)

	tests := []struct {
		name string
		spec job.Spec
	}{
		{"empty simple clips", job.NewSimple(job.SimpleSpec{})},
		{"empty layered clips", job.NewLayered(job.LayeredSpec{})},
		{"path escape", job.NewSimple(job.SimpleSpec{Clips: []job.ClipRef{{Path: "../etc/passwd"}}})},
		{"nested output name", job.NewSimple(job.SimpleSpec{
			Clips:          []job.ClipRef{{Path: "a.jpg"}},
			OutputFilename: "../x.mp4",
		})},
		{"unknown kind", job.Spec{Kind: "other"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.Build(tt.spec, "v")
			assert.ErrorIs(t, err, job.ErrValidation)
			assert.False(t, job.IsRetryable(err))
		})
	}
}

func TestResolver(t *testing.T) {
	r := resolver{root: "/uploads", exists: allExist}

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"a.jpg", "/uploads/a.jpg", false},
		{"/uploads/a.jpg", "/uploads/a.jpg", false},
		{"uploads/sub/a.jpg", "/uploads/sub/a.jpg", false},
		{"/other/a.jpg", "/uploads/other/a.jpg", false},
		{"../a.jpg", "", true},
		{"uploads/../../a.jpg", "", true},
		{"", "", true},
		{"/uploads", "", true},
	}
	for _, tt := range tests {
		got, err := r.resolve("path", tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestConcatList_QuotesPaths(t *testing.T) {
	list := &ConcatList{Entries: []ConcatEntry{{Path: "/uploads/it's.jpg", Duration: 1.5}}}

	assert.Equal(t, "file '/uploads/it'\\''s.jpg'\nduration 1.5\nfile '/uploads/it'\\''s.jpg'\n", list.Render())
	assert.Equal(t, 1.5, list.TotalDuration())
}
