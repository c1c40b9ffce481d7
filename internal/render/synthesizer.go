package render

import (
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/maauso/renderqueue/internal/job"
)

// Default output dimensions per spec format.
const (
	DefaultSimpleWidth   = 1080
	DefaultSimpleHeight  = 1920
	DefaultLayeredWidth  = 1024
	DefaultLayeredHeight = 1536

	simpleGPUBitrate = "5M"
	nvencSurfaces    = 64
	defaultResize    = "cover"
)

// videoExtensions mark simple clips that are decoded as video rather than
// looped as still images.
var videoExtensions = []string{".mp4", ".avi", ".mov", ".mkv", ".webm"}

// IsVideoPath reports whether p has a video container extension.
func IsVideoPath(p string) bool {
	return slices.Contains(videoExtensions, strings.ToLower(filepath.Ext(p)))
}

// Options configures a Synthesizer.
type Options struct {
	// UploadsDir is the root all media paths resolve against.
	UploadsDir string
	// OutputsDir receives rendered files.
	OutputsDir string
	// UseGPU enables hardware encoders on this worker.
	UseGPU bool
}

// Synthesizer builds invocation plans from job specs.
type Synthesizer struct {
	opts     Options
	resolver resolver
}

// Option configures optional Synthesizer behavior.
type Option func(*Synthesizer)

// WithFileExists replaces the media existence check.
func WithFileExists(fn func(path string) bool) Option {
	return func(s *Synthesizer) {
		s.resolver.exists = fn
	}
}

// NewSynthesizer creates a Synthesizer.
// Empty directories default to /uploads and /outputs.
func NewSynthesizer(opts Options, options ...Option) *Synthesizer {
	if opts.UploadsDir == "" {
		opts.UploadsDir = "/uploads"
	}
	if opts.OutputsDir == "" {
		opts.OutputsDir = "/outputs"
	}
	opts.UploadsDir = filepath.Clean(opts.UploadsDir)

	s := &Synthesizer{
		opts: opts,
		resolver: resolver{
			root:   opts.UploadsDir,
			exists: fileExists,
		},
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// UseGPU reports whether hardware encoding is enabled.
func (s *Synthesizer) UseGPU() bool {
	return s.opts.UseGPU
}

// Build resolves spec into a Plan. jobID names the default output file.
func (s *Synthesizer) Build(spec job.Spec, jobID string) (*Plan, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	switch spec.Kind {
	case job.KindSimple:
		return s.buildSimple(spec.Simple, jobID)
	case job.KindLayered:
		return s.buildLayered(spec.Layered, jobID)
	default:
		return nil, &job.ValidationError{Field: "kind", Reason: "unknown spec kind " + string(spec.Kind)}
	}
}

// output resolves the output file name. Client names must be bare file names.
func (s *Synthesizer) output(name, jobID string) (file, path string, err error) {
	if name == "" {
		name = "video_" + jobID + ".mp4"
	} else if name != filepath.Base(name) || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", "", &job.ValidationError{Field: "outputFilename", Reason: "must be a plain file name"}
	}
	return name, filepath.Join(s.opts.OutputsDir, name), nil
}

func (s *Synthesizer) buildSimple(spec *job.SimpleSpec, jobID string) (*Plan, error) {
	width := orDefault(spec.Width, DefaultSimpleWidth)
	height := orDefault(spec.Height, DefaultSimpleHeight)
	fps := orDefault(spec.FPS, DefaultFPS)

	file, outPath, err := s.output(spec.OutputFilename, jobID)
	if err != nil {
		return nil, err
	}

	segments := make([]Segment, 0, len(spec.Clips))
	var (
		offset   float64
		hasVideo bool
	)
	for i, clip := range spec.Clips {
		full, err := s.resolver.resolveExisting(fmt.Sprintf("clips[%d].path", i), clip.Path)
		if err != nil {
			return nil, err
		}
		d := job.ClipDuration(clip.Duration)
		segments = append(segments, Segment{Path: full, Start: offset, Duration: d, Volume: 1})
		offset += d
		if IsVideoPath(full) {
			hasVideo = true
		}
	}

	var audioPath string
	if spec.AudioPath != "" {
		audioPath, err = s.resolver.resolveExisting("audioPath", spec.AudioPath)
		if err != nil {
			return nil, err
		}
	}

	plan := &Plan{
		JobID:            jobID,
		FPS:              fps,
		Width:            width,
		Height:           height,
		OutputPath:       outPath,
		OutputFile:       file,
		DeclaredDuration: offset,
		UseGPU:           s.opts.UseGPU,
		VideoSegments:    segments,
	}

	req := codecRequest{
		gpuBitrate: simpleGPUBitrate,
		cpuPreset:  "veryfast",
		useGPU:     s.opts.UseGPU,
		fps:        fps,
	}

	if hasVideo {
		plan.Format = FormatVideos
		plan.FilterGraph = videoConcatGraph(segments, width, height)
		plan.Maps = []string{"[outv]"}
		for _, seg := range segments {
			in := Input{Path: seg.Path}
			if !IsVideoPath(seg.Path) {
				in.Options = []string{"-loop", "1", "-t", formatSeconds(seg.Duration)}
			}
			plan.Inputs = append(plan.Inputs, in)
		}
		if audioPath != "" {
			plan.Inputs = append(plan.Inputs, Input{Path: audioPath})
			plan.Maps = append(plan.Maps, strconv.Itoa(len(segments))+":a")
		}
	} else {
		plan.Format = FormatImages
		plan.ConcatList = concatList(segments)
		plan.VideoFilter = scalePad(width, height)
		req.surfaces = nvencSurfaces
		if audioPath != "" {
			plan.Inputs = append(plan.Inputs, Input{Path: audioPath})
		}
	}

	if audioPath != "" {
		plan.Audio = &AudioParams{
			Codec:      DefaultAudioCodec,
			Bitrate:    DefaultAudioBitrate,
			SampleRate: DefaultSampleRate,
			Shortest:   true,
		}
		plan.AudioSegments = []Segment{{Path: audioPath, Duration: offset, Volume: 1}}
	}

	plan.Codec = resolveCodec(req)
	return plan, nil
}

func (s *Synthesizer) buildLayered(spec *job.LayeredSpec, jobID string) (*Plan, error) {
	width := orDefault(spec.Width, DefaultLayeredWidth)
	height := orDefault(spec.Height, DefaultLayeredHeight)
	fps := orDefault(spec.FPS, DefaultFPS)

	file, outPath, err := s.output(spec.OutputFilename, jobID)
	if err != nil {
		return nil, err
	}

	var (
		video         []Segment
		audio         []Segment
		totalDuration float64
	)
	for i, clip := range spec.Clips {
		image, ok := firstLayer(clip.Layers, job.LayerImage)
		if !ok {
			return nil, fmt.Errorf("clips[%d]: %w", i, job.ErrMissingVisualLayer)
		}

		d := clip.Duration
		if d <= 0 {
			d = image.Duration
		}
		d = job.ClipDuration(d)

		imagePath, err := s.resolver.resolveExisting(fmt.Sprintf("clips[%d].layers.image", i), image.Path)
		if err != nil {
			return nil, err
		}
		resize := image.ResizeMode
		if resize == "" {
			resize = defaultResize
		}
		video = append(video, Segment{Path: imagePath, Start: totalDuration, Duration: d, Volume: 1, ResizeMode: resize})

		if layer, ok := firstLayer(clip.Layers, job.LayerAudio); ok {
			audioPath, err := s.resolver.resolveExisting(fmt.Sprintf("clips[%d].layers.audio", i), layer.Path)
			if err != nil {
				return nil, err
			}
			volume := 1.0
			if layer.Volume != nil {
				volume = *layer.Volume
			}
			audio = append(audio, Segment{Path: audioPath, Start: totalDuration, Duration: d, Volume: volume})
		}

		totalDuration += d
	}

	useGPU := s.opts.UseGPU
	plan := &Plan{
		JobID:            jobID,
		Format:           FormatLayered,
		ConcatList:       concatList(video),
		VideoFilter:      scalePad(width, height),
		FPS:              fps,
		Width:            width,
		Height:           height,
		ExtraArgs:        slices.Clone(spec.CustomOutputArgs),
		OutputPath:       outPath,
		OutputFile:       file,
		DeclaredDuration: totalDuration,
		UseGPU:           useGPU,
		VideoSegments:    video,
		AudioSegments:    audio,
		Codec: resolveCodec(codecRequest{
			codec:     spec.VideoCodec,
			bitrate:   orDefaultString(spec.VideoBitrate, DefaultVideoBitrate),
			cpuPreset: "medium",
			useGPU:    useGPU,
			fps:       fps,
		}),
	}

	if len(audio) > 0 {
		for _, seg := range audio {
			plan.Inputs = append(plan.Inputs, Input{Path: seg.Path})
		}
		plan.FilterGraph = audioMixGraph(audio)
		plan.Maps = []string{"0:v", "[aout]"}
		plan.Audio = &AudioParams{
			Codec:      orDefaultString(spec.AudioCodec, DefaultAudioCodec),
			Bitrate:    orDefaultString(spec.AudioBitrate, DefaultAudioBitrate),
			SampleRate: DefaultSampleRate,
		}
	}

	return plan, nil
}

// videoConcatGraph trims each input to its declared duration, letterboxes it
// to width x height and concatenates the results into [outv].
func videoConcatGraph(segments []Segment, width, height int) string {
	var b strings.Builder
	for i, seg := range segments {
		fmt.Fprintf(&b, "[%d:v]trim=0:%s,setpts=PTS-STARTPTS,%s[v%d];",
			i, formatSeconds(seg.Duration), scalePad(width, height), i)
	}
	for i := range segments {
		fmt.Fprintf(&b, "[v%d]", i)
	}
	fmt.Fprintf(&b, "concat=n=%d:v=1:a=0[outv]", len(segments))
	return b.String()
}

// audioMixGraph applies per-segment volume and concatenates the segments
// back to back into [aout]. Audio inputs start at index 1 after the concat list.
func audioMixGraph(segments []Segment) string {
	if len(segments) == 1 {
		return fmt.Sprintf("[1:a]%s[aout]", volumeFilter(segments[0].Volume))
	}

	var b strings.Builder
	for i, seg := range segments {
		fmt.Fprintf(&b, "[%d:a]%s[a%d];", i+1, volumeFilter(seg.Volume), i)
	}
	for i := range segments {
		fmt.Fprintf(&b, "[a%d]", i)
	}
	fmt.Fprintf(&b, "concat=n=%d:v=0:a=1[aout]", len(segments))
	return b.String()
}

func volumeFilter(v float64) string {
	if v == 1 {
		return "acopy"
	}
	return "volume=" + strconv.FormatFloat(v, 'f', -1, 64)
}

func scalePad(width, height int) string {
	return fmt.Sprintf("scale=%d:%d:force_original_aspect_ratio=decrease,pad=%d:%d:(ow-iw)/2:(oh-ih)/2",
		width, height, width, height)
}

func concatList(segments []Segment) *ConcatList {
	entries := make([]ConcatEntry, len(segments))
	for i, seg := range segments {
		entries[i] = ConcatEntry{Path: seg.Path, Duration: seg.Duration}
	}
	return &ConcatList{Entries: entries}
}

func firstLayer(layers []job.Layer, kind job.LayerKind) (job.Layer, bool) {
	for _, l := range layers {
		if l.Kind == kind {
			return l, true
		}
	}
	return job.Layer{}, false
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
