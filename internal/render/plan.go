// Package render translates job specifications into ffmpeg invocation plans.
// Building a plan performs no I/O other than checking that referenced media
// files exist; running it is the encoder package's concern.
package render

import (
	"strconv"
	"strings"
)

// Format identifies how a plan feeds frames into the encoder.
type Format string

const (
	// FormatImages uses the concat demuxer over a list of still images.
	FormatImages Format = "images"
	// FormatVideos trims, scales and concatenates video inputs in a filter graph.
	FormatVideos Format = "videos"
	// FormatLayered uses a concat list of image layers plus a mixed audio track.
	FormatLayered Format = "layered"
)

// Input is one ffmpeg input with its input-side options.
type Input struct {
	Path    string
	Options []string
}

// ConcatEntry is one file of a concat list.
type ConcatEntry struct {
	Path     string
	Duration float64
}

// ConcatList is the ordered input of the concat demuxer.
type ConcatList struct {
	Entries []ConcatEntry
}

// Render returns the list file contents. The last file is repeated without a
// duration line; the demuxer otherwise ignores the final duration.
func (c *ConcatList) Render() string {
	var b strings.Builder
	for _, e := range c.Entries {
		b.WriteString("file ")
		b.WriteString(quoteConcatPath(e.Path))
		b.WriteString("\nduration ")
		b.WriteString(formatSeconds(e.Duration))
		b.WriteByte('\n')
	}
	if n := len(c.Entries); n > 0 {
		b.WriteString("file ")
		b.WriteString(quoteConcatPath(c.Entries[n-1].Path))
		b.WriteByte('\n')
	}
	return b.String()
}

// TotalDuration sums the entry durations.
func (c *ConcatList) TotalDuration() float64 {
	var total float64
	for _, e := range c.Entries {
		total += e.Duration
	}
	return total
}

func quoteConcatPath(p string) string {
	return "'" + strings.ReplaceAll(p, "'", `'\''`) + "'"
}

// AudioParams describes the encoded audio stream. A nil *AudioParams on a
// plan means the output has no audio.
type AudioParams struct {
	Codec      string
	Bitrate    string
	SampleRate int
	// Shortest ends the output with the shorter of the audio and video streams.
	Shortest bool
}

// Args returns the output-side audio options.
func (a *AudioParams) Args() []string {
	args := []string{
		"-c:a", a.Codec,
		"-b:a", a.Bitrate,
		"-ar", strconv.Itoa(a.SampleRate),
	}
	if a.Shortest {
		args = append(args, "-shortest")
	}
	return args
}

// Segment is one timed entry on the output timeline.
type Segment struct {
	Path string
	// Start is the offset of the segment from the beginning of the output.
	Start      float64
	Duration   float64
	Volume     float64
	ResizeMode string
}

// Plan is a fully resolved ffmpeg invocation. It is not modified after Build.
type Plan struct {
	JobID  string
	Format Format

	// ConcatList is set for concat-demuxer plans and becomes input 0.
	ConcatList *ConcatList
	// Inputs follow the concat input, in ffmpeg input index order.
	Inputs      []Input
	FilterGraph string
	Maps        []string

	Codec CodecParams
	Audio *AudioParams

	VideoFilter string
	FPS         int
	Width       int
	Height      int
	ExtraArgs   []string

	OutputPath string
	OutputFile string

	// DeclaredDuration is the sum of clip durations in seconds.
	DeclaredDuration float64
	UseGPU           bool

	VideoSegments []Segment
	AudioSegments []Segment
}

// Args renders the ffmpeg argument list. concatPath is where the rendered
// concat list was written and is ignored for plans without one.
func (p *Plan) Args(concatPath string) []string {
	args := []string{"-nostdin"}

	if p.ConcatList != nil {
		args = append(args, "-f", "concat", "-safe", "0", "-i", concatPath)
	}
	for _, in := range p.Inputs {
		args = append(args, in.Options...)
		args = append(args, "-i", in.Path)
	}

	if p.FilterGraph != "" {
		args = append(args, "-filter_complex", p.FilterGraph)
	}
	for _, m := range p.Maps {
		args = append(args, "-map", m)
	}

	args = append(args, p.Codec.Args()...)

	if p.Audio != nil {
		args = append(args, p.Audio.Args()...)
	} else {
		args = append(args, "-an")
	}

	if p.VideoFilter != "" {
		args = append(args, "-vf", p.VideoFilter)
	}
	args = append(args,
		"-r", strconv.Itoa(p.FPS),
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
	)
	args = append(args, p.ExtraArgs...)
	args = append(args, "-y", p.OutputPath)

	return args
}

// Resolution is formatted as WIDTHxHEIGHT.
func (p *Plan) Resolution() string {
	return strconv.Itoa(p.Width) + "x" + strconv.Itoa(p.Height)
}

func formatSeconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
