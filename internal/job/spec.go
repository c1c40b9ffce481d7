package job

import "slices"

// Kind tags the variant held by a Spec.
type Kind string

const (
	// KindSimple is a flat list of image or video clips.
	KindSimple Kind = "simple"
	// KindLayered is a list of clips composed of typed layers.
	KindLayered Kind = "layered"
)

// LayerKind tags a Layer inside a layered clip.
type LayerKind string

const (
	LayerImage   LayerKind = "image"
	LayerAudio   LayerKind = "audio"
	LayerUnknown LayerKind = "unknown"
)

// DefaultClipDuration is applied to clips and layers without a duration, in seconds.
const DefaultClipDuration = 5.0

// Spec is the render specification. Exactly one of Simple or Layered is set,
// matching Kind.
type Spec struct {
	Kind    Kind         `json:"kind" validate:"oneof=simple layered"`
	Simple  *SimpleSpec  `json:"simple,omitempty"`
	Layered *LayeredSpec `json:"layered,omitempty"`
}

// ClipRef references one timed media file of a simple spec.
type ClipRef struct {
	Path     string  `json:"path" validate:"required"`
	Duration float64 `json:"duration,omitempty" validate:"gte=0"`
}

// SimpleSpec is a flat ordered clip list with an optional audio track.
type SimpleSpec struct {
	Clips          []ClipRef `json:"clips" validate:"required,min=1,dive"`
	AudioPath      string    `json:"audioPath,omitempty"`
	Width          int       `json:"width,omitempty" validate:"gte=0,lte=7680"`
	Height         int       `json:"height,omitempty" validate:"gte=0,lte=7680"`
	FPS            int       `json:"fps,omitempty" validate:"gte=0,lte=240"`
	GPU            bool      `json:"gpu,omitempty"`
	OutputFilename string    `json:"outputFilename,omitempty"`
}

// Layer is one typed asset within a layered clip.
type Layer struct {
	Kind       LayerKind `json:"kind"`
	Path       string    `json:"path,omitempty"`
	Duration   float64   `json:"duration,omitempty" validate:"gte=0"`
	ResizeMode string    `json:"resizeMode,omitempty"`
	Volume     *float64  `json:"volume,omitempty" validate:"omitempty,gte=0"`
}

// LayeredClip is one time slot composed of layers.
type LayeredClip struct {
	Duration float64 `json:"duration,omitempty" validate:"gte=0"`
	Layers   []Layer `json:"layers" validate:"dive"`
}

// LayeredSpec is the multi-track format with encoder overrides.
type LayeredSpec struct {
	Clips            []LayeredClip `json:"clips" validate:"required,min=1,dive"`
	OutputFilename   string        `json:"outputFilename,omitempty"`
	CustomOutputArgs []string      `json:"customOutputArgs,omitempty"`
	VideoCodec       string        `json:"videoCodec,omitempty"`
	VideoBitrate     string        `json:"videoBitrate,omitempty"`
	AudioCodec       string        `json:"audioCodec,omitempty"`
	AudioBitrate     string        `json:"audioBitrate,omitempty"`
	Width            int           `json:"width,omitempty" validate:"gte=0,lte=7680"`
	Height           int           `json:"height,omitempty" validate:"gte=0,lte=7680"`
	FPS              int           `json:"fps,omitempty" validate:"gte=0,lte=240"`
	GPU              bool          `json:"gpu,omitempty"`
}

// NewSimple wraps a SimpleSpec.
func NewSimple(s SimpleSpec) Spec {
	return Spec{Kind: KindSimple, Simple: &s}
}

// NewLayered wraps a LayeredSpec.
func NewLayered(s LayeredSpec) Spec {
	return Spec{Kind: KindLayered, Layered: &s}
}

// GPU reports the requested encoder preference.
func (s Spec) GPU() bool {
	switch s.Kind {
	case KindSimple:
		return s.Simple != nil && s.Simple.GPU
	case KindLayered:
		return s.Layered != nil && s.Layered.GPU
	}
	return false
}

// ClipCount returns the number of clips in the active variant.
func (s Spec) ClipCount() int {
	switch s.Kind {
	case KindSimple:
		if s.Simple != nil {
			return len(s.Simple.Clips)
		}
	case KindLayered:
		if s.Layered != nil {
			return len(s.Layered.Clips)
		}
	}
	return 0
}

// FPS returns the requested frame rate, zero when unset.
func (s Spec) FPS() int {
	switch s.Kind {
	case KindSimple:
		if s.Simple != nil {
			return s.Simple.FPS
		}
	case KindLayered:
		if s.Layered != nil {
			return s.Layered.FPS
		}
	}
	return 0
}

// Durations returns the declared duration of every clip, with the default applied.
func (s Spec) Durations() []float64 {
	var out []float64
	switch s.Kind {
	case KindSimple:
		if s.Simple == nil {
			return nil
		}
		for _, c := range s.Simple.Clips {
			out = append(out, ClipDuration(c.Duration))
		}
	case KindLayered:
		if s.Layered == nil {
			return nil
		}
		for _, c := range s.Layered.Clips {
			out = append(out, ClipDuration(c.Duration))
		}
	}
	return out
}

// ClipDuration applies DefaultClipDuration to unset durations.
func ClipDuration(d float64) float64 {
	if d <= 0 {
		return DefaultClipDuration
	}
	return d
}

// Validate checks structural invariants not covered by struct tags.
func (s Spec) Validate() error {
	switch s.Kind {
	case KindSimple:
		if s.Simple == nil {
			return &ValidationError{Field: "simple", Reason: "missing"}
		}
	case KindLayered:
		if s.Layered == nil {
			return &ValidationError{Field: "layered", Reason: "missing"}
		}
	default:
		return &ValidationError{Field: "kind", Reason: "unknown spec kind " + string(s.Kind)}
	}
	if s.ClipCount() == 0 {
		return &ValidationError{Field: "clips", Reason: "must not be empty"}
	}
	return nil
}

// Clone returns a deep copy.
func (s Spec) Clone() Spec {
	out := Spec{Kind: s.Kind}
	if s.Simple != nil {
		simple := *s.Simple
		simple.Clips = slices.Clone(s.Simple.Clips)
		out.Simple = &simple
	}
	if s.Layered != nil {
		layered := *s.Layered
		layered.CustomOutputArgs = slices.Clone(s.Layered.CustomOutputArgs)
		layered.Clips = make([]LayeredClip, len(s.Layered.Clips))
		for i, c := range s.Layered.Clips {
			layers := make([]Layer, len(c.Layers))
			for k, l := range c.Layers {
				if l.Volume != nil {
					v := *l.Volume
					l.Volume = &v
				}
				layers[k] = l
			}
			layered.Clips[i] = LayeredClip{Duration: c.Duration, Layers: layers}
		}
		if s.Layered.Clips == nil {
			layered.Clips = nil
		}
		out.Layered = &layered
	}
	return out
}
