package job

import (
	"encoding/json"
	"fmt"
)

// wireLayer accepts both the short and the editor field names of a layer.
type wireLayer struct {
	Type       string   `json:"type"`
	Path       string   `json:"path"`
	Duration   float64  `json:"duration"`
	ResizeMode string   `json:"resizeMode"`
	Volume     *float64 `json:"volume"`
	MixVolume  *float64 `json:"mixVolume"`
}

type wireClip struct {
	Path      string      `json:"path"`
	ImagePath string      `json:"imagePath"`
	Duration  float64     `json:"duration"`
	Layers    []wireLayer `json:"layers"`
}

type wireSpec struct {
	Clips            []wireClip `json:"clips"`
	AudioFilePath    string     `json:"audioFilePath"`
	AudioPath        string     `json:"audioPath"`
	Width            int        `json:"width"`
	Height           int        `json:"height"`
	FPS              int        `json:"fps"`
	GPU              bool       `json:"gpu"`
	UseGPU           bool       `json:"useGpu"`
	OutputFilename   string     `json:"outputFilename"`
	CustomOutputArgs []string   `json:"customOutputArgs"`
	VideoCodec       string     `json:"videoCodec"`
	VideoBitrate     string     `json:"videoBitrate"`
	AudioCodec       string     `json:"audioCodec"`
	AudioBitrate     string     `json:"audioBitrate"`
}

// Submission is the decoded job submission body.
type Submission struct {
	// ID is the optional caller-supplied job id.
	ID   string
	Spec Spec
}

type wireSubmission struct {
	ID string `json:"id"`
	wireSpec
	EditSpec *wireSpec `json:"editSpec"`
}

// ParseSubmission decodes a submission body and resolves the spec variant.
// A body carrying editSpec, or any clip carrying layers, is layered.
// Everything else is simple.
func ParseSubmission(data []byte) (*Submission, error) {
	var w wireSubmission
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &ValidationError{Reason: fmt.Sprintf("decode body: %v", err)}
	}

	var spec Spec
	switch {
	case w.EditSpec != nil:
		edit := *w.EditSpec
		if edit.OutputFilename == "" {
			edit.OutputFilename = w.OutputFilename
		}
		if !edit.GPU && !edit.UseGPU {
			edit.GPU = w.GPU || w.UseGPU
		}
		spec = layeredFromWire(edit)
	case hasLayers(w.Clips):
		spec = layeredFromWire(w.wireSpec)
	default:
		spec = simpleFromWire(w.wireSpec)
	}

	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &Submission{ID: w.ID, Spec: spec}, nil
}

// ParseSpec decodes a submission body and returns only the resolved spec.
func ParseSpec(data []byte) (Spec, error) {
	sub, err := ParseSubmission(data)
	if err != nil {
		return Spec{}, err
	}
	return sub.Spec, nil
}

func hasLayers(clips []wireClip) bool {
	for _, c := range clips {
		if len(c.Layers) > 0 {
			return true
		}
	}
	return false
}

func simpleFromWire(w wireSpec) Spec {
	clips := make([]ClipRef, 0, len(w.Clips))
	for _, c := range w.Clips {
		path := c.Path
		if path == "" {
			path = c.ImagePath
		}
		clips = append(clips, ClipRef{Path: path, Duration: c.Duration})
	}
	audio := w.AudioFilePath
	if audio == "" {
		audio = w.AudioPath
	}
	return NewSimple(SimpleSpec{
		Clips:          clips,
		AudioPath:      audio,
		Width:          w.Width,
		Height:         w.Height,
		FPS:            w.FPS,
		GPU:            w.GPU || w.UseGPU,
		OutputFilename: w.OutputFilename,
	})
}

func layeredFromWire(w wireSpec) Spec {
	clips := make([]LayeredClip, 0, len(w.Clips))
	for _, c := range w.Clips {
		layers := make([]Layer, 0, len(c.Layers))
		for _, l := range c.Layers {
			volume := l.Volume
			if volume == nil {
				volume = l.MixVolume
			}
			layers = append(layers, Layer{
				Kind:       layerKind(l.Type),
				Path:       l.Path,
				Duration:   l.Duration,
				ResizeMode: l.ResizeMode,
				Volume:     volume,
			})
		}
		clips = append(clips, LayeredClip{Duration: c.Duration, Layers: layers})
	}
	return NewLayered(LayeredSpec{
		Clips:            clips,
		OutputFilename:   w.OutputFilename,
		CustomOutputArgs: w.CustomOutputArgs,
		VideoCodec:       w.VideoCodec,
		VideoBitrate:     w.VideoBitrate,
		AudioCodec:       w.AudioCodec,
		AudioBitrate:     w.AudioBitrate,
		Width:            w.Width,
		Height:           w.Height,
		FPS:              w.FPS,
		GPU:              w.GPU || w.UseGPU,
	})
}

func layerKind(t string) LayerKind {
	switch t {
	case "image", "image-overlay":
		return LayerImage
	case "audio", "audioTrack":
		return LayerAudio
	default:
		return LayerUnknown
	}
}
