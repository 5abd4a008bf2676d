package model

// Mode is the transformation output mode.
type Mode string

const (
	ModeVideo       Mode = "video"
	ModeFrame       Mode = "frame"
	ModeSpritesheet Mode = "spritesheet"
	ModeAudio       Mode = "audio"
)

// Fit is the resize fitting strategy.
type Fit string

const (
	FitContain   Fit = "contain"
	FitScaleDown Fit = "scale-down"
	FitCover     Fit = "cover"
)

// TransformOptions is the fully resolved set of parameters sent to the
// Transform Invoker (spec.md §3, §4.7). Pointer fields distinguish "unset"
// from the zero value, since zero is a meaningful value for width/height/
// quality/duration.
type TransformOptions struct {
	Width      *int     `json:"width,omitempty"`
	Height     *int     `json:"height,omitempty"`
	Mode       Mode     `json:"mode,omitempty"`
	Fit        Fit      `json:"fit,omitempty"`
	Format     string   `json:"format,omitempty"`
	Time       string   `json:"time,omitempty"`
	Duration   string   `json:"duration,omitempty"`
	Quality    string   `json:"quality,omitempty"`
	Compression string  `json:"compression,omitempty"`
	Loop       *bool    `json:"loop,omitempty"`
	Preload    string   `json:"preload,omitempty"`
	Autoplay   *bool    `json:"autoplay,omitempty"`
	Muted      *bool    `json:"muted,omitempty"`
	Audio      *bool    `json:"audio,omitempty"`
	Derivative string   `json:"derivative,omitempty"`
}

// Clone returns a deep-enough copy safe to mutate (used by the fallback
// pipeline's duration-adjustment retry, spec.md §4.8).
func (o TransformOptions) Clone() TransformOptions {
	c := o
	if o.Width != nil {
		w := *o.Width
		c.Width = &w
	}
	if o.Height != nil {
		h := *o.Height
		c.Height = &h
	}
	if o.Loop != nil {
		v := *o.Loop
		c.Loop = &v
	}
	if o.Autoplay != nil {
		v := *o.Autoplay
		c.Autoplay = &v
	}
	if o.Muted != nil {
		v := *o.Muted
		c.Muted = &v
	}
	if o.Audio != nil {
		v := *o.Audio
		c.Audio = &v
	}
	return c
}

// ApplyDerivative overrides width/height with a derivative's dimensions.
// Per spec.md §3: "Keys with derivative do NOT also include w/h (the
// derivative's own dimensions are authoritative)."
func (o *TransformOptions) ApplyDerivative(width, height int) {
	o.Width = &width
	o.Height = &height
}

// Derivative is a named bundle of TransformOptions (spec.md GLOSSARY).
type Derivative struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Mode   Mode   `json:"mode,omitempty"`
}
