package transform

import (
	"testing"

	"github.com/hszk-dev/gostream/internal/domain/model"
)

func intp(n int) *int   { return &n }
func boolp(b bool) *bool { return &b }

func TestResolveOptions_PrecedenceChain(t *testing.T) {
	defaults := model.TransformOptions{Format: "mp4", Quality: "medium"}
	pathPatternOverrides := PathPatternOverrides{"quality": "high"}
	o := model.Origin{TransformOptions: map[string]any{"width": float64(640)}}
	caller := model.TransformOptions{Height: intp(480)}

	resolved := ResolveOptions(defaults, pathPatternOverrides, o, nil, caller)

	if resolved.Format != "mp4" {
		t.Errorf("expected default format to survive, got %q", resolved.Format)
	}
	if resolved.Quality != "high" {
		t.Errorf("expected pathPattern override to win over default, got %q", resolved.Quality)
	}
	if resolved.Width == nil || *resolved.Width != 640 {
		t.Errorf("expected origin transformOptions width 640, got %v", resolved.Width)
	}
	if resolved.Height == nil || *resolved.Height != 480 {
		t.Errorf("expected caller height 480, got %v", resolved.Height)
	}
}

func TestResolveOptions_DerivativeOverridesDimensions(t *testing.T) {
	defaults := model.TransformOptions{}
	caller := model.TransformOptions{Width: intp(100), Height: intp(100)}
	derivative := &model.Derivative{Name: "thumbnail", Width: 320, Height: 240, Mode: model.ModeFrame}

	resolved := ResolveOptions(defaults, nil, model.Origin{}, derivative, caller)

	if resolved.Width == nil || *resolved.Width != 320 {
		t.Errorf("expected derivative width 320, got %v", resolved.Width)
	}
	if resolved.Height == nil || *resolved.Height != 240 {
		t.Errorf("expected derivative height 240, got %v", resolved.Height)
	}
	if resolved.Derivative != "thumbnail" {
		t.Errorf("expected derivative name set, got %q", resolved.Derivative)
	}
	if resolved.Mode != model.ModeFrame {
		t.Errorf("expected derivative mode to apply, got %q", resolved.Mode)
	}
}

func TestSerializeSegment_AlphabeticalOrderAndOmission(t *testing.T) {
	opts := model.TransformOptions{
		Width:  intp(640),
		Height: intp(360),
		Format: "mp4",
	}
	got := SerializeSegment(opts)
	want := "format=mp4,height=360,width=640"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestSerializeSegment_EmptyWhenNoFieldsSet(t *testing.T) {
	got := SerializeSegment(model.TransformOptions{})
	if got != "" {
		t.Errorf("expected empty segment, got %q", got)
	}
}

func TestSerializeSegment_AudioBoolean(t *testing.T) {
	opts := model.TransformOptions{Audio: boolp(false)}
	got := SerializeSegment(opts)
	if got != "audio=false" {
		t.Errorf("got %q", got)
	}
}

func TestBuildURL_NoVersionQueryWhenVersionIsOne(t *testing.T) {
	inv := New(nil, "/cdn-cgi/media")
	opts := model.TransformOptions{Width: intp(100)}
	got := inv.BuildURL("https://example.com", "videos/a.mp4", opts, 1)
	want := "https://example.com/cdn-cgi/media/width=100/videos/a.mp4"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestBuildURL_AppendsVersionQueryWhenAboveOne(t *testing.T) {
	inv := New(nil, "/cdn-cgi/media")
	opts := model.TransformOptions{}
	got := inv.BuildURL("https://example.com/", "videos/a.mp4", opts, 3)
	want := "https://example.com/cdn-cgi/media//videos/a.mp4?v=3"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestClassify_Ok(t *testing.T) {
	r := Classify(200, "")
	if r.Class != ClassOk {
		t.Errorf("got %v", r.Class)
	}
	r = Classify(206, "")
	if r.Class != ClassOk {
		t.Errorf("got %v", r.Class)
	}
}

func TestClassify_DurationLimit(t *testing.T) {
	r := Classify(400, `{"error":"duration exceeds limit of 120 seconds"}`)
	if r.Class != ClassDurationLimit {
		t.Fatalf("got %v", r.Class)
	}
	if r.DurationLimit != 120 {
		t.Errorf("expected extracted limit 120, got %v", r.DurationLimit)
	}
}

func TestClassify_FileSize(t *testing.T) {
	r := Classify(413, "file size exceeds maximum")
	if r.Class != ClassFileSize {
		t.Errorf("got %v", r.Class)
	}
}

func TestClassify_InvalidDimension(t *testing.T) {
	r := Classify(400, "invalid dimension requested")
	if r.Class != ClassInvalidDimension {
		t.Errorf("got %v", r.Class)
	}
}

func TestClassify_InvalidFormat(t *testing.T) {
	r := Classify(400, "unsupported format requested")
	if r.Class != ClassInvalidFormat {
		t.Errorf("got %v", r.Class)
	}
}

func TestClassify_OriginUnavailable(t *testing.T) {
	for _, code := range []int{502, 504} {
		if r := Classify(code, ""); r.Class != ClassOriginUnavailable {
			t.Errorf("status %d: got %v", code, r.Class)
		}
	}
}

func TestClassify_TransformationFailed(t *testing.T) {
	r := Classify(500, "internal error")
	if r.Class != ClassTransformFailed {
		t.Errorf("got %v", r.Class)
	}
}
