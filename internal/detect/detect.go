// Package detect defines the object detection capability used by the relay and
// the conversion from raw engine output to the detection batches sent to
// frontends.
//
// Engines report boxes in normalized center form (cx, cy, w, h). The Adapter
// owns confidence filtering and the conversion to normalized top-left form
// (x, y, w, h) that frontends draw with.
package detect

import (
	"context"
	"encoding/json"
	"fmt"
	"image"

	"github.com/aerosentinel/relay/internal/monitoring"
)

// DefaultThreshold is the minimum confidence, exclusive, for a published detection.
const DefaultThreshold = 0.5

// Raw is one engine result before filtering.
type Raw struct {
	ClassID    int
	Confidence float64
	// Box is (cx, cy, w, h), normalized to the image size.
	Box [4]float64
}

// Engine is an object detector. Implementations may run on a separate device
// but Detect is synchronous for the caller.
type Engine interface {
	Detect(ctx context.Context, img image.Image) ([]Raw, error)
	// Label returns the class name for a class ID.
	Label(classID int) string
	Close() error
}

// Detection is one published object.
type Detection struct {
	ClassID    int     `json:"id"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	// BBox is (x, y, w, h) with (x, y) the normalized top-left corner.
	BBox     [4]float64 `json:"bbox"`
	Tracking bool       `json:"tracking"`
}

// Batch is the ordered set of detections for one frame.
type Batch []Detection

type batchMessage struct {
	Objects Batch `json:"objects"`
}

// Message encodes the batch in the frontend wire shape {"objects":[...]}.
func (b Batch) Message() (string, error) {
	data, err := json.Marshal(batchMessage{Objects: b})
	if err != nil {
		return "", fmt.Errorf("failed to encode detection batch: %w", err)
	}
	return string(data), nil
}

// ToTopLeft converts a normalized center-form box to top-left form.
func ToTopLeft(box [4]float64) [4]float64 {
	cx, cy, w, h := box[0], box[1], box[2], box[3]
	return [4]float64{cx - w/2, cy - h/2, w, h}
}

// Filter keeps raw results with confidence strictly above threshold, in engine
// order, converting boxes and attaching labels.
func Filter(raw []Raw, threshold float64, label func(int) string) Batch {
	var out Batch
	for _, r := range raw {
		if !(r.Confidence > threshold) {
			continue
		}
		name := ""
		if label != nil {
			name = label(r.ClassID)
		}
		out = append(out, Detection{
			ClassID:    r.ClassID,
			Label:      name,
			Confidence: r.Confidence,
			BBox:       ToTopLeft(r.Box),
		})
	}
	return out
}

// Adapter wraps an Engine with the relay's detection contract: it never fails,
// and an unavailable engine yields empty batches.
type Adapter struct {
	engine    Engine
	threshold float64
}

// NewAdapter returns an Adapter over engine. A nil engine produces an adapter
// that is permanently unavailable.
func NewAdapter(engine Engine, threshold float64) *Adapter {
	return &Adapter{engine: engine, threshold: threshold}
}

// Available reports whether an engine is loaded.
func (a *Adapter) Available() bool {
	return a != nil && a.engine != nil
}

// Threshold returns the confidence threshold.
func (a *Adapter) Threshold() float64 {
	return a.threshold
}

// Detect runs the engine and returns the filtered batch. Engine errors are
// logged and produce an empty batch.
func (a *Adapter) Detect(ctx context.Context, img image.Image) Batch {
	if !a.Available() {
		return nil
	}
	raw, err := a.engine.Detect(ctx, img)
	if err != nil {
		monitoring.Logf("[Detect] inference failed: %v", err)
		return nil
	}
	return Filter(raw, a.threshold, a.engine.Label)
}

// Close releases the engine, if any.
func (a *Adapter) Close() error {
	if !a.Available() {
		return nil
	}
	return a.engine.Close()
}
