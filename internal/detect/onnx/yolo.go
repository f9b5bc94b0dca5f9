// Package onnx runs a YOLOv8 object detector exported to ONNX through the ONNX
// Runtime shared library.
package onnx

import (
	"context"
	"fmt"
	"image"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"golang.org/x/image/draw"

	"github.com/aerosentinel/relay/internal/detect"
)

// Config describes the model and runtime to load.
type Config struct {
	// ModelPath is the .onnx file, e.g. yolov8n.onnx.
	ModelPath string
	// LibraryPath is the onnxruntime shared library. Empty uses the
	// platform default search path.
	LibraryPath string
	// InputSize is the square model input edge in pixels (default 640).
	InputSize int
	// InputName and OutputName are the graph tensor names
	// (defaults "images" and "output0", as produced by the YOLOv8 exporter).
	InputName  string
	OutputName string
	// ScoreThreshold discards candidates before NMS (default 0.25).
	ScoreThreshold float32
	// IoUThreshold is the NMS overlap limit (default 0.45).
	IoUThreshold float32
	// Labels overrides the class names; defaults to COCO.
	Labels []string
}

func (c Config) withDefaults() Config {
	if c.InputSize <= 0 {
		c.InputSize = 640
	}
	if c.InputName == "" {
		c.InputName = "images"
	}
	if c.OutputName == "" {
		c.OutputName = "output0"
	}
	if c.ScoreThreshold <= 0 {
		c.ScoreThreshold = 0.25
	}
	if c.IoUThreshold <= 0 {
		c.IoUThreshold = 0.45
	}
	if len(c.Labels) == 0 {
		c.Labels = cocoLabels
	}
	return c
}

// Engine is a YOLOv8 detector. It implements detect.Engine.
type Engine struct {
	cfg      Config
	numBoxes int

	// mu serializes Run; the session binds fixed input/output tensors.
	mu      sync.Mutex
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	canvas  *image.RGBA
}

var _ detect.Engine = (*Engine)(nil)

// New loads the runtime and model. Any failure leaves nothing allocated.
func New(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("model path is required")
	}

	if !ort.IsInitialized() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		if err := ort.InitializeEnvironment(); err != nil {
			return nil, fmt.Errorf("failed to initialize ONNX Runtime: %w", err)
		}
	}

	size := int64(cfg.InputSize)
	numBoxes := anchorCount(cfg.InputSize)

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+len(cfg.Labels)), int64(numBoxes)))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		[]ort.Value{input},
		[]ort.Value{output},
		nil,
	)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("failed to create session for %s: %w", cfg.ModelPath, err)
	}

	return &Engine{
		cfg:      cfg,
		numBoxes: numBoxes,
		session:  session,
		input:    input,
		output:   output,
		canvas:   image.NewRGBA(image.Rect(0, 0, cfg.InputSize, cfg.InputSize)),
	}, nil
}

// anchorCount is the number of prediction cells for the three YOLOv8 heads
// (strides 8, 16 and 32).
func anchorCount(size int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		side := size / stride
		n += side * side
	}
	return n
}

// Detect runs one inference. Boxes are normalized to the input image.
func (e *Engine) Detect(ctx context.Context, img image.Image) ([]detect.Raw, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil {
		return nil, fmt.Errorf("engine closed")
	}

	// Stretch to the square input; normalized coordinates then map straight
	// back onto the original frame.
	draw.ApproxBiLinear.Scale(e.canvas, e.canvas.Bounds(), img, img.Bounds(), draw.Src, nil)
	fillCHW(e.input.GetData(), e.canvas)

	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("inference failed: %w", err)
	}

	return decodeOutput(e.output.GetData(), len(e.cfg.Labels), e.numBoxes, float32(e.cfg.InputSize),
		e.cfg.ScoreThreshold, e.cfg.IoUThreshold), nil
}

// Label returns the class name for id.
func (e *Engine) Label(id int) string {
	if id < 0 || id >= len(e.cfg.Labels) {
		return fmt.Sprintf("class_%d", id)
	}
	return e.cfg.Labels[id]
}

// Close releases the session and tensors.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == nil {
		return nil
	}
	err := e.session.Destroy()
	e.input.Destroy()
	e.output.Destroy()
	e.session = nil
	return err
}

// fillCHW writes the RGB planes of src, scaled to [0,1], into dst.
func fillCHW(dst []float32, src *image.RGBA) {
	w, h := src.Bounds().Dx(), src.Bounds().Dy()
	plane := w * h
	for y := 0; y < h; y++ {
		row := src.Pix[y*src.Stride:]
		for x := 0; x < w; x++ {
			i := y*w + x
			p := row[x*4:]
			dst[i] = float32(p[0]) / 255
			dst[plane+i] = float32(p[1]) / 255
			dst[2*plane+i] = float32(p[2]) / 255
		}
	}
}
