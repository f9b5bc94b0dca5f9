package onnx

import (
	"sort"

	"github.com/aerosentinel/relay/internal/detect"
)

type candidate struct {
	class int
	score float32
	// cx, cy, w, h in input pixels
	box [4]float32
}

// decodeOutput turns the YOLOv8 output tensor, laid out as
// [1, 4+numClasses, numBoxes], into normalized center-form results after
// per-class non-maximum suppression. Results are ordered by descending score.
func decodeOutput(out []float32, numClasses, numBoxes int, size, scoreThreshold, iouThreshold float32) []detect.Raw {
	if len(out) < (4+numClasses)*numBoxes {
		return nil
	}

	var cands []candidate
	for i := 0; i < numBoxes; i++ {
		best, bestScore := -1, float32(0)
		for c := 0; c < numClasses; c++ {
			s := out[(4+c)*numBoxes+i]
			if s > bestScore {
				best, bestScore = c, s
			}
		}
		if best < 0 || bestScore < scoreThreshold {
			continue
		}
		cands = append(cands, candidate{
			class: best,
			score: bestScore,
			box: [4]float32{
				out[i],
				out[numBoxes+i],
				out[2*numBoxes+i],
				out[3*numBoxes+i],
			},
		})
	}

	kept := nms(cands, iouThreshold)

	raw := make([]detect.Raw, 0, len(kept))
	for _, k := range kept {
		raw = append(raw, detect.Raw{
			ClassID:    k.class,
			Confidence: float64(k.score),
			Box: [4]float64{
				clamp01(float64(k.box[0] / size)),
				clamp01(float64(k.box[1] / size)),
				clamp01(float64(k.box[2] / size)),
				clamp01(float64(k.box[3] / size)),
			},
		})
	}
	return raw
}

// nms keeps the highest scoring box of each overlapping same-class group.
func nms(cands []candidate, iouThreshold float32) []candidate {
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

	var kept []candidate
	for _, c := range cands {
		suppressed := false
		for _, k := range kept {
			if k.class == c.class && iou(k.box, c.box) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, c)
		}
	}
	return kept
}

func iou(a, b [4]float32) float32 {
	ax0, ay0, ax1, ay1 := a[0]-a[2]/2, a[1]-a[3]/2, a[0]+a[2]/2, a[1]+a[3]/2
	bx0, by0, bx1, by1 := b[0]-b[2]/2, b[1]-b[3]/2, b[0]+b[2]/2, b[1]+b[3]/2

	iw := min(ax1, bx1) - max(ax0, bx0)
	ih := min(ay1, by1) - max(ay0, by0)
	if iw <= 0 || ih <= 0 {
		return 0
	}
	inter := iw * ih
	union := a[2]*a[3] + b[2]*b[3] - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
