package engine

import (
	"image"
	"sort"

	iface "HelmetDetServer/interface"

	"gocv.io/x/gocv"
)

type candidate struct {
	classID int
	conf    float32
	rect    image.Rectangle
}

// decodeYOLOv8 reads the anchor-free YOLOv8 head, laid out as
// [4+classes][anchors] with cx,cy,w,h in rows 0..3 and class scores below.
// Coordinates are scaled back from the network input by scale.
func decodeYOLOv8(at func(row, col int) float32, anchors, classes int, conf, scale float32) []candidate {
	var out []candidate
	for i := 0; i < anchors; i++ {
		best, bestScore := -1, float32(0)
		for c := 0; c < classes; c++ {
			if s := at(4+c, i); s > bestScore {
				best, bestScore = c, s
			}
		}
		if best < 0 || bestScore < conf {
			continue
		}
		cx, cy := at(0, i), at(1, i)
		w, h := at(2, i), at(3, i)
		out = append(out, candidate{
			classID: best,
			conf:    bestScore,
			rect: image.Rect(
				int((cx-w/2)*scale), int((cy-h/2)*scale),
				int((cx+w/2)*scale), int((cy+h/2)*scale),
			),
		})
	}
	return out
}

// suppress runs per-class NMS and returns the survivors ordered by confidence,
// the order downstream association treats as detector order.
func suppress(cands []candidate, conf, iou float32) []candidate {
	byClass := make(map[int][]candidate)
	for _, c := range cands {
		byClass[c.classID] = append(byClass[c.classID], c)
	}
	var kept []candidate
	for _, group := range byClass {
		rects := make([]image.Rectangle, len(group))
		scores := make([]float32, len(group))
		for i, c := range group {
			rects[i] = c.rect
			scores[i] = c.conf
		}
		for _, idx := range gocv.NMSBoxes(rects, scores, conf, iou) {
			kept = append(kept, group[idx])
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].conf != kept[j].conf {
			return kept[i].conf > kept[j].conf
		}
		return kept[i].classID < kept[j].classID
	})
	return kept
}

// toDetections clamps candidates to the image and maps class ids through names.
// Labels outside the helmet table are dropped.
func toDetections(cands []candidate, names []string, bounds image.Rectangle) []iface.Detection {
	out := make([]iface.Detection, 0, len(cands))
	for _, c := range cands {
		if c.classID >= len(names) {
			continue
		}
		class, ok := iface.ClassByName(names[c.classID])
		if !ok {
			continue
		}
		r := c.rect.Intersect(bounds)
		if r.Empty() {
			continue
		}
		out = append(out, iface.NewDetection(
			float32(r.Min.X), float32(r.Min.Y), float32(r.Max.X), float32(r.Max.Y), class, c.conf))
	}
	return out
}
