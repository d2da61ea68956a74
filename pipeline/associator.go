package pipeline

import (
	"context"
	"image"

	iface "HelmetDetServer/interface"
	"HelmetDetServer/monitor"
)

type Associator struct {
	extractor *Extractor
}

func NewAssociator(ext *Extractor) *Associator {
	return &Associator{extractor: ext}
}

// firstEnclosingRider returns the first rider, in detector order, whose box
// contains box. Later riders are not considered even if they fit tighter.
func firstEnclosingRider(riders []iface.Detection, box iface.Box) (iface.Detection, bool) {
	for _, r := range riders {
		if Contains(box, r.Box) {
			return r, true
		}
	}
	return iface.Detection{}, false
}

// nearestPlate returns the plate whose center is closest to target. On ties
// the earliest plate wins.
func nearestPlate(plates []iface.Detection, target iface.Position) iface.Detection {
	best := plates[0]
	bestDist := Distance(Center(best.Box), target)
	for _, p := range plates[1:] {
		if d := Distance(Center(p.Box), target); d < bestDist {
			best, bestDist = p, d
		}
	}
	return best
}

// AssociateOne links the helmetless detection at index to its rider and
// plate, reading the plate when one is found.
func (a *Associator) AssociateOne(ctx context.Context, img image.Image, set iface.DetectionSet, index int, helmetless iface.Detection) (iface.Association, error) {
	assoc := iface.Association{Index: index, Helmetless: helmetless}

	rider, ok := firstEnclosingRider(set.Riders(), helmetless.Box)
	if !ok {
		assoc.Outcome = iface.NoEnclosingRider
		monitor.AssociationsTotal.WithLabelValues(assoc.Outcome.String()).Inc()
		return assoc, nil
	}
	assoc.Rider = &rider

	var inside []iface.Detection
	for _, p := range set.Plates() {
		if Contains(p.Box, rider.Box) {
			inside = append(inside, p)
		}
	}
	if len(inside) == 0 {
		assoc.Outcome = iface.NoPlateInRider
		monitor.AssociationsTotal.WithLabelValues(assoc.Outcome.String()).Inc()
		return assoc, nil
	}

	plate := nearestPlate(inside, Center(helmetless.Box))
	assoc.Plate = &plate
	assoc.Outcome = iface.PlateMatched
	monitor.AssociationsTotal.WithLabelValues(assoc.Outcome.String()).Inc()

	reading, err := a.extractor.Extract(ctx, img, plate, index)
	if err != nil {
		return assoc, err
	}
	assoc.Reading = &reading
	return assoc, nil
}

// Associate runs AssociateOne for every helmetless detection in detector order.
// Associations are independent: several helmetless riders may share a rider or plate.
func (a *Associator) Associate(ctx context.Context, img image.Image, set iface.DetectionSet) ([]iface.Association, error) {
	helmetless := set.Helmetless()
	out := make([]iface.Association, 0, len(helmetless))
	for i, h := range helmetless {
		assoc, err := a.AssociateOne(ctx, img, set, i, h)
		if err != nil {
			return nil, err
		}
		out = append(out, assoc)
	}
	return out, nil
}
