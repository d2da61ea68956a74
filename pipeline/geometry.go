package pipeline

import (
	"math"

	iface "HelmetDetServer/interface"
)

func Center(b iface.Box) iface.Position {
	return iface.Position{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// Contains reports whether inner lies fully inside outer. Edges are inclusive.
func Contains(inner, outer iface.Box) bool {
	return inner.X1 >= outer.X1 && inner.Y1 >= outer.Y1 && inner.X2 <= outer.X2 && inner.Y2 <= outer.Y2
}

func Distance(a, b iface.Position) float64 {
	dx := float64(a.X - b.X)
	dy := float64(a.Y - b.Y)
	return math.Sqrt(dx*dx + dy*dy)
}
