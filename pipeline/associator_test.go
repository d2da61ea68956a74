package pipeline

import (
	"context"
	"testing"

	iface "HelmetDetServer/interface"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNearestPlate(t *testing.T) {
	target := iface.Position{X: 120, Y: 120}
	far := det(iface.NumberPlate, 100, 160, 140, 180)  // center (120,170), distance 50
	near := det(iface.NumberPlate, 110, 120, 130, 130) // center (120,125), distance 5

	assert.Equal(t, near, nearestPlate([]iface.Detection{far, near}, target))
	assert.Equal(t, near, nearestPlate([]iface.Detection{near, far}, target))
}

func TestNearestPlate_TieKeepsFirst(t *testing.T) {
	target := iface.Position{X: 100, Y: 100}
	left := det(iface.NumberPlate, 70, 90, 90, 110)   // distance 20
	right := det(iface.NumberPlate, 110, 90, 130, 110) // distance 20

	assert.Equal(t, left, nearestPlate([]iface.Detection{left, right}, target))
	assert.Equal(t, right, nearestPlate([]iface.Detection{right, left}, target))
}

func TestFirstEnclosingRider(t *testing.T) {
	box := iface.Box{X1: 50, Y1: 50, X2: 60, Y2: 60}
	loose := det(iface.Rider, 0, 0, 500, 500)
	tight := det(iface.Rider, 40, 40, 70, 70)
	elsewhere := det(iface.Rider, 300, 300, 400, 400)

	got, ok := firstEnclosingRider([]iface.Detection{elsewhere, loose, tight}, box)
	require.True(t, ok)
	assert.Equal(t, loose, got)

	_, ok = firstEnclosingRider([]iface.Detection{elsewhere}, box)
	assert.False(t, ok)
}

func TestAssociate_SelectsNearestPlate(t *testing.T) {
	rider := det(iface.Rider, 0, 0, 300, 300)
	helmetless := det(iface.WithoutHelmet, 100, 100, 140, 140)
	far := det(iface.NumberPlate, 100, 160, 140, 180)
	near := det(iface.NumberPlate, 110, 120, 130, 130)
	set := iface.NewDetectionSet([]iface.Detection{far, helmetless, rider, near})

	rec := &fakeRecognizer{lines: []iface.TextLine{{Text: "KA05"}}}
	a := NewAssociator(NewExtractor(rec))
	assocs, err := a.Associate(context.Background(), blank(400, 400), set)
	require.NoError(t, err)
	require.Len(t, assocs, 1)

	got := assocs[0]
	assert.Equal(t, iface.PlateMatched, got.Outcome)
	require.NotNil(t, got.Plate)
	assert.Equal(t, near, *got.Plate)
	require.NotNil(t, got.Rider)
	assert.Equal(t, rider, *got.Rider)
	require.Len(t, rec.crops, 1)
	// near plate padded by 15: 95..145 x 105..145
	assert.Equal(t, 50, rec.crops[0].Dx())
	assert.Equal(t, 40, rec.crops[0].Dy())
	require.NotNil(t, got.Reading)
	assert.Equal(t, "KA05", got.Reading.Corrected)
}

func TestAssociate_NoEnclosingRider(t *testing.T) {
	set := iface.NewDetectionSet([]iface.Detection{
		det(iface.Rider, 0, 0, 100, 100),
		det(iface.WithoutHelmet, 90, 90, 150, 150),
		det(iface.NumberPlate, 10, 10, 50, 30),
	})
	rec := &fakeRecognizer{}
	a := NewAssociator(NewExtractor(rec))

	assocs, err := a.Associate(context.Background(), blank(200, 200), set)
	require.NoError(t, err)
	require.Len(t, assocs, 1)
	assert.Equal(t, iface.NoEnclosingRider, assocs[0].Outcome)
	assert.Nil(t, assocs[0].Rider)
	assert.Nil(t, assocs[0].Plate)
	assert.Empty(t, rec.crops)
	assert.Equal(t, []string{"\n⚠️ Helmetless Rider 1 - No enclosing rider box found."}, assocs[0].Lines())
}

func TestAssociate_NoPlateInsideRider(t *testing.T) {
	set := iface.NewDetectionSet([]iface.Detection{
		det(iface.Rider, 0, 0, 100, 200),
		det(iface.WithoutHelmet, 20, 20, 80, 80),
		det(iface.NumberPlate, 90, 150, 130, 180), // crosses the rider's right edge
	})
	rec := &fakeRecognizer{}
	a := NewAssociator(NewExtractor(rec))

	assocs, err := a.Associate(context.Background(), blank(300, 300), set)
	require.NoError(t, err)
	require.Len(t, assocs, 1)
	assert.Equal(t, iface.NoPlateInRider, assocs[0].Outcome)
	assert.NotNil(t, assocs[0].Rider)
	assert.Empty(t, rec.crops)
	assert.Equal(t, []string{"\n❌ Helmetless Rider 1 - No number plate detected inside rider bounding box"}, assocs[0].Lines())
}

func TestAssociate_SharedRiderIsNotDeduplicated(t *testing.T) {
	rider := det(iface.Rider, 0, 0, 400, 400)
	plate := det(iface.NumberPlate, 150, 300, 250, 340)
	set := iface.NewDetectionSet([]iface.Detection{
		det(iface.WithoutHelmet, 50, 50, 150, 150),
		rider,
		det(iface.WithoutHelmet, 200, 50, 300, 150),
		plate,
	})
	rec := &fakeRecognizer{lines: []iface.TextLine{{Text: "DL3C"}}}
	a := NewAssociator(NewExtractor(rec))

	assocs, err := a.Associate(context.Background(), blank(500, 500), set)
	require.NoError(t, err)
	require.Len(t, assocs, 2)
	for i, assoc := range assocs {
		assert.Equal(t, i, assoc.Index)
		assert.Equal(t, iface.PlateMatched, assoc.Outcome)
		assert.Equal(t, plate, *assoc.Plate)
		assert.Equal(t, i, assoc.Reading.Index)
	}
	assert.Len(t, rec.crops, 2)
}
