package dental

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSameVisit(t *testing.T) {
	at := time.Date(2024, 6, 10, 9, 30, 15, 0, time.UTC)

	assert.True(t, Exam{UUID: "a", VisitedAt: at}.SameVisit(Exam{UUID: "a"}))
	assert.False(t, Exam{UUID: "a", VisitedAt: at}.SameVisit(Exam{UUID: "b", VisitedAt: at}))
	assert.True(t, Exam{VisitedAt: at.Add(400 * time.Millisecond)}.SameVisit(Exam{UUID: "b", VisitedAt: at}))
	assert.False(t, Exam{VisitedAt: at}.SameVisit(Exam{}))
}

func TestSameVisit_UndatedComparesContent(t *testing.T) {
	one := Exam{Remarks: "visit one"}
	require.NoError(t, one.Chart.Set(18, StatusExtraction))
	two := Exam{Remarks: "visit two"}
	require.NoError(t, two.Chart.Set(36, StatusDecayed))

	assert.False(t, one.SameVisit(two))

	copyOfOne := Exam{Remarks: "visit one", Chart: one.Chart.Clone()}
	assert.True(t, one.SameVisit(copyOfOne))

	copyOfOne.Fluoride = "yes"
	assert.False(t, one.SameVisit(copyOfOne))
}
