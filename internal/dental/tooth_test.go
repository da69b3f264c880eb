package dental

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTeeth_FiftyTwoUnique(t *testing.T) {
	require.Len(t, Teeth, 52)
	seen := map[Tooth]bool{}
	for _, tooth := range Teeth {
		assert.False(t, seen[tooth], "duplicate tooth %d", tooth)
		seen[tooth] = true
	}
	assert.False(t, Tooth(19).Valid())
	assert.False(t, Tooth(56).Valid())
}

func TestNext_CyclesThroughFiveStatuses(t *testing.T) {
	s := StatusNormal
	var got []Status
	for i := 0; i < 5; i++ {
		s = Next(s)
		got = append(got, s)
	}
	assert.Equal(t, []Status{StatusExtraction, StatusDecayed, StatusMissing, StatusFilled, StatusNormal}, got)
	assert.Equal(t, StatusNormal, Next(Status("?")))
}

func TestChart_ExtractionProjectionForEveryTooth(t *testing.T) {
	for _, tooth := range Teeth {
		var c Chart
		require.NoError(t, c.Set(tooth, StatusExtraction))
		p := c.Projections()
		assert.Equal(t, []Tooth{tooth}, p.Extraction, "tooth %d", tooth)
		assert.Empty(t, p.Filling)
		assert.Empty(t, p.Decayed)
		assert.Empty(t, p.Missing)

		require.NoError(t, c.Set(tooth, StatusExtraction))
		assert.Equal(t, p, c.Projections(), "setting twice must not change projection")
	}
}

func TestChart_ProjectionsCombine(t *testing.T) {
	var c Chart
	require.NoError(t, c.Set(46, StatusExtraction))
	require.NoError(t, c.Set(16, StatusExtraction))
	require.NoError(t, c.Set(36, StatusDecayed))
	require.NoError(t, c.Set(55, StatusFilled))
	require.NoError(t, c.Set(11, StatusMissing))

	p := c.Projections()
	assert.Equal(t, []Tooth{16, 46}, p.Extraction)
	assert.Equal(t, []Tooth{36}, p.Decayed)
	assert.Equal(t, []Tooth{36, 55}, p.Filling)
	assert.Equal(t, []Tooth{11}, p.Missing)

	require.NoError(t, c.Set(46, StatusNormal))
	assert.Equal(t, []Tooth{16}, c.Projections().Extraction)
}

func TestChart_RejectsUnknownToothAndStatus(t *testing.T) {
	var c Chart
	assert.Error(t, c.Set(99, StatusFilled))
	assert.Error(t, c.Set(11, Status("Z")))
	assert.Equal(t, StatusNormal, c.Get(11))
}

func TestChart_CycleMatchesNext(t *testing.T) {
	var c Chart
	s, err := c.Cycle(21)
	require.NoError(t, err)
	assert.Equal(t, StatusExtraction, s)
	s, err = c.Cycle(21)
	require.NoError(t, err)
	assert.Equal(t, StatusDecayed, s)
	assert.Equal(t, StatusDecayed, c.Get(21))
}

func TestChart_JSONCoversAllTeeth(t *testing.T) {
	var c Chart
	require.NoError(t, c.Set(85, StatusMissing))

	raw, err := json.Marshal(c)
	require.NoError(t, err)

	var m map[string]string
	require.NoError(t, json.Unmarshal(raw, &m))
	assert.Len(t, m, 52)
	assert.Equal(t, "M", m["85"])
	assert.Equal(t, "N", m["11"])

	var back Chart
	require.NoError(t, json.Unmarshal([]byte(`{"85":"m","11":"N","99":"X","12":"bogus"}`), &back))
	assert.True(t, c.Equal(back))
}

func TestChartFromLists(t *testing.T) {
	c := ChartFromLists("16, 46", "36, 55", "36", "11")
	assert.Equal(t, StatusExtraction, c.Get(16))
	assert.Equal(t, StatusDecayed, c.Get(36))
	assert.Equal(t, StatusFilled, c.Get(55))
	assert.Equal(t, StatusMissing, c.Get(11))
	assert.Equal(t, StatusNormal, c.Get(21))
}

func TestExam_DeriveRecomputesLists(t *testing.T) {
	var e Exam
	require.NoError(t, e.Chart.Set(16, StatusExtraction))
	require.NoError(t, e.Chart.Set(26, StatusExtraction))
	e.Extraction = "stale"
	e.Derive()
	assert.Equal(t, "16, 26", e.Extraction)
	assert.Equal(t, "", e.Filling)
}
