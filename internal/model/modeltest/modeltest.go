// Package modeltest builds small paired handles for tests.
package modeltest

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/intentlab/intent/internal/model"
	"github.com/intentlab/intent/internal/pipeline"
	"github.com/intentlab/intent/internal/schema"
)

// AgeWeight makes sigmoid(AgeWeight * 1.0) exactly the 0.8 of the reference
// session {age: 40, browser: Chrome}.
var AgeWeight = math.Log(4)

// Background is a transformed sample of the age/browser training data.
var Background = [][]float64{
	{-1, 0},
	{0, 1},
	{1, 2},
	{0.5, 0},
	{-0.5, 1},
	{2, 2},
}

// AgeBrowserSchema declares age in [0, 120] and browser in Chrome, Firefox or
// Safari.
func AgeBrowserSchema(tb testing.TB) *schema.Schema {
	tb.Helper()
	s, err := schema.New([]schema.Feature{
		{Name: "age", Kind: schema.Numeric, Min: 0, Max: 120},
		{Name: "browser", Kind: schema.Categorical, Values: []string{"Chrome", "Firefox", "Safari"}},
	})
	require.NoError(tb, err)
	return s
}

// AgeBrowserParams encodes Chrome=0, Firefox=1, Safari=2 and scales age as
// (age-30)/10.
func AgeBrowserParams(tb testing.TB) *pipeline.Params {
	tb.Helper()
	p, err := pipeline.NewParams(AgeBrowserSchema(tb), pipeline.Spec{
		Version: "ab-v1",
		Features: []pipeline.FeatureSpec{
			{Name: "age", Center: 30, Scale: 10},
			{Name: "browser", Codes: map[string]float64{"Chrome": 0, "Firefox": 1, "Safari": 2}},
		},
	})
	require.NoError(tb, err)
	return p
}

// AgeBrowser returns a logistic handle that scores {age: 40, browser: Chrome}
// at 0.8.
func AgeBrowser(tb testing.TB) *model.Handle {
	tb.Helper()
	return Logistic(tb, "lr-age-browser", AgeBrowserParams(tb), []float64{AgeWeight, -0.5}, 0)
}

// Logistic pairs a logistic scorer with p. The shared background is attached
// when its width fits.
func Logistic(tb testing.TB, id string, p *pipeline.Params, weights []float64, intercept float64) *model.Handle {
	tb.Helper()
	sc, err := model.NewLogistic(weights, intercept)
	require.NoError(tb, err)
	var bg [][]float64
	if p.Width() == len(Background[0]) {
		bg = Background
	}
	h, err := model.NewHandle(model.Config{
		ID:            id,
		Params:        p,
		Scorer:        sc,
		ParamsVersion: p.Version(),
		Background:    bg,
	})
	require.NoError(tb, err)
	return h
}
