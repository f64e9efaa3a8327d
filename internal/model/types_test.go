package model

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/adverant/nexus/handprint-worker/internal/errors"
)

func TestLinesPrefersLineItems(t *testing.T) {
	r := &RecognitionResult{
		Text: "ignored text",
		Items: []TextItem{
			{Text: "Dear", Granularity: GranularityWord},
			{Text: "Dear Sir,", Granularity: GranularityLine},
			{Text: "yours", Granularity: GranularityWord},
			{Text: "yours truly", Granularity: GranularityLine},
		},
	}
	assert.Equal(t, []string{"Dear Sir,", "yours truly"}, r.Lines())
	assert.Len(t, r.ItemsOf(GranularityWord), 2)
}

func TestLinesFallsBackToText(t *testing.T) {
	r := &RecognitionResult{Text: "\nfirst line\n\n  second\n"}
	assert.Equal(t, []string{"first line", "  second"}, r.Lines())

	empty := &RecognitionResult{}
	assert.Empty(t, empty.Lines())
}

func TestOutcomesFailures(t *testing.T) {
	outs := Outcomes{
		"google":    {Result: &RecognitionResult{Service: "google"}},
		"microsoft": {Err: errors.NewServiceError("microsoft", errors.KindAuth, "bad key", nil)},
	}
	failed := outs.Failures()
	assert.Len(t, failed, 1)
	assert.Equal(t, errors.KindAuth, failed["microsoft"].Kind)
	assert.True(t, outs["google"].OK())
}

func TestConfidenceClamp(t *testing.T) {
	assert.Equal(t, 1.0, *Confidence(1.7))
	assert.Equal(t, 0.0, *Confidence(-0.2))
	assert.Equal(t, 0.42, *Confidence(0.42))
}

func TestDescriptorSupports(t *testing.T) {
	d := ServiceDescriptor{Granularities: []Granularity{GranularityWord, GranularityLine}}
	assert.True(t, d.Supports(GranularityLine))
	assert.False(t, d.Supports(GranularityParagraph))

	img := &NormalizedImage{Services: []string{"google"}}
	assert.True(t, img.SizedFor("google"))
	assert.False(t, img.SizedFor("microsoft"))
}
