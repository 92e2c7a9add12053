package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/recall"
)

func TestInputVerifierPassesTypedText(t *testing.T) {
	v := NewInputVerifier(0, zaptest.NewLogger(t))

	review, reason := v.Review(recall.InputText, &pipeline.Extraction{Text: "?", Confidence: 0})
	assert.False(t, review)
	assert.Empty(t, reason)

	review, _ = v.Review(recall.InputImage, nil)
	assert.False(t, review)
}

func TestInputVerifierCleanExtraction(t *testing.T) {
	v := NewInputVerifier(0.75, zaptest.NewLogger(t))

	review, reason := v.Review(recall.InputImage, &pipeline.Extraction{Text: "Solve 2x + 3 = 7 for x", Confidence: 0.93})
	assert.False(t, review)
	assert.Empty(t, reason)
}

func TestInputVerifierFlags(t *testing.T) {
	v := NewInputVerifier(0.75, zaptest.NewLogger(t))

	tests := []struct {
		name      string
		inputType recall.InputType
		ex        pipeline.Extraction
		contains  []string
	}{
		{
			name:      "low ocr confidence",
			inputType: recall.InputImage,
			ex:        pipeline.Extraction{Text: "Solve 2x + 3 = 7 for x", Confidence: 0.6},
			contains:  []string{"OCR confidence (60%) is below threshold (75%)"},
		},
		{
			name:      "low asr confidence",
			inputType: recall.InputAudio,
			ex:        pipeline.Extraction{Text: "what is twelve times eight", Confidence: 0.5},
			contains:  []string{"ASR confidence (50%)"},
		},
		{
			name:      "warnings and confirmation",
			inputType: recall.InputImage,
			ex:        pipeline.Extraction{Text: "Integrate x squared dx", Confidence: 0.9, Warnings: []string{"blurry", "skewed"}, NeedsConfirmation: true},
			contains:  []string{"Extraction warnings detected: blurry, skewed", "flagged content for confirmation"},
		},
		{
			name:      "short text",
			inputType: recall.InputImage,
			ex:        pipeline.Extraction{Text: "  x=2  ", Confidence: 0.99},
			contains:  []string{"too short"},
		},
		{
			name:      "mostly symbols",
			inputType: recall.InputImage,
			ex:        pipeline.Extraction{Text: "∫∑√≈≠±∞∂ab", Confidence: 0.99},
			contains:  []string{"special characters"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := tt.ex
			review, reason := v.Review(tt.inputType, &ex)
			assert.True(t, review)
			for _, want := range tt.contains {
				assert.Contains(t, reason, want)
			}
		})
	}
}

func TestInputVerifierJoinsReasons(t *testing.T) {
	v := NewInputVerifier(0.75, zaptest.NewLogger(t))

	_, reason := v.Review(recall.InputImage, &pipeline.Extraction{Text: "x", Confidence: 0.1})
	assert.Equal(t, "OCR confidence (10%) is below threshold (75%); Extracted text is too short (< 10 characters)", reason)
}
