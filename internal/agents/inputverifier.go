package agents

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/solver/internal/pipeline"
	"github.com/Kocoro-lab/Shannon/go/solver/internal/recall"
)

const (
	// DefaultExtractionConfidence is the OCR/ASR confidence below which input needs review.
	DefaultExtractionConfidence = 0.75
	minExtractedLength          = 10
	maxSpecialRatio             = 0.5
)

// InputVerifier judges OCR and speech-to-text extraction quality before parsing.
// Typed text always passes.
type InputVerifier struct {
	threshold float64
	logger    *zap.Logger
}

func NewInputVerifier(threshold float64, logger *zap.Logger) *InputVerifier {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultExtractionConfidence
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InputVerifier{threshold: threshold, logger: logger}
}

func (v *InputVerifier) Review(inputType recall.InputType, ex *pipeline.Extraction) (bool, string) {
	if inputType == recall.InputText || inputType == "" || ex == nil {
		return false, ""
	}

	var reasons []string
	source := "OCR"
	if inputType == recall.InputAudio {
		source = "ASR"
	}
	if ex.Confidence < v.threshold {
		reasons = append(reasons, fmt.Sprintf("%s confidence (%.0f%%) is below threshold (%.0f%%)",
			source, ex.Confidence*100, v.threshold*100))
	}
	if len(ex.Warnings) > 0 {
		reasons = append(reasons, "Extraction warnings detected: "+strings.Join(ex.Warnings, ", "))
	}
	if ex.NeedsConfirmation {
		reasons = append(reasons, "Extractor flagged content for confirmation")
	}

	text := strings.TrimSpace(ex.Text)
	if utf8.RuneCountInString(text) < minExtractedLength {
		reasons = append(reasons, fmt.Sprintf("Extracted text is too short (< %d characters)", minExtractedLength))
	}
	if specialRatio(text) > maxSpecialRatio {
		reasons = append(reasons, "High ratio of special characters detected")
	}

	if len(reasons) == 0 {
		return false, ""
	}
	reason := strings.Join(reasons, "; ")
	v.logger.Warn("Extraction needs human review",
		zap.String("input_type", string(inputType)),
		zap.Float64("confidence", ex.Confidence),
		zap.String("reason", reason),
	)
	return true, reason
}

func specialRatio(text string) float64 {
	total, special := 0, 0
	for _, r := range text {
		total++
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && !unicode.IsSpace(r) {
			special++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(special) / float64(total)
}
