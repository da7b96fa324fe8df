package instrument

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mattdarbro/loop-symphony/pkg/models"
	"github.com/mattdarbro/loop-symphony/pkg/tool"
)

// imageAnalyzer is the narrow interface Vision needs from the reasoning
// tool's vision capability.
type imageAnalyzer interface {
	AnalyzeImage(ctx context.Context, prompt, mediaType, base64Data string) (string, error)
}

// Vision consumes image attachments (base64 or URL) and answers a query
// about them, up to 3 iterations: one describe pass plus up to two
// refinement passes when confidence is weak.
type Vision struct {
	vision              imageAnalyzer
	maxIter             int
	confidenceThreshold float64
}

// NewVision resolves the "vision" capability from the registry.
func NewVision(registry *tool.Registry, opts ...Option) (*Vision, error) {
	resolved, err := registry.Resolve([]string{"vision"}, nil)
	if err != nil {
		return nil, err
	}
	v, ok := resolved["vision"].(imageAnalyzer)
	if !ok {
		return nil, &tool.CapabilityError{Capability: "vision", Err: errorString("resolved vision tool does not implement AnalyzeImage")}
	}
	o := resolveOptions(opts)
	return &Vision{
		vision:              v,
		maxIter:             o.maxIterationsOr(3),
		confidenceThreshold: o.confidenceThresholdOr(0.7),
	}, nil
}

func (v *Vision) Name() string                   { return "vision" }
func (v *Vision) RequiredCapabilities() []string  { return []string{"vision"} }
func (v *Vision) OptionalCapabilities() []string  { return nil }
func (v *Vision) MaxIterations() int              { return v.maxIter }
func (v *Vision) ProcessType() models.ProcessType { return models.ProcessSemiAutonomic }

// Execute finds the first parsable image attachment and asks the vision
// capability about it. With no parsable attachment it exits on iteration
// zero with a bounded outcome and no tool calls, per spec §4.2.
func (v *Vision) Execute(ctx context.Context, query string, ec ExecutionContext) (models.InstrumentResult, error) {
	checkpoint := EnsureCheckpoint(ec)

	att, ok := firstParsableAttachment(ec.Request)
	if !ok {
		return models.InstrumentResult{
			Summary:    "no parsable image attachment found",
			Confidence: 0,
			Outcome:    models.OutcomeBounded,
		}, nil
	}

	mediaType, data, err := decodeAttachment(att)
	if err != nil {
		return models.InstrumentResult{
			Summary:    fmt.Sprintf("could not decode image attachment: %v", err),
			Confidence: 0,
			Outcome:    models.OutcomeBounded,
		}, nil
	}

	var (
		analysis   string
		confidence float64
	)
	for iter := 1; iter <= v.MaxIterations(); iter++ {
		start := time.Now()
		prompt := query
		if iter > 1 {
			prompt = fmt.Sprintf("Look more closely and refine your previous answer %q to: %s", analysis, query)
		}
		analysis, err = v.vision.AnalyzeImage(ctx, prompt, mediaType, data)
		duration := time.Since(start).Milliseconds()
		checkpoint(ctx, iter, "vision", prompt, analysis, duration)
		if err != nil {
			return models.InstrumentResult{
				Summary:    fmt.Sprintf("vision analysis failed: %v", err),
				Confidence: 0,
				Outcome:    models.OutcomeBounded,
			}, nil
		}
		confidence = confidenceFromAnswer(analysis)
		if confidence >= v.confidenceThreshold {
			break
		}
	}

	outcome := models.OutcomeBounded
	if confidence >= v.confidenceThreshold {
		outcome = models.OutcomeComplete
	}
	return models.InstrumentResult{
		Findings: []models.Finding{{
			Content:    analysis,
			Source:     "vision",
			Confidence: confidence,
			Timestamp:  time.Now(),
		}},
		Summary:    analysis,
		Confidence: confidence,
		Outcome:    outcome,
	}, nil
}

func firstParsableAttachment(rc *models.RequestContext) (models.Attachment, bool) {
	if rc == nil {
		return models.Attachment{}, false
	}
	for _, att := range rc.Attachments {
		if att.Base64 != "" || att.URL != "" {
			return att, true
		}
	}
	return models.Attachment{}, false
}

// decodeAttachment resolves an attachment to (mediaType, base64Data).
// Base64-supplied attachments are used directly; URL attachments are
// rejected with an error and never reach the vision capability —
// fetching arbitrary caller-supplied URLs is a server-side request
// forgery surface out of scope for this loop.
func decodeAttachment(att models.Attachment) (mediaType, data string, err error) {
	if att.Base64 != "" {
		mediaType = att.Kind
		if mediaType == "" {
			mediaType = "image/jpeg"
		}
		return mediaType, att.Base64, nil
	}
	if strings.HasPrefix(att.URL, "http") {
		return "", "", fmt.Errorf("fetching remote image URLs is not supported; supply base64")
	}
	return "", "", fmt.Errorf("unrecognized attachment")
}
