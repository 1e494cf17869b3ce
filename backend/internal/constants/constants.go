package constants

import "time"

// Prompt names. They key audit records and label model-call metrics.
const (
	PromptMirror     = "mirror.normalize"
	PromptLandmarks  = "broker.landmarks"
	PromptMatching   = "matching" // suffixed with the landmark kind
	PromptClaims     = "broker.claims"
	PromptRefinement = "refinement"
	PromptHighLevel  = "high_level_analysis"
)

// Mirror constants
const (
	// MaxMirrorTags caps the tags kept from a normalization reply
	MaxMirrorTags = 8
)

// Lens constants
const (
	// MainLensTitle names the lens AdvanceAnalysis creates and reuses per user
	MainLensTitle = "main"
)

// Detached run constants
const (
	// DetachedRunTimeout bounds a background catch-up when no pipeline timeout is configured
	DetachedRunTimeout = 10 * time.Minute
)
