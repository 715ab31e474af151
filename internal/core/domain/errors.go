package domain

import "errors"

// =============================================================================
// Error Taxonomy
// =============================================================================

// Every failure surfaced by the lifecycle layer wraps exactly one of these.
var (
	ErrClassificationAmbiguous = errors.New("stack could not be classified")
	ErrPortExhausted           = errors.New("no free port in range")
	ErrPortConflict            = errors.New("port already in use")
	ErrPortOutOfRange          = errors.New("port outside configured range")
	ErrArtifactGeneration      = errors.New("artifact generation failed")
	ErrEngineBuildFailed       = errors.New("image build failed")
	ErrEngineStartFailed       = errors.New("container start failed")
	ErrEngineStopFailed        = errors.New("container stop failed")
	ErrEngineTimeout           = errors.New("container engine timed out")
	ErrRecordNotFound          = errors.New("deployment not found")
	ErrInvalidTransition       = errors.New("invalid status transition")
)
