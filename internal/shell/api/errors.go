package api

import (
	"errors"
	"net/http"

	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/core/domain"
	"github.com/marselnikolli/repo-deployer-v2-sub000/internal/shell/lifecycle"
)

// Error codes returned in ErrorResponse.Code.
const (
	CodeValidation              = "validation_error"
	CodeInvalidRepoPath         = "invalid_repo_path"
	CodeClassificationAmbiguous = "classification_ambiguous"
	CodePortExhausted           = "port_exhausted"
	CodePortConflict            = "port_conflict"
	CodePortOutOfRange          = "port_out_of_range"
	CodeArtifactGeneration      = "artifact_generation_failed"
	CodeEngineBuildFailed       = "engine_build_failed"
	CodeEngineStartFailed       = "engine_start_failed"
	CodeEngineStopFailed        = "engine_stop_failed"
	CodeEngineTimeout           = "engine_timeout"
	CodeNotFound                = "deployment_not_found"
	CodeInvalidTransition       = "invalid_transition"
	CodeScanDisabled            = "scan_disabled"
	CodeInternal                = "internal_error"
)

var errorStatus = []struct {
	err    error
	status int
	code   string
}{
	{lifecycle.ErrInvalidRepoPath, http.StatusBadRequest, CodeInvalidRepoPath},
	{domain.ErrClassificationAmbiguous, http.StatusUnprocessableEntity, CodeClassificationAmbiguous},
	{domain.ErrPortExhausted, http.StatusServiceUnavailable, CodePortExhausted},
	{domain.ErrPortConflict, http.StatusConflict, CodePortConflict},
	{domain.ErrPortOutOfRange, http.StatusUnprocessableEntity, CodePortOutOfRange},
	{domain.ErrArtifactGeneration, http.StatusUnprocessableEntity, CodeArtifactGeneration},
	{domain.ErrEngineTimeout, http.StatusGatewayTimeout, CodeEngineTimeout},
	{domain.ErrEngineBuildFailed, http.StatusBadGateway, CodeEngineBuildFailed},
	{domain.ErrEngineStartFailed, http.StatusBadGateway, CodeEngineStartFailed},
	{domain.ErrEngineStopFailed, http.StatusBadGateway, CodeEngineStopFailed},
	{domain.ErrRecordNotFound, http.StatusNotFound, CodeNotFound},
	{domain.ErrInvalidTransition, http.StatusConflict, CodeInvalidTransition},
	{lifecycle.ErrReposRootUnset, http.StatusNotImplemented, CodeScanDisabled},
}

// statusFor maps an operation error to its HTTP status and code. The message
// is the collaborator's text when the error carries one.
func statusFor(err error) (int, string, string) {
	msg := err.Error()
	var opErr *lifecycle.OperationError
	if errors.As(err, &opErr) && opErr.Message != "" {
		msg = opErr.Message
	}

	for _, e := range errorStatus {
		if errors.Is(err, e.err) {
			return e.status, e.code, msg
		}
	}
	return http.StatusInternalServerError, CodeInternal, msg
}
