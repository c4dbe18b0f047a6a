package boundary

import (
	"context"
	"errors"
	"net/http"

	"ideaforge/pkg/artifact"
	"ideaforge/pkg/assembler"
	"ideaforge/pkg/provider"
	"ideaforge/pkg/review"
	"ideaforge/pkg/stage"
)

// errorBody is the wire shape of every boundary error.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// codeFor maps an engine error onto its stable boundary code and HTTP
// status. Codes are part of the interface contract; clients switch on
// them, not on messages.
//
//nolint:gocyclo // Exhaustive taxonomy mapping
func codeFor(err error) (string, int) {
	switch {
	case errors.Is(err, stage.ErrArgumentInvalid),
		errors.Is(err, artifact.ErrOutOfRange),
		errors.Is(err, review.ErrInvalidDecision):
		return "ArgumentInvalid", http.StatusBadRequest
	case errors.Is(err, artifact.ErrNotFound),
		errors.Is(err, review.ErrNotFound),
		errors.Is(err, artifact.ErrStageMismatch):
		return "NotFound", http.StatusNotFound
	case errors.Is(err, artifact.ErrAlreadyInProgress):
		return "AlreadyInProgress", http.StatusConflict
	case errors.Is(err, assembler.ErrPrerequisiteMissing),
		errors.Is(err, artifact.ErrParentNotApproved):
		return "PrerequisiteMissing", http.StatusConflict
	case errors.Is(err, artifact.ErrNotApproved):
		return "NotApproved", http.StatusConflict
	case errors.Is(err, assembler.ErrInstructionInvalid):
		return "InstructionInvalid", http.StatusInternalServerError
	case errors.Is(err, assembler.ErrBudgetExceeded):
		return "ArgumentInvalid", http.StatusBadRequest
	case errors.Is(err, stage.ErrParse):
		return "ParseError", http.StatusUnprocessableEntity
	case errors.Is(err, review.ErrConflict):
		return "ReviewConflict", http.StatusConflict
	case errors.Is(err, review.ErrTimeout):
		return "Timeout", http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "Cancelled", http.StatusGatewayTimeout
	}

	var pe *provider.Error
	if errors.As(err, &pe) {
		return pe.Kind.String(), providerStatus(pe.Kind)
	}
	return "InternalError", http.StatusInternalServerError
}

func providerStatus(kind provider.Kind) int {
	switch kind {
	case provider.KindTimeout, provider.KindCancelled:
		return http.StatusGatewayTimeout
	case provider.KindRateLimited:
		return http.StatusTooManyRequests
	case provider.KindUnavailable, provider.KindBusy:
		return http.StatusServiceUnavailable
	case provider.KindBadRequest:
		return http.StatusBadRequest
	case provider.KindAuth, provider.KindProvider, provider.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusBadGateway
	}
}
