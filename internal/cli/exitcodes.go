package cli

import (
	"errors"

	"github.com/oqs-tools/pqsetup/internal/build"
	"github.com/oqs-tools/pqsetup/internal/deps"
	"github.com/oqs-tools/pqsetup/internal/fetch"
	"github.com/oqs-tools/pqsetup/internal/keys"
	"github.com/oqs-tools/pqsetup/internal/pipeline"
	"github.com/oqs-tools/pqsetup/internal/render"
	"github.com/oqs-tools/pqsetup/internal/service"
)

// Exit codes are part of the scripting contract and must stay stable;
// they are documented in the usage text.
const (
	ExitOK         = 0
	ExitGeneric    = 1
	ExitUsage      = 2
	ExitValidation = 3
	ExitFetch      = 4
	ExitBuild      = 5
	ExitConfig     = 6
	ExitKeygen     = 7
	ExitService    = 8
)

// ExitCodeFor maps an error to its stable exit code by failure category.
func ExitCodeFor(err error) int {
	var exitErr *ExitError

	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &exitErr):
		return exitErr.Code
	case errors.Is(err, deps.ErrValidation), errors.Is(err, pipeline.ErrLocked):
		return ExitValidation
	case errors.Is(err, fetch.ErrFetchFailed):
		return ExitFetch
	case errors.Is(err, build.ErrBuild), errors.Is(err, build.ErrArtifactMissing):
		return ExitBuild
	case errors.Is(err, render.ErrUnresolvedPlaceholder), errors.Is(err, render.ErrValidationCommand):
		return ExitConfig
	case errors.Is(err, keys.ErrKeygen):
		return ExitKeygen
	case errors.Is(err, service.ErrServiceStart):
		return ExitService
	default:
		return ExitGeneric
	}
}
