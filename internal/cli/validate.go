package cli

import (
	"errors"
	"os"
	"path/filepath"

	"github.com/fpang/mirage/internal/cloak"
	"github.com/fpang/mirage/internal/service"
	"github.com/rs/zerolog/log"
)

// ValidateAndResolveFile checks that the path exists and is a regular file,
// then returns the absolute path. Exits fatally on failure.
func ValidateAndResolveFile(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			log.Fatal().Str("path", path).Msg("File not found")
		}
		log.Fatal().Err(err).Str("path", path).Msg("Failed to access file")
	}
	if info.IsDir() {
		log.Fatal().Str("path", path).Msg("Path is a directory")
	}

	absPath, err := filepath.Abs(path)
	if err == nil {
		path = absPath
	}
	return path
}

// ExitCode maps an error to the process exit status: 2 for validation
// problems, 3 when the service could not be reached or refused the request,
// 4 when its reply could not be understood.
func ExitCode(err error) int {
	var cerr *cloak.Error
	if !errors.As(err, &cerr) {
		return 1
	}
	return ExitCodeForKind(cerr.Kind.String())
}

// ExitCodeForKind is ExitCode for a failure already reduced to its kind name.
func ExitCodeForKind(kind string) int {
	switch kind {
	case cloak.KindValidation.String():
		return 2
	case cloak.KindTransport.String():
		return 3
	case cloak.KindInterpretation.String():
		return 4
	default:
		return 1
	}
}

// HandleCloakError logs err with messaging suited to its kind and exits.
func HandleCloakError(err error) {
	var cerr *cloak.Error
	if !errors.As(err, &cerr) {
		log.Error().Err(err).Msg("Unexpected error")
		os.Exit(1)
	}

	switch cerr.Kind {
	case cloak.KindValidation:
		log.Error().Msg(cerr.Message)
	case cloak.KindTransport:
		var se *service.StatusError
		if errors.As(err, &se) {
			log.Error().
				Int("statusCode", se.StatusCode).
				Str("serverMessage", se.Message).
				Msg("Cloaking service rejected the request")
		} else {
			log.Error().Err(err).Msg("Could not reach the cloaking service. Is it running?")
		}
	case cloak.KindInterpretation:
		log.Error().Err(err).Msg("Cloaking service returned a response that could not be read")
	default:
		log.Error().Err(err).Msg("Cloaking failed")
	}
	os.Exit(ExitCode(err))
}
