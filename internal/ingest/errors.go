package ingest

import (
	"errors"

	"alarmguard/internal/parser"
)

var (
	ErrHashFailure         = errors.New("content hash failed")
	ErrLockContention      = errors.New("content lock held by another worker")
	ErrDuplicateContent    = errors.New("content already imported")
	ErrFormatRejected      = errors.New("attachment type rejected by provider")
	ErrProfileNotConfident = errors.New("no confident profile match")
	ErrParserFailure       = errors.New("parser failure")
	ErrProcessingCrash     = errors.New("processing crashed")
)

// OutcomeFor maps a pipeline error to the acknowledgement it deserves.
func OutcomeFor(err error) Outcome {
	var perr *parser.ParserError
	switch {
	case err == nil:
		return OutcomeSuccess
	case errors.Is(err, ErrLockContention):
		return OutcomeSkipped
	case errors.Is(err, ErrDuplicateContent):
		return OutcomeDuplicate
	case errors.Is(err, ErrFormatRejected):
		return OutcomeIgnored
	case errors.Is(err, ErrProfileNotConfident):
		return OutcomeUnmatched
	case errors.Is(err, ErrProcessingCrash):
		return OutcomeRetry
	case errors.Is(err, ErrHashFailure), errors.Is(err, ErrParserFailure), errors.As(err, &perr):
		return OutcomeError
	}
	return OutcomeRetry
}
