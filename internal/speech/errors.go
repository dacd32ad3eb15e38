package speech

import "errors"

// Failure classes surfaced to the host. Cache read problems degrade to a
// miss and cache write problems are logged and swallowed; neither appears
// here.
var (
	// ErrSynthesis covers engine synthesis failures and sink write failures;
	// fatal for the request, partial output is discarded.
	ErrSynthesis = errors.New("speech synthesis failed")
	// ErrConversion covers sample rate conversion failures; same cleanup
	// guarantee as ErrSynthesis.
	ErrConversion = errors.New("sample rate conversion failed")
)
