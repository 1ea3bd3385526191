package model

import "errors"

// Error taxonomy shared by every feed component. Callers match with errors.Is.
var (
	// ErrSymbolNotFound indicates that no resolve fallback stage matched.
	ErrSymbolNotFound = errors.New("symbol not found")

	// ErrUnsupportedResolution indicates a resolution outside the interval table.
	ErrUnsupportedResolution = errors.New("unsupported resolution")

	// ErrParse indicates a malformed symbol string.
	ErrParse = errors.New("malformed symbol")

	// ErrNetwork indicates a REST failure or timeout.
	ErrNetwork = errors.New("network error")

	// ErrTimeout accompanies ErrNetwork when a REST request exceeded its deadline.
	ErrTimeout = errors.New("request timed out")

	// ErrStream indicates a streaming transport error or a send on a closed stream.
	ErrStream = errors.New("stream error")

	// ErrOutOfOrder indicates a streaming event older than the channel's last bar.
	ErrOutOfOrder = errors.New("bar time went backwards")
)
