package listener

import "errors"

var (
	// ErrAlreadyListening is returned by [Controller.Start] unless the
	// controller is stopped.
	ErrAlreadyListening = errors.New("listener: already listening")

	// ErrClosed is returned by [Controller.Start] after [Controller.Close].
	ErrClosed = errors.New("listener: controller closed")

	// ErrClassifier wraps VAD failures. It is only ever logged: the frame is
	// treated as silence and capture continues.
	ErrClassifier = errors.New("listener: classifier error")

	// ErrCallback wraps failures and panics of the transcript callback. It is
	// only ever logged.
	ErrCallback = errors.New("listener: callback error")

	// ErrSourceNotConfigured is returned when no capture device is configured
	// for the requested source tag.
	ErrSourceNotConfigured = errors.New("listener: source not configured")
)
