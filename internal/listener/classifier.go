package listener

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/MrWong99/contextengine/pkg/provider/vad"
)

// Classifier turns VAD events into a binary speech decision per frame.
type Classifier struct {
	session vad.SessionHandle
	errs    atomic.Int64
}

// NewClassifier wraps a VAD session. The session is not owned: Close is the
// caller's responsibility.
func NewClassifier(session vad.SessionHandle) *Classifier {
	return &Classifier{session: session}
}

// Classify reports whether frame contains speech. A VAD error never stops
// capture: it is logged and the frame counts as silence.
func (c *Classifier) Classify(frame []byte) bool {
	ev, err := c.session.ProcessFrame(frame)
	if err != nil {
		c.errs.Add(1)
		slog.Warn("listener: frame classified as silence",
			"err", fmt.Errorf("%w: %w", ErrClassifier, err),
			"bytes", len(frame),
		)
		return false
	}
	return ev.IsSpeech()
}

// Errors returns the number of frames that failed classification.
func (c *Classifier) Errors() int64 {
	return c.errs.Load()
}
