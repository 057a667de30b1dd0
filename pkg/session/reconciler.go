package session

// reconciler decides when the active assistant turn is complete. A turn ends
// once the server finished sending and local playback drained, in either order.
type reconciler struct {
	serverFinished bool
	// audioTurn is set once the turn received audio; its end is then announced
	// by audio-complete rather than stream-done.
	audioTurn bool
	finalText string

	pendingDone bool
	pendingText string

	// abandoned is set when the last turn was interrupted or failed. Audio the
	// server still had in flight for it is dropped until a new turn begins.
	abandoned bool
}

// markPendingDone records a stream-done signal. It takes effect in applyDone,
// which runs on the next loop tick.
func (r *reconciler) markPendingDone(finalText string) {
	r.pendingDone = true
	r.pendingText = finalText
}

// applyDone commits a pending stream-done and reports whether it did anything.
func (r *reconciler) applyDone() bool {
	if !r.pendingDone {
		return false
	}
	r.pendingDone = false
	if r.pendingText != "" {
		r.finalText = r.pendingText
	}
	r.pendingText = ""
	if !r.audioTurn {
		r.serverFinished = true
	}
	return true
}

func (r *reconciler) markAudio() {
	r.audioTurn = true
}

func (r *reconciler) markAudioComplete() {
	r.serverFinished = true
}

// ready reports whether the turn may be finalized given the queue state.
func (r *reconciler) ready(queueDrained bool) bool {
	return r.serverFinished && queueDrained
}

// reset clears the per-turn signals. An abandoned turn stays abandoned.
func (r *reconciler) reset() {
	*r = reconciler{abandoned: r.abandoned}
}

func (r *reconciler) begin() {
	*r = reconciler{}
}

func (r *reconciler) abandon() {
	*r = reconciler{abandoned: true}
}
