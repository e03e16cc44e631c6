package protocol

// episodeTracker tracks waiting episodes and attributes timeout fires to
// the episode that requested them.
//
// Only the most recent request is live. A provider that arms a new timer
// supersedes the earlier one, so a fire always answers the latest request.
type episodeTracker struct {
	// current is the id of the open episode, zero when not waiting.
	current uint64

	// lastID is the most recently allocated episode id.
	lastID uint64

	// requestedFor is the episode that issued the latest request, zero
	// once that request has fired.
	requestedFor uint64
}

// begin opens a new episode unless one is already open.
func (t *episodeTracker) begin() {
	if t.current != 0 {
		return
	}
	t.lastID++
	t.current = t.lastID
}

// claimRequest reports whether the open episode still needs its timeout
// request, and records the request if so.
func (t *episodeTracker) claimRequest() bool {
	if t.current == 0 || t.requestedFor == t.current {
		return false
	}
	t.requestedFor = t.current
	return true
}

// end closes the open episode. A request it issued becomes stale.
func (t *episodeTracker) end() {
	t.current = 0
}

// waiting reports whether an episode is open.
func (t *episodeTracker) waiting() bool {
	return t.current != 0
}

// fire consumes the latest request and reports whether it belongs to the
// episode that is still open.
func (t *episodeTracker) fire() bool {
	id := t.requestedFor
	t.requestedFor = 0
	return id != 0 && id == t.current
}
