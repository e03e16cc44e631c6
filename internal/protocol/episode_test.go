package protocol

import "testing"

func TestEpisodeTracker_OneRequestPerEpisode(t *testing.T) {
	var tr episodeTracker

	tr.begin()
	if !tr.claimRequest() {
		t.Fatal("first claim in an episode should succeed")
	}
	tr.begin()
	if tr.claimRequest() {
		t.Error("second claim in the same episode should fail")
	}

	tr.end()
	tr.begin()
	if !tr.claimRequest() {
		t.Error("a new episode should claim its own request")
	}
}

func TestEpisodeTracker_FireAttribution(t *testing.T) {
	var tr episodeTracker

	// episode 1 requests, then completes
	tr.begin()
	tr.claimRequest()
	tr.end()

	// episode 2 requests and is still open, superseding episode 1's timer
	tr.begin()
	tr.claimRequest()

	if !tr.fire() {
		t.Fatal("fire after the open episode requested should be live")
	}
	if !tr.waiting() {
		t.Error("fire must not close the episode by itself")
	}
	if tr.fire() {
		t.Error("a second fire for the same request should be ignored")
	}
}

func TestEpisodeTracker_FireAfterEpisodeEnded(t *testing.T) {
	var tr episodeTracker

	tr.begin()
	tr.claimRequest()
	tr.end()

	if tr.fire() {
		t.Error("fire for a completed episode should be stale")
	}

	// the stale fire consumed nothing the next episode needs
	tr.begin()
	if !tr.claimRequest() {
		t.Fatal("next episode should claim its request")
	}
	if !tr.fire() {
		t.Error("fire for the next episode should be live")
	}
}

func TestEpisodeTracker_FireWithoutRequest(t *testing.T) {
	var tr episodeTracker
	if tr.fire() {
		t.Error("fire with nothing requested should be ignored")
	}

	tr.begin()
	if tr.fire() {
		t.Error("fire before the open episode requested should be ignored")
	}
}
