package controller

import (
	"streamdiarize/asr"
	"streamdiarize/diarize"
)

// minVotingFrames is the minimum number of frames a segment must overlap
// before its own vote is trusted (§4.6 item 4); below this it inherits the
// previous segment's speaker at low confidence.
const minVotingFrames = 3

// lowConfidenceFloor marks an inherited/fallback assignment as low
// confidence for the purposes of reclassification's low-confidence rule.
const lowConfidenceFloor = 0.2

// AssignSpeaker implements the segment-to-speaker voting procedure of
// §4.6, satisfying asr.SpeakerVoter. It is called from the worker thread
// only, at hold/emit decision time.
func (c *Controller) AssignSpeaker(tStartMs, tEndMs int64) (int, float32) {
	if !c.diarizationActive() {
		return asr.UnknownSpeaker, 0
	}

	frames := c.analyzer.GetFramesInRange(tStartMs, tEndMs)
	if len(frames) < minVotingFrames {
		return c.lastSpeakerID, lowConfidenceFloor
	}

	allUnassigned := true
	for _, f := range frames {
		if f.SpeakerID != diarize.UnassignedSpeaker {
			allUnassigned = false
			break
		}
	}
	if allUnassigned {
		// No clustering pass has touched these frames yet. Per §4.6 item 2,
		// fall back to a simpler online assignment: nearest-centroid match
		// the segment's own (already-computed) frame embeddings against
		// whatever clusters the most recent clustering pass produced, rather
		// than giving up to UNKNOWN outright. Only truly early in the
		// session, before any clustering pass has ever run, is there no
		// cluster to match against.
		if len(c.clusters) == 0 {
			return asr.UnknownSpeaker, 0.1
		}
		avg := averageFrameVectors(frames)
		id, sim := diarize.NearestCluster(avg, c.clusters)
		if id == diarize.UnassignedSpeaker {
			return asr.UnknownSpeaker, 0.1
		}
		confidence := sim
		if confidence < 0 {
			confidence = 0
		}
		return id, confidence
	}

	counts := make(map[int]int, 4)
	for _, f := range frames {
		if f.SpeakerID == diarize.UnassignedSpeaker {
			continue
		}
		counts[f.SpeakerID]++
	}

	maxVotes := 0
	for _, n := range counts {
		if n > maxVotes {
			maxVotes = n
		}
	}

	// Tie-break toward the most recently spoken cluster: scan frames from
	// the end and take the first whose vote count equals the max.
	winner := asr.UnknownSpeaker
	for i := len(frames) - 1; i >= 0; i-- {
		id := frames[i].SpeakerID
		if id != diarize.UnassignedSpeaker && counts[id] == maxVotes {
			winner = id
			break
		}
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	confidence := float32(0)
	if total > 0 {
		confidence = float32(maxVotes) / float32(total)
	}
	return winner, confidence
}

// averageFrameVectors returns the elementwise mean of frames' embedding
// vectors, the "segment's own embedding" stand-in used by AssignSpeaker's
// early-session fallback (§4.6 item 2): the frames already carry per-hop
// embeddings for this span, so there is no need to re-extract raw audio.
func averageFrameVectors(frames []diarize.Frame) []float32 {
	if len(frames) == 0 {
		return nil
	}
	dim := len(frames[0].Vector)
	sum := make([]float64, dim)
	for _, f := range frames {
		for i, x := range f.Vector {
			if i >= dim {
				break
			}
			sum[i] += float64(x)
		}
	}
	out := make([]float32, dim)
	for i, s := range sum {
		out[i] = float32(s / float64(len(frames)))
	}
	return out
}

// runReclassification walks non-finalized segments and applies the three
// detection rules of §4.6, batching results into one ReclassificationEvent
// per (old, new, reason) tuple. Called from the worker thread, with the
// segment timeline already up to date from the latest clustering pass.
func (c *Controller) runReclassification(nowMs int64) {
	if !c.cfg.EnableReclassification {
		return
	}

	type change struct {
		id  int64
		old int
	}
	batches := make(map[[3]int][]change) // key: {old, new, reasonIndex}
	reasonNames := []ReclassificationReason{ReasonIsolatedChunk, ReasonLowConfidence, ReasonBetterContext}

	windowStart := nowMs - c.cfg.ReclassificationWindowMs

	c.snapMu.Lock()

	record := func(idx int, newID int, reason int) {
		seg := &c.segments[idx]
		if seg.IsFinalized || seg.SpeakerID == newID {
			return
		}
		key := [3]int{seg.SpeakerID, newID, reason}
		batches[key] = append(batches[key], change{id: seg.ID, old: seg.SpeakerID})
		seg.SpeakerID = newID
	}

	for i := range c.segments {
		seg := &c.segments[i]
		if seg.IsFinalized || seg.TEndMs < windowStart {
			continue
		}

		// Isolated chunk: [A, B, A] -> reassign B to A.
		if i > 0 && i < len(c.segments)-1 {
			prev, next := c.segments[i-1], c.segments[i+1]
			if prev.SpeakerID == next.SpeakerID && seg.SpeakerID != prev.SpeakerID &&
				prev.SpeakerID != asr.UnknownSpeaker {
				record(i, prev.SpeakerID, 0)
				continue
			}
		}

		// Low-confidence correction: low-confidence segment immediately
		// followed by a high-confidence opposite-speaker segment.
		if i < len(c.segments)-1 {
			next := c.segments[i+1]
			if seg.Confidence < 0.5 && next.Confidence >= 0.9 && next.SpeakerID != seg.SpeakerID &&
				next.SpeakerID != asr.UnknownSpeaker {
				record(i, next.SpeakerID, 1)
				continue
			}
		}

		// Better context: re-vote against the now-clustered frame history;
		// if the winner changed, reassign.
		newID, confidence := c.AssignSpeaker(seg.TStartMs, seg.TEndMs)
		if newID != asr.UnknownSpeaker && newID != seg.SpeakerID {
			seg.Confidence = confidence
			record(i, newID, 2)
		}
	}
	c.snapMu.Unlock()

	for key, changes := range batches {
		ids := make([]int64, len(changes))
		for i, ch := range changes {
			ids[i] = ch.id
		}
		c.snapMu.Lock()
		c.metrics.Reclassifications += int64(len(changes))
		c.snapMu.Unlock()
		c.subs.fireReclassification(ReclassificationEvent{
			ChunkIDs:     ids,
			OldSpeakerID: key[0],
			NewSpeakerID: key[1],
			Reason:       reasonNames[key[2]],
		})
	}
}

// finalizeSegments marks every segment older than reclassification_window_ms
// (or, if force is true, every segment) as finalized. Finalization locks
// text, timing, and speaker (the stricter reading of the two documented in
// §9's open question, adopted since §8 item 7 requires it).
func (c *Controller) finalizeSegments(nowMs int64, force bool) {
	cutoff := nowMs - c.cfg.ReclassificationWindowMs
	c.snapMu.Lock()
	defer c.snapMu.Unlock()
	for i := range c.segments {
		if c.segments[i].IsFinalized {
			continue
		}
		if force || c.segments[i].TEndMs < cutoff {
			c.segments[i].IsFinalized = true
		}
	}
}
