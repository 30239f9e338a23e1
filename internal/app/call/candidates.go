package call

import (
	"github.com/dkeye/Call/internal/domain"
	"github.com/pion/webrtc/v4"
)

// candidateQueue holds remote ICE candidates until the remote description is
// applied. It is flushed exactly once; after that push reports false and the
// caller applies candidates directly.
type candidateQueue struct {
	items   []webrtc.ICECandidateInit
	flushed bool
}

func (q *candidateQueue) push(c webrtc.ICECandidateInit) bool {
	if q.flushed {
		return false
	}
	q.items = append(q.items, c)
	return true
}

// drain returns the queued candidates in arrival order and closes the queue.
func (q *candidateQueue) drain() []webrtc.ICECandidateInit {
	if q.flushed {
		return nil
	}
	q.flushed = true
	out := q.items
	q.items = nil
	return out
}

func (q *candidateQueue) clear() {
	q.items = nil
	q.flushed = true
}

func (q *candidateQueue) len() int { return len(q.items) }

func toInit(c domain.ICECandidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func fromInit(c webrtc.ICECandidateInit) domain.ICECandidate {
	return domain.ICECandidate{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
