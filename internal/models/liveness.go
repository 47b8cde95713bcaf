package models

type EngineStatus string

const (
	EngineSuccess  EngineStatus = "SUCCESS"
	EngineFailed   EngineStatus = "FAILED"
	EngineExpired  EngineStatus = "EXPIRED"
	EngineNotFound EngineStatus = "NOT_FOUND"
	EnginePending  EngineStatus = "PENDING"
)

// ReferenceFrame is an opaque pointer to a captured frame plus the engine's
// confidence in it. Raw pixels never leave the biometric adapter.
type ReferenceFrame struct {
	Handle     string
	Confidence float64
}

// LivenessResult is the view of a finished liveness session.
type LivenessResult struct {
	EngineSessionID string
	EngineStatus    EngineStatus
	IsLive          bool
	Confidence      float64
	Candidates      []ReferenceFrame
}

// BestFrame returns the highest-confidence candidate. Ties keep the earlier
// frame.
func (r *LivenessResult) BestFrame() (ReferenceFrame, bool) {
	if len(r.Candidates) == 0 {
		return ReferenceFrame{}, false
	}
	best := r.Candidates[0]
	for _, c := range r.Candidates[1:] {
		if c.Confidence > best.Confidence {
			best = c
		}
	}
	return best, true
}

// Passes applies the liveness policy: SUCCESS, live, and confidence at or
// above threshold.
func (r *LivenessResult) Passes(threshold float64) bool {
	return r.EngineStatus == EngineSuccess && r.IsLive && r.Confidence >= threshold
}

// FaceMatch is one search hit against the template collection.
type FaceMatch struct {
	FaceReferenceID string
	ExternalID      string
	Similarity      float64
}
