package router

// Stage is a step in the per-request routing state machine, surfaced in the
// decision log and metrics.
type Stage string

const (
	StageReceived  Stage = "RECEIVED"
	StageEmbedded  Stage = "EMBEDDED"
	StageScored    Stage = "SCORED"
	StageDecided   Stage = "DECIDED"
	StageAmbiguous Stage = "AMBIGUOUS"
	StageResponded Stage = "RESPONDED"
)

// ContextHint carries optional request context used by the override rules.
type ContextHint struct {
	Locale    string `json:"locale,omitempty"`
	GeoRegion string `json:"geo_region,omitempty"`
	UserRole  string `json:"user_role,omitempty"`
}

// Request is one inbound utterance to classify. Ephemeral: it lives for the
// duration of the decision and is only persisted through the decision log.
type Request struct {
	Utterance string      `json:"utterance"`
	ThreadID  string      `json:"thread_id"`
	Context   ContextHint `json:"context_hint"`
}

// Decision is the immutable, append-only outcome of routing one request.
type Decision struct {
	Route      string  `json:"route"`
	Confidence float64 `json:"confidence"`
	Ambiguous  bool    `json:"ambiguous"`
	// Candidates holds the top two routes when the outcome is ambiguous.
	Candidates []string `json:"candidates,omitempty"`
	// Unmatched is set when even the best route fell below the global
	// minimum confidence: the lead-capture trigger, as opposed to a close
	// tie that only needs user disambiguation.
	Unmatched    bool   `json:"unmatched,omitempty"`
	ModelVersion string `json:"model_version"`
	// Path records how the decision was reached: "rule" or "semantic".
	Path             string  `json:"path"`
	ShadowRoute      string  `json:"shadow_route,omitempty"`
	ShadowConfidence float64 `json:"shadow_confidence,omitempty"`
	LatencyMS        int64   `json:"latency_ms"`
}
