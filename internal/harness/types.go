package harness

import "github.com/roach88/mutesync/internal/simnet"

// Trace event kinds.
const (
	EventLocal   = "local"
	EventApplied = "applied"
	EventQuery   = "query"
	EventReply   = "reply"
	EventDropped = "dropped"
	EventRestart = "restart"
)

// TraceEvent is one observable step of a run.
type TraceEvent struct {
	Seq  int64  `json:"seq"`
	Type string `json:"type"`
	Site int    `json:"site"`
	// To is the addressee of a reply or dropped message.
	To int `json:"to,omitempty"`
	// Dot is "site:clock" for local and dropped operation events.
	Dot string `json:"dot,omitempty"`
	// Count is the batch size of an applied event or the number of
	// operations carried by a reply.
	Count int `json:"count,omitempty"`
	// Intervals is the number of intervals carried by a reply.
	Intervals int `json:"intervals,omitempty"`
	// Message is the kind of a dropped message.
	Message string `json:"message,omitempty"`
}

// SiteSummary is a replica's final state.
type SiteSummary struct {
	Site       int         `json:"site"`
	Operations int         `json:"operations"`
	Pending    int         `json:"pending"`
	Vector     map[int]int `json:"vector"`
	Digest     string      `json:"digest"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	// Trace holds engine emissions and network drops in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains assertion failure messages.
	Errors []string `json:"errors,omitempty"`

	// Sites holds one summary per replica in site order.
	Sites []SiteSummary `json:"sites"`

	// Network counts message outcomes.
	Network simnet.Stats `json:"network"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) addTrace(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}

// Converged reports whether every replica holds the same content digest.
func (r *Result) Converged() bool {
	if len(r.Sites) == 0 {
		return true
	}
	for _, s := range r.Sites[1:] {
		if s.Digest != r.Sites[0].Digest {
			return false
		}
	}
	return true
}
