package tasks

// Result is the payload a completed job hands to the item that requested it.
// Both the poller and the reconciliation sweeper write this exact shape so
// consumers cannot tell how completion was discovered.
type Result struct {
	URL      string            `json:"url,omitempty"`
	AssetID  string            `json:"asset_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy of the result.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	out := &Result{URL: r.URL, AssetID: r.AssetID}
	if len(r.Metadata) > 0 {
		out.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// JobError describes a server-reported job failure.
type JobError struct {
	Message string `json:"message"`
	// Code is an optional machine-readable classification (e.g. "insufficient_credits").
	Code string `json:"code,omitempty"`
}

// StatusRecord is a snapshot of one job as reported by the status transport.
type StatusRecord struct {
	Status Status
	// Progress is a percentage in [0,100]. Transports may report regressions;
	// the poller never surfaces a decrease.
	Progress int
	Message  string
	// Result is set only when Status is StatusCompleted.
	Result *Result
	// Error is set only when Status is StatusFailed.
	Error *JobError
}

// ClampProgress bounds a raw progress percentage to [0,100] and rounds it.
func ClampProgress(p float64) int {
	switch {
	case p <= 0:
		return 0
	case p >= 100:
		return 100
	default:
		return int(p + 0.5)
	}
}

// CompletedItem is one entry of the authoritative list of finished items.
type CompletedItem struct {
	ItemID ItemID
	JobID  JobID
	Result Result
}
