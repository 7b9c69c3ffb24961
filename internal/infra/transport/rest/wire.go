package rest

import (
	"github.com/ahrav/renderwatch/internal/domain/tasks"
)

// Route templates shared by the client and the job server.
const (
	RouteTaskStatus     = "/api/tasks/{id}/status"
	RouteCompletedItems = "/api/scopes/{scope}/completed"
	RouteSubmitItem     = "/api/scopes/{scope}/items/{item}/jobs"
	RouteSubmitCombine  = "/api/scopes/{scope}/combine"
	RouteHealth         = "/v1/health"
)

// ResultBody is the produced artifact of a finished job.
type ResultBody struct {
	URL      string            `json:"url,omitempty"`
	AssetID  string            `json:"asset_id,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ErrorBody is a server-reported failure.
type ErrorBody struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// StatusResponse is the body of a task status read. Progress is a float
// percentage.
type StatusResponse struct {
	TaskID   string      `json:"task_id"`
	Status   string      `json:"status"`
	Progress float64     `json:"progress"`
	Message  string      `json:"message,omitempty"`
	Result   *ResultBody `json:"result,omitempty"`
	Error    *ErrorBody  `json:"error,omitempty"`
}

// CompletedItemBody is one entry of the authoritative completed list.
type CompletedItemBody struct {
	ItemID string     `json:"item_id"`
	TaskID string     `json:"task_id"`
	Result ResultBody `json:"result"`
}

// CompletedItemsResponse lists a scope's completed items.
type CompletedItemsResponse struct {
	Items []CompletedItemBody `json:"items"`
}

// SubmitItemRequest carries generation parameters.
type SubmitItemRequest struct {
	Params map[string]string `json:"params,omitempty"`
}

// CombineRequest names the items to combine.
type CombineRequest struct {
	ItemIDs []string `json:"item_ids"`
}

// SubmitResponse acknowledges a submission.
type SubmitResponse struct {
	TaskID string `json:"task_id"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewResultBody converts a domain result for the wire.
func NewResultBody(r *tasks.Result) *ResultBody {
	if r == nil {
		return nil
	}
	c := r.Clone()
	return &ResultBody{URL: c.URL, AssetID: c.AssetID, Metadata: c.Metadata}
}

// ToResult converts a wire result back to the domain.
func (b *ResultBody) ToResult() *tasks.Result {
	if b == nil {
		return nil
	}
	return (&tasks.Result{URL: b.URL, AssetID: b.AssetID, Metadata: b.Metadata}).Clone()
}

// NewStatusResponse converts a status record for the wire.
func NewStatusResponse(id tasks.JobID, rec *tasks.StatusRecord) StatusResponse {
	resp := StatusResponse{
		TaskID:   id.String(),
		Status:   statusLabel(rec.Status),
		Progress: float64(rec.Progress),
		Message:  rec.Message,
		Result:   NewResultBody(rec.Result),
	}
	if rec.Error != nil {
		resp.Error = &ErrorBody{Message: rec.Error.Message, Code: rec.Error.Code}
	}
	return resp
}

// ToRecord converts a status body to a domain record.
func (s StatusResponse) ToRecord() *tasks.StatusRecord {
	rec := &tasks.StatusRecord{
		Status:   tasks.ParseStatus(s.Status),
		Progress: tasks.ClampProgress(s.Progress),
		Message:  s.Message,
		Result:   s.Result.ToResult(),
	}
	if s.Error != nil {
		rec.Error = &tasks.JobError{Message: s.Error.Message, Code: s.Error.Code}
	}
	return rec
}

// statusLabel renders the backend's lower-case vocabulary.
func statusLabel(s tasks.Status) string {
	switch s {
	case tasks.StatusPending:
		return "pending"
	case tasks.StatusRunning:
		return "processing"
	case tasks.StatusCompleted:
		return "completed"
	case tasks.StatusFailed:
		return "failed"
	default:
		return "not_found"
	}
}
