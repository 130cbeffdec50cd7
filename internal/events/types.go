package events

// Event types published during an archive run.
const (
	RunStarted      = "run.started"
	BatchStarted    = "batch.started"
	ActionProcessed = "action.processed"
	BatchCompleted  = "batch.completed"
	ActionDeleted   = "action.deleted"
	RunFinished     = "run.finished"
)

type RunStartedData struct {
	RunID       string `json:"run_id"`
	Destination string `json:"destination"`
	Total       int    `json:"total"`
	Batches     int    `json:"batches"`
	Workers     int    `json:"workers"`
}

type BatchData struct {
	Batch  int `json:"batch"`
	Size   int `json:"size"`
	Failed int `json:"failed,omitempty"`
}

type ActionData struct {
	ActionID  int64  `json:"action_id"`
	Issuer    string `json:"issuer,omitempty"`
	Batch     int    `json:"batch"`
	OK        bool   `json:"ok"`
	Error     string `json:"error,omitempty"`
	Processed int64  `json:"processed"`
	Total     int64  `json:"total"`
}

type DeleteData struct {
	ActionID int64  `json:"action_id"`
	OK       bool   `json:"ok"`
	Error    string `json:"error,omitempty"`
}

type RunFinishedData struct {
	RunID     string `json:"run_id"`
	Processed int    `json:"processed"`
	Failed    int    `json:"failed"`
	Deleted   int    `json:"deleted"`
	Error     string `json:"error,omitempty"`
}
