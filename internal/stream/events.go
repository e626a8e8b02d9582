package stream

// Stage is a named phase of server-side batch processing, in pipeline
// order.
type Stage string

const (
	StageUploading         Stage = "uploading"
	StageExtracting        Stage = "extracting"
	StageOrganizingQR      Stage = "organizing_qr"
	StageProcessingSheets  Stage = "processing_sheets"
	StageCollectingResults Stage = "collecting_results"
	StageGeneratingCSV     Stage = "generating_csv"
	StageLoadingDatabase   Stage = "loading_database"
	StageCleanup           Stage = "cleanup"
	StageCompleted         Stage = "completed"
	StageFailed            Stage = "failed"
)

func (s Stage) Known() bool {
	switch s {
	case StageUploading, StageExtracting, StageOrganizingQR, StageProcessingSheets,
		StageCollectingResults, StageGeneratingCSV, StageLoadingDatabase,
		StageCleanup, StageCompleted, StageFailed:
		return true
	}
	return false
}

// Terminal reports whether no further events follow this stage.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// ProgressEvent is one point-in-time snapshot pushed by the server.
type ProgressEvent struct {
	Stage           Stage   `json:"stage"`
	Message         string  `json:"message,omitempty"`
	Progress        float64 `json:"progress"`
	SheetsTotal     int     `json:"sheets_total,omitempty"`
	SheetsProcessed int     `json:"sheets_processed,omitempty"`
	ElapsedSeconds  float64 `json:"elapsed_seconds,omitempty"`
	Timestamp       string  `json:"timestamp,omitempty"`
	Error           string  `json:"error,omitempty"`
}
