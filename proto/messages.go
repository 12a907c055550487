package proto

// Messages of the cordguard.WorkerService. Field names match the HTTP
// gateway's JSON bodies so both transports share one schema.

type RegisterWorkerRequest struct {
	HWID       string `json:"hwid"`
	SignedHWID string `json:"signed_hwid"`
	PublicIP   string `json:"public_ip,omitempty"`
}

type RegisterWorkerResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Created bool   `json:"created"`
}

type RequestMissionRequest struct {
	SignedHWID string `json:"signed_hwid"`
	HWID       string `json:"hwid,omitempty"`
}

type MissionResponse struct {
	MissionID   string `json:"mission_id"`
	AnalysisID  string `json:"analysis_id"`
	FileFullURL string `json:"file_full_url"`
	Recovered   bool   `json:"recovered"`
}

type SubmitResultRequest struct {
	AnalysisID         string `json:"analysis_id"`
	SignedHWID         string `json:"signed_hwid"`
	HWID               string `json:"hwid,omitempty"`
	Status             string `json:"status,omitempty"`
	Type               string `json:"type"`
	Webhook            string `json:"webhook"`
	IsValidWebhook     bool   `json:"is_valid_webhook"`
	IsPyInstaller      bool   `json:"is_pyinstaller"`
	PyInstallerVersion string `json:"pyinstaller_version"`
	IsUPXPacked        bool   `json:"is_upx_packed"`
	PythonVersion      string `json:"python_version"`
}

type SubmitResultResponse struct {
	AnalysisID string `json:"analysis_id"`
	Status     string `json:"status"`
	Message    string `json:"message"`
}

type GetStatusRequest struct {
	AnalysisID string `json:"analysis_id"`
}

// StatusResponse carries Results and FileData only for completed analyses.
type StatusResponse struct {
	AnalysisID string      `json:"analysis_id"`
	Status     string      `json:"status"`
	Message    string      `json:"message"`
	Results    *ResultView `json:"results,omitempty"`
	FileData   *FileView   `json:"file_data,omitempty"`
}

// ResultView is the client projection of a stored result. It never carries
// the worker's signed hwid.
type ResultView struct {
	AnalysisID         string `json:"analysis_id"`
	MissionID          string `json:"mission_id"`
	Status             string `json:"status"`
	Type               string `json:"type"`
	Webhook            string `json:"webhook"`
	IsValidWebhook     bool   `json:"is_valid_webhook"`
	IsPyInstaller      bool   `json:"is_pyinstaller"`
	PyInstallerVersion string `json:"pyinstaller_version"`
	IsUPXPacked        bool   `json:"is_upx_packed"`
	PythonVersion      string `json:"python_version"`
}

// FileView is the client-safe projection of a file record; it omits the
// storage location.
type FileView struct {
	FileHash      string `json:"file_hash"`
	FileName      string `json:"file_name"`
	FileExtension string `json:"file_extension"`
	FileSize      int64  `json:"file_size"`
	FileType      string `json:"file_type"`
	Similarity    string `json:"similarity_digest,omitempty"`
}
