package models

// AnalysisParams are the analysis options sent with an upload and echoed back
// by the backend
type AnalysisParams struct {
	GridSquareSize             float64 `json:"grid_square_size"`
	IncludeVisualizations      bool    `json:"include_visualizations"`
	IncludeColorAnalysis       *bool   `json:"include_color_analysis,omitempty"`
	IncludeLateralLineAnalysis *bool   `json:"include_lateral_line_analysis,omitempty"`
}

// DefaultAnalysisParams mirrors the backend defaults
func DefaultAnalysisParams() AnalysisParams {
	return AnalysisParams{
		GridSquareSize:        1.0,
		IncludeVisualizations: true,
	}
}

// UploadedFile describes one file the backend accepted
type UploadedFile struct {
	OriginalFilename string `json:"original_filename"`
	SavedFilename    string `json:"saved_filename"`
	FilePath         string `json:"file_path"`
	FileSize         int64  `json:"file_size"`
	UploadTime       string `json:"upload_time"`
}

// FailedFile describes one file that was not accepted
type FailedFile struct {
	Filename string `json:"filename"`
	Error    string `json:"error"`
}

// UploadResponse acknowledges a single image upload
type UploadResponse struct {
	Status         string         `json:"status"`
	Message        string         `json:"message"`
	FileInfo       UploadedFile   `json:"file_info"`
	AnalysisParams AnalysisParams `json:"analysis_params"`
	NextStep       string         `json:"next_step"`
}

// PollTarget returns the identifier to hand to the analysis endpoint next
func (r *UploadResponse) PollTarget() string {
	return r.FileInfo.FilePath
}

// BatchUploadSummary counts the outcome of a batch upload
type BatchUploadSummary struct {
	TotalFiles        int `json:"total_files"`
	SuccessfulUploads int `json:"successful_uploads"`
	FailedUploads     int `json:"failed_uploads"`
}

// BatchUploadResponse acknowledges a multi-image upload
type BatchUploadResponse struct {
	Status         string             `json:"status"`
	Message        string             `json:"message"`
	BatchID        string             `json:"batch_id"`
	UploadedFiles  []UploadedFile     `json:"uploaded_files"`
	FailedFiles    []FailedFile       `json:"failed_files"`
	AnalysisParams AnalysisParams     `json:"analysis_params"`
	NextStep       string             `json:"next_step"`
	Summary        BatchUploadSummary `json:"summary"`
}

// PollTarget returns the batch identifier to poll
func (r *BatchUploadResponse) PollTarget() string {
	return r.BatchID
}

// FilePaths lists the backend paths of every uploaded file
func (r *BatchUploadResponse) FilePaths() []string {
	paths := make([]string, 0, len(r.UploadedFiles))
	for _, f := range r.UploadedFiles {
		paths = append(paths, f.FilePath)
	}
	return paths
}

// AnalysisRequest triggers analysis of one uploaded image
type AnalysisRequest struct {
	ImagePath                  string  `json:"image_path" binding:"required"`
	GridSquareSizeInches       float64 `json:"grid_square_size_inches,omitempty"`
	IncludeVisualizations      bool    `json:"include_visualizations"`
	IncludeColorAnalysis       bool    `json:"include_color_analysis"`
	IncludeLateralLineAnalysis bool    `json:"include_lateral_line_analysis"`
}

// BatchAnalysisRequest triggers analysis of several uploaded images
type BatchAnalysisRequest struct {
	Images                []string `json:"images" binding:"required,min=1,max=100"`
	GridSquareSizeInches  float64  `json:"grid_square_size_inches,omitempty"`
	IncludeVisualizations bool     `json:"include_visualizations"`
	BatchID               string   `json:"batch_id,omitempty"`
}

// BatchStartResponse is returned when a batch analysis is queued
type BatchStartResponse struct {
	Message        string   `json:"message"`
	BatchID        string   `json:"batch_id"`
	TotalImages    int      `json:"total_images"`
	InvalidImages  []string `json:"invalid_images"`
	StatusCheckURL string   `json:"status_check_url"`
}

// CancelResponse acknowledges a batch cancellation
type CancelResponse struct {
	Message string `json:"message"`
	BatchID string `json:"batch_id"`
	Status  string `json:"status"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message,omitempty"`
}

// SignInRequest carries the credential pair
type SignInRequest struct {
	Email  string `json:"email" binding:"required"`
	Secret string `json:"secret" binding:"required"`
}

// SessionResponse describes the current session state
type SessionResponse struct {
	State     string     `json:"state"`
	Principal *Principal `json:"principal,omitempty"`
	IsAdmin   bool       `json:"is_admin"`
}

// ResultsQuery selects a page of batch member results
type ResultsQuery struct {
	Page         int            `form:"page" json:"page"`
	PerPage      int            `form:"per_page" json:"per_page"`
	StatusFilter AnalysisStatus `form:"status" json:"status_filter,omitempty"`
	SortBy       string         `form:"sort_by" json:"sort_by"`
	SortOrder    string         `form:"sort_order" json:"sort_order"`
	Search       string         `form:"search" json:"search,omitempty"`
}

// PaginationMeta describes the position of a page
type PaginationMeta struct {
	TotalItems   int  `json:"total_items"`
	ItemsPerPage int  `json:"items_per_page"`
	CurrentPage  int  `json:"current_page"`
	TotalPages   int  `json:"total_pages"`
	HasNext      bool `json:"has_next"`
	HasPrevious  bool `json:"has_previous"`
	NextPage     *int `json:"next_page,omitempty"`
	PreviousPage *int `json:"previous_page,omitempty"`
}

// PaginatedResults wraps a page of results
type PaginatedResults struct {
	Items      []FishAnalysisResult `json:"items"`
	Pagination PaginationMeta       `json:"pagination"`
}
