package dto

import "github.com/ItsYash1421/CloseUs-sub000/internal/models"

// ExportRequest creates a new asynchronous export job.
type ExportRequest struct {
	Type       models.ExportType   `json:"type" validate:"required,oneof=couples"`
	Format     models.ExportFormat `json:"format" validate:"required,oneof=csv pdf"`
	PairedOnly bool                `json:"paired_only"`
}

// ExportJobResponse acknowledges job creation.
type ExportJobResponse struct {
	ID       string              `json:"id"`
	Status   models.ExportStatus `json:"status"`
	Progress int                 `json:"progress"`
}

// ExportStatusResponse reports job progress and the signed result URL.
type ExportStatusResponse struct {
	ID        string              `json:"id"`
	Status    models.ExportStatus `json:"status"`
	Progress  int                 `json:"progress"`
	ResultURL *string             `json:"result_url,omitempty"`
	Error     *string             `json:"error,omitempty"`
}
