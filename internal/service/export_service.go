package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ItsYash1421/CloseUs-sub000/internal/dto"
	"github.com/ItsYash1421/CloseUs-sub000/internal/models"
	"github.com/ItsYash1421/CloseUs-sub000/internal/repository"
	appErrors "github.com/ItsYash1421/CloseUs-sub000/pkg/errors"
	"github.com/ItsYash1421/CloseUs-sub000/pkg/export"
	"github.com/ItsYash1421/CloseUs-sub000/pkg/jobs"
	"github.com/ItsYash1421/CloseUs-sub000/pkg/storage"
)

type exportJobStore interface {
	Create(ctx context.Context, job *models.ExportJob) error
	GetByID(ctx context.Context, id string) (*models.ExportJob, error)
	Update(ctx context.Context, id string, params repository.UpdateExportJobParams) error
	ListFinishedBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.ExportJob, error)
}

type coupleLister interface {
	ListPaired(ctx context.Context, limit int) ([]models.Couple, error)
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

// ExportServiceConfig governs result retention.
type ExportServiceConfig struct {
	ResultTTL   time.Duration
	DownloadURL string
}

// ExportDownload aggregates resolved download data.
type ExportDownload struct {
	File      *os.File
	Filename  string
	Format    models.ExportFormat
	ExpiresAt time.Time
}

// ExportService orchestrates asynchronous couples exports: job lifecycle,
// dataset rendering, file storage and signed download tokens.
type ExportService struct {
	repo     exportJobStore
	couples  coupleLister
	queue    jobDispatcher
	csv      *export.CSVExporter
	pdf      *export.PDFExporter
	files    *storage.LocalStorage
	signer   *storage.SignedURLSigner
	validate *validator.Validate
	logger   *zap.Logger
	cfg      ExportServiceConfig
}

// NewExportService constructs the export service.
func NewExportService(repo exportJobStore, couples coupleLister, queue jobDispatcher, files *storage.LocalStorage, signer *storage.SignedURLSigner, validate *validator.Validate, logger *zap.Logger, cfg ExportServiceConfig) *ExportService {
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if cfg.DownloadURL == "" {
		cfg.DownloadURL = "/api/v1/exports/download"
	}
	return &ExportService{
		repo:     repo,
		couples:  couples,
		queue:    queue,
		csv:      export.NewCSVExporter(),
		pdf:      export.NewPDFExporter(),
		files:    files,
		signer:   signer,
		validate: validate,
		logger:   logger,
		cfg:      cfg,
	}
}

// CreateJob validates the request, persists the job, and enqueues processing.
func (s *ExportService) CreateJob(ctx context.Context, req dto.ExportRequest, actorID string) (*dto.ExportJobResponse, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid export request")
	}
	job := &models.ExportJob{
		Type:      req.Type,
		Params:    models.ExportJobParams{Format: req.Format, PairedOnly: req.PairedOnly},
		Status:    models.ExportStatusQueued,
		Progress:  0,
		CreatedBy: actorID,
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create export job")
	}
	if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: string(job.Type)}); err != nil {
		status := models.ExportStatusFailed
		msg := "failed to enqueue job"
		now := time.Now().UTC()
		progress := 100
		_ = s.repo.Update(ctx, job.ID, repository.UpdateExportJobParams{
			Status:       &status,
			Progress:     &progress,
			ErrorMessage: &msg,
			FinishedAt:   &now,
		})
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue export job")
	}
	return &dto.ExportJobResponse{ID: job.ID, Status: job.Status, Progress: job.Progress}, nil
}

// GetStatus exposes job metadata, enforcing ownership.
func (s *ExportService) GetStatus(ctx context.Context, id, actorID string) (*dto.ExportStatusResponse, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load export job")
	}
	if job.CreatedBy != actorID {
		return nil, appErrors.ErrForbidden
	}
	resp := &dto.ExportStatusResponse{
		ID:       job.ID,
		Status:   job.Status,
		Progress: job.Progress,
	}
	if job.ResultURL != nil {
		resp.ResultURL = job.ResultURL
	}
	if job.ErrorMessage != nil && *job.ErrorMessage != "" {
		resp.Error = job.ErrorMessage
	}
	return resp, nil
}

// ResolveDownload validates a signed token and opens the stored file.
func (s *ExportService) ResolveDownload(ctx context.Context, token string) (*ExportDownload, error) {
	jobID, relPath, expiresAt, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token")
	}
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load export job")
	}
	if job.ResultURL == nil || !strings.HasSuffix(*job.ResultURL, token) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "token mismatch")
	}
	file, err := s.files.Open(relPath)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "export file no longer available")
	}
	return &ExportDownload{
		File:      file,
		Filename:  relPath,
		Format:    job.Params.Format,
		ExpiresAt: expiresAt,
	}, nil
}

// Process is the queue handler for a single export job.
func (s *ExportService) Process(ctx context.Context, queued jobs.Job) error {
	job, err := s.repo.GetByID(ctx, queued.ID)
	if err != nil {
		return fmt.Errorf("load export job %s: %w", queued.ID, err)
	}
	if job.Status == models.ExportStatusFinished {
		return nil
	}

	processing := models.ExportStatusProcessing
	progress := 10
	if err := s.repo.Update(ctx, job.ID, repository.UpdateExportJobParams{Status: &processing, Progress: &progress}); err != nil {
		return fmt.Errorf("mark export job processing: %w", err)
	}

	data, err := s.buildCouplesDataset(ctx)
	if err != nil {
		return s.fail(ctx, job.ID, err)
	}

	var payload []byte
	switch job.Params.Format {
	case models.ExportFormatPDF:
		payload, err = s.pdf.Render(data)
	default:
		payload, err = s.csv.Render(data)
	}
	if err != nil {
		return s.fail(ctx, job.ID, err)
	}

	filename := fmt.Sprintf("couples/%s_%s.%s", job.ID, time.Now().UTC().Format("20060102_150405"), job.Params.Format)
	relPath, err := s.files.Save(filename, payload)
	if err != nil {
		return s.fail(ctx, job.ID, err)
	}

	token, _, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		return s.fail(ctx, job.ID, err)
	}

	finished := models.ExportStatusFinished
	done := 100
	now := time.Now().UTC()
	resultURL := s.cfg.DownloadURL + "?token=" + token
	if err := s.repo.Update(ctx, job.ID, repository.UpdateExportJobParams{
		Status:     &finished,
		Progress:   &done,
		ResultURL:  &resultURL,
		FinishedAt: &now,
	}); err != nil {
		return fmt.Errorf("finalize export job: %w", err)
	}

	s.logger.Info("export job finished", zap.String("job_id", job.ID), zap.String("file", relPath))
	return nil
}

// Cleanup deletes stored files for finished jobs past the retention window.
func (s *ExportService) Cleanup(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.cfg.ResultTTL)
	stale, err := s.repo.ListFinishedBefore(ctx, cutoff, 100)
	if err != nil {
		return err
	}
	for _, job := range stale {
		if job.ResultURL == nil {
			continue
		}
		token := (*job.ResultURL)[strings.LastIndex(*job.ResultURL, "=")+1:]
		_, relPath, _, err := s.signer.Parse(token, true)
		if err != nil {
			s.logger.Warn("skipping cleanup for unparsable token", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		if err := s.files.Delete(relPath); err != nil {
			s.logger.Warn("failed to delete stale export file", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		empty := ""
		_ = s.repo.Update(ctx, job.ID, repository.UpdateExportJobParams{ResultURL: &empty})
	}
	return nil
}

func (s *ExportService) fail(ctx context.Context, jobID string, cause error) error {
	failed := models.ExportStatusFailed
	progress := 100
	now := time.Now().UTC()
	msg := cause.Error()
	if err := s.repo.Update(ctx, jobID, repository.UpdateExportJobParams{
		Status:       &failed,
		Progress:     &progress,
		ErrorMessage: &msg,
		FinishedAt:   &now,
	}); err != nil {
		s.logger.Error("failed to mark export job failed", zap.String("job_id", jobID), zap.Error(err))
	}
	return cause
}

func (s *ExportService) buildCouplesDataset(ctx context.Context) (export.Dataset, error) {
	couples, err := s.couples.ListPaired(ctx, 0)
	if err != nil {
		return export.Dataset{}, err
	}
	rows := make([]map[string]string, 0, len(couples))
	for _, c := range couples {
		partner2 := ""
		if c.Partner2ID != nil {
			partner2 = *c.Partner2ID
		}
		startDate := ""
		if c.StartDate != nil {
			startDate = c.StartDate.Format("2006-01-02")
		}
		rows = append(rows, map[string]string{
			"Couple ID":  c.ID,
			"Tag":        c.CoupleTag,
			"Partner 1":  c.Partner1ID,
			"Partner 2":  partner2,
			"Start Date": startDate,
			"Paired At":  c.UpdatedAt.Format("2006-01-02 15:04"),
		})
	}
	dataset := export.Dataset{
		Title:       "Paired Couples",
		GeneratedAt: time.Now().UTC(),
		Headers:     []string{"Couple ID", "Tag", "Partner 1", "Partner 2", "Start Date", "Paired At"},
		Rows:        rows,
	}
	return dataset, nil
}
