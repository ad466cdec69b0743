package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"manifold/internal/config"
	"manifold/internal/rag/model"
)

// UploadFile is one file in an admission batch.
type UploadFile struct {
	Filename string
	Data     []byte
}

// Admitter enforces §4.5's upload admission limits before a batch ever
// reaches the pipeline: file size, batch size, file count, and extension
// allow-list. Validation failures are reported per-file so a caller can
// admit the valid files in a batch while rejecting the rest.
type Admitter struct {
	Store Store
	Blobs Blobs
	Pipe  *Orchestrator
	Limits config.UploadConfig
}

func NewAdmitter(store Store, blobs Blobs, pipe *Orchestrator, limits config.UploadConfig) *Admitter {
	if limits.MaxFileSizeMB <= 0 {
		limits.MaxFileSizeMB = 50
	}
	if limits.MaxBatchSizeMB <= 0 {
		limits.MaxBatchSizeMB = 200
	}
	if limits.MaxFilesPerBatch <= 0 {
		limits.MaxFilesPerBatch = 20
	}
	if len(limits.AllowedExtensions) == 0 {
		limits.AllowedExtensions = []string{"pdf", "docx", "xlsx", "pptx", "txt", "md", "rtf", "png", "jpg", "jpeg"}
	}
	return &Admitter{Store: store, Blobs: blobs, Pipe: pipe, Limits: limits}
}

// AdmissionResult is the per-document outcome of admitting one file.
type AdmissionResult struct {
	Filename   string
	DocumentID string
	Err        error
}

// Admit validates and admits a batch of files for categoryID/uploaderID,
// creating a Document row and queuing EXTRACTION for each file that passes
// validation.
func (a *Admitter) Admit(ctx context.Context, files []UploadFile, categoryID, uploaderID string) ([]AdmissionResult, error) {
	if len(files) > a.Limits.MaxFilesPerBatch {
		return nil, model.Validation(fmt.Sprintf("batch exceeds max_files_per_batch=%d", a.Limits.MaxFilesPerBatch), nil)
	}
	var totalBytes int64
	for _, f := range files {
		totalBytes += int64(len(f.Data))
	}
	maxBatchBytes := int64(a.Limits.MaxBatchSizeMB) * 1024 * 1024
	if totalBytes > maxBatchBytes {
		return nil, model.Validation(fmt.Sprintf("batch exceeds max_batch_size_mb=%d", a.Limits.MaxBatchSizeMB), nil)
	}

	results := make([]AdmissionResult, 0, len(files))
	for _, f := range files {
		id, err := a.admitOne(ctx, f, categoryID, uploaderID)
		results = append(results, AdmissionResult{Filename: f.Filename, DocumentID: id, Err: err})
	}
	return results, nil
}

func (a *Admitter) admitOne(ctx context.Context, f UploadFile, categoryID, uploaderID string) (string, error) {
	maxFileBytes := int64(a.Limits.MaxFileSizeMB) * 1024 * 1024
	if int64(len(f.Data)) > maxFileBytes {
		return "", model.Validation(fmt.Sprintf("%s exceeds max_file_size_mb=%d", f.Filename, a.Limits.MaxFileSizeMB), nil)
	}
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(f.Filename), "."))
	if !a.extensionAllowed(ext) {
		return "", model.Validation(fmt.Sprintf("%s has disallowed extension %q", f.Filename, ext), nil)
	}

	sum := sha256.Sum256(f.Data)
	hash := hex.EncodeToString(sum[:])

	doc := model.Document{
		ID:               uuid.NewString(),
		OriginalFilename: f.Filename,
		ContentHash:      hash,
		SizeBytes:        int64(len(f.Data)),
		Extension:        ext,
		CategoryID:       categoryID,
		UploaderID:       uploaderID,
		Status:           model.DocumentPending,
		ProcessingStage:  model.StageValidation,
	}
	created, err := a.createDocument(ctx, doc)
	if err != nil {
		return "", err
	}
	if err := a.Blobs.Put(ctx, created.ID, f.Data); err != nil {
		return created.ID, model.Transient("store upload bytes failed", err)
	}
	if err := a.Pipe.Submit(ctx, created.ID); err != nil {
		return created.ID, err
	}
	return created.ID, nil
}

func (a *Admitter) extensionAllowed(ext string) bool {
	for _, allowed := range a.Limits.AllowedExtensions {
		if strings.EqualFold(allowed, ext) {
			return true
		}
	}
	return false
}

// createDocument delegates to Store's CreateDocument, typed narrowly here so
// Admitter doesn't need the full store.Store surface.
func (a *Admitter) createDocument(ctx context.Context, doc model.Document) (model.Document, error) {
	type creator interface {
		CreateDocument(ctx context.Context, d model.Document) (model.Document, error)
	}
	c, ok := a.Store.(creator)
	if !ok {
		return model.Document{}, model.Permanent("store does not support document creation", nil)
	}
	return c.CreateDocument(ctx, doc)
}
