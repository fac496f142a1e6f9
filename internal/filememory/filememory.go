// Package filememory deletes uploaded files from a scope, coordinating
// remote vector-store and file deletions with the local registry.
//
// Ordering is the whole point: remote deletions complete before the
// registry loses the record, so a crash mid-delete leaves a re-deletable
// record rather than an orphaned remote file.
package filememory

import (
	"context"
	"fmt"
	"time"

	"github.com/halohq/halo/internal/fileregistry"
	"github.com/halohq/halo/internal/retry"

	. "github.com/halohq/halo/internal/logging"
)

// Code classifies the outcome of a delete.
type Code string

const (
	CodeOK                 Code = "ok"
	CodeScopeNotFound      Code = "scope_not_found"
	CodeFileNotFound       Code = "file_not_found"
	CodeRemoteDeleteFailed Code = "remote_delete_failed"
)

// VectorStoreFileClient removes a file from a remote vector store.
// *openai.Client satisfies this.
type VectorStoreFileClient interface {
	DeleteVectorStoreFile(ctx context.Context, vectorStoreID, fileID string) error
}

// FileClient removes an uploaded file from remote storage.
// *openai.Client satisfies this.
type FileClient interface {
	DeleteFile(ctx context.Context, fileID string) error
}

// Result is the outcome of a single-file delete.
type Result struct {
	Code    Code   `json:"code"`
	Message string `json:"message,omitempty"`
	// Removed is the record that was deleted, when Code is ok.
	Removed *fileregistry.FileRecord `json:"removed,omitempty"`
}

// FileError is one failed file inside a purge.
type FileError struct {
	ScopeID string `json:"scopeId"`
	FileRef string `json:"fileRef"`
	Message string `json:"message"`
	AtMs    int64  `json:"atMs"`
}

// PurgeResult summarizes a whole-scope purge.
type PurgeResult struct {
	OK             bool        `json:"ok"`
	RemovedCount   int         `json:"removedCount"`
	RemainingCount int         `json:"remainingCount"`
	Errors         []FileError `json:"errors"`
}

// Deleter coordinates remote and local deletion for scope files.
type Deleter struct {
	registry    *fileregistry.Store
	vectorStore VectorStoreFileClient
	files       FileClient
	retry       retry.Config
}

// NewDeleter builds a deleter. vectorStore and files may be nil when no
// remote backend is configured; remote steps are then skipped.
func NewDeleter(registry *fileregistry.Store, vectorStore VectorStoreFileClient, files FileClient) *Deleter {
	return &Deleter{
		registry:    registry,
		vectorStore: vectorStore,
		files:       files,
		retry:       retry.DefaultConfig(),
	}
}

// Delete removes one file from a scope. fileRef may be any of the
// record's identifiers: telegramFileUniqueId, telegramFileId,
// openaiFileId or vectorStoreFileId. Remote deletions happen first; any
// remote failure leaves the registry untouched.
func (d *Deleter) Delete(ctx context.Context, scopeID, fileRef string, deleteOpenAIFile bool) Result {
	reg := d.registry.Read(scopeID)
	if reg == nil {
		return Result{Code: CodeScopeNotFound, Message: fmt.Sprintf("no registry for scope %s", scopeID)}
	}

	rec := findRecord(reg, fileRef)
	if rec == nil {
		return Result{Code: CodeFileNotFound, Message: fmt.Sprintf("no file matching %q in scope %s", fileRef, scopeID)}
	}

	if err := d.deleteRemote(ctx, reg, rec, deleteOpenAIFile); err != nil {
		L_warn("remote delete failed", "scope", scopeID, "file", rec.TelegramFileUniqueID, "error", err)
		return Result{Code: CodeRemoteDeleteFailed, Message: err.Error()}
	}

	removed, err := d.registry.Remove(scopeID, rec.TelegramFileUniqueID)
	if err != nil {
		return Result{Code: CodeRemoteDeleteFailed, Message: fmt.Sprintf("registry update: %v", err)}
	}
	if !removed {
		// Registry changed under us after the read; the record is gone
		// either way.
		return Result{Code: CodeFileNotFound, Message: fmt.Sprintf("record %s vanished before removal", rec.TelegramFileUniqueID)}
	}

	L_info("file deleted", "scope", scopeID, "file", rec.Filename, "uniqueId", rec.TelegramFileUniqueID)
	return Result{Code: CodeOK, Removed: rec}
}

// Purge deletes every file in a scope. Files that fail remotely are kept
// and reported; the purge continues past them.
func (d *Deleter) Purge(ctx context.Context, scopeID string, deleteOpenAIFiles bool) PurgeResult {
	reg := d.registry.Read(scopeID)
	if reg == nil {
		return PurgeResult{OK: true, Errors: []FileError{}}
	}

	res := PurgeResult{Errors: []FileError{}}
	for i := range reg.Files {
		rec := reg.Files[i]
		if err := d.deleteRemote(ctx, reg, &rec, deleteOpenAIFiles); err != nil {
			res.Errors = append(res.Errors, FileError{
				ScopeID: scopeID,
				FileRef: rec.TelegramFileUniqueID,
				Message: err.Error(),
				AtMs:    time.Now().UnixMilli(),
			})
			continue
		}
		if _, err := d.registry.Remove(scopeID, rec.TelegramFileUniqueID); err != nil {
			res.Errors = append(res.Errors, FileError{
				ScopeID: scopeID,
				FileRef: rec.TelegramFileUniqueID,
				Message: err.Error(),
				AtMs:    time.Now().UnixMilli(),
			})
			continue
		}
		res.RemovedCount++
	}

	if after := d.registry.Read(scopeID); after != nil {
		res.RemainingCount = len(after.Files)
	}
	res.OK = len(res.Errors) == 0
	return res
}

func (d *Deleter) deleteRemote(ctx context.Context, reg *fileregistry.Registry, rec *fileregistry.FileRecord, deleteOpenAIFile bool) error {
	if rec.VectorStoreFileID != "" && d.vectorStore != nil {
		if reg.VectorStoreID == "" {
			return fmt.Errorf("record %s has a vector store file but scope has no vector store id", rec.TelegramFileUniqueID)
		}
		err := retry.Do(ctx, d.retry, func() error {
			return d.vectorStore.DeleteVectorStoreFile(ctx, reg.VectorStoreID, rec.VectorStoreFileID)
		})
		if err != nil {
			return fmt.Errorf("delete vector store file %s: %w", rec.VectorStoreFileID, err)
		}
	}

	if deleteOpenAIFile && rec.OpenAIFileID != "" && d.files != nil {
		err := retry.Do(ctx, d.retry, func() error {
			return d.files.DeleteFile(ctx, rec.OpenAIFileID)
		})
		if err != nil {
			return fmt.Errorf("delete file %s: %w", rec.OpenAIFileID, err)
		}
	}
	return nil
}

func findRecord(reg *fileregistry.Registry, fileRef string) *fileregistry.FileRecord {
	for i := range reg.Files {
		f := &reg.Files[i]
		if f.TelegramFileUniqueID == fileRef ||
			f.TelegramFileID == fileRef ||
			(f.OpenAIFileID != "" && f.OpenAIFileID == fileRef) ||
			(f.VectorStoreFileID != "" && f.VectorStoreFileID == fileRef) {
			return f
		}
	}
	return nil
}
