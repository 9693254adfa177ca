// Package store implements the persistent store (C5): atomic read/write of
// per-workflow state documents, and enumeration for crash recovery.
//
// Writes follow the teacher's temp-file + rename discipline (see
// internal/persistence in the reference repo): a write produces a sibling
// temporary file, fsyncs it, then renames over the target so a reader never
// observes a half-written document (§4.5).
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/raymondcli/raymond/internal/tracing"
	"github.com/raymondcli/raymond/internal/workflow/model"
)

// Store is a filesystem-backed implementation of C5, one JSON document per
// workflow id under a root directory.
type Store struct {
	rootDir string
}

// New creates a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, model.NewStateFileError(err, "failed to create store directory %q", dir)
	}
	return &Store{rootDir: dir}, nil
}

func (s *Store) pathFor(id string) string {
	return filepath.Join(s.rootDir, id+".json")
}

// Read returns the latest committed document for id, or a StateFileError
// when it is missing, unreadable or corrupt.
func (s *Store) Read(id string) (*model.Workflow, error) {
	b, err := os.ReadFile(s.pathFor(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, model.NewStateFileError(err, "workflow %q not found", id)
		}
		return nil, model.NewStateFileError(err, "failed to read workflow %q", id)
	}
	var doc model.Workflow
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, model.NewStateFileError(err, "workflow %q document is corrupt", id)
	}
	return &doc, nil
}

// Write atomically replaces the document for doc.WorkflowID. Each write
// opens a span under the "raymond/store" tracer (§4.14), recording the
// outcome.
func (s *Store) Write(doc *model.Workflow) (err error) {
	_, span := tracing.Tracer("raymond/store").Start(context.Background(), "store.Write",
		trace.WithAttributes(attribute.String("workflow_id", doc.WorkflowID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return model.NewStateFileError(err, "failed to marshal workflow %q", doc.WorkflowID)
	}

	target := s.pathFor(doc.WorkflowID)
	tmp, err := os.CreateTemp(s.rootDir, "."+doc.WorkflowID+".*.tmp")
	if err != nil {
		return model.NewStateFileError(err, "failed to create temp file for workflow %q", doc.WorkflowID)
	}
	tmpPath := tmp.Name()
	// On any failure path below, remove the temp file so a half-written
	// sibling never lingers; the previously committed document is
	// untouched until the rename succeeds.
	cleanup := func() { os.Remove(tmpPath) }

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		cleanup()
		return model.NewStateFileError(err, "failed to write workflow %q", doc.WorkflowID)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return model.NewStateFileError(err, "failed to fsync workflow %q", doc.WorkflowID)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return model.NewStateFileError(err, "failed to close temp file for workflow %q", doc.WorkflowID)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		cleanup()
		return model.NewStateFileError(err, "failed to commit workflow %q", doc.WorkflowID)
	}
	return nil
}

// List enumerates ids of persisted workflows (used by recovery).
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.rootDir)
	if err != nil {
		return nil, model.NewStateFileError(err, "failed to list store directory")
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

// Delete removes the document after successful workflow completion.
func (s *Store) Delete(id string) error {
	if err := os.Remove(s.pathFor(id)); err != nil && !os.IsNotExist(err) {
		return model.NewStateFileError(err, "failed to delete workflow %q", id)
	}
	return nil
}

// RecoveryDiagnostic describes one workflow skipped during recovery because
// its document could not be read or its scope directory no longer exists.
type RecoveryDiagnostic struct {
	WorkflowID string
	ScopeDir   string
	Reason     string
}

// Recover enumerates the store and returns the set of resumable documents,
// skipping (with a diagnostic) any that cannot be read or whose scope
// directory is gone (§4.5).
func (s *Store) Recover() ([]*model.Workflow, []RecoveryDiagnostic, error) {
	ids, err := s.List()
	if err != nil {
		return nil, nil, err
	}
	var docs []*model.Workflow
	var diags []RecoveryDiagnostic
	for _, id := range ids {
		doc, err := s.Read(id)
		if err != nil {
			diags = append(diags, RecoveryDiagnostic{WorkflowID: id, Reason: err.Error()})
			continue
		}
		if _, statErr := os.Stat(doc.ScopeDir); statErr != nil {
			diags = append(diags, RecoveryDiagnostic{
				WorkflowID: doc.WorkflowID,
				ScopeDir:   doc.ScopeDir,
				Reason:     fmt.Sprintf("scope directory no longer exists: %v", statErr),
			})
			continue
		}
		docs = append(docs, doc)
	}
	return docs, diags, nil
}
