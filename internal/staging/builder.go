// Package staging converts a tenant's records into newline-delimited JSON
// documents in the layout the indexing service imports, and owns the local
// file they are written to until it is uploaded.
package staging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/internal/batch"
	apperrors "github.com/Adithya-Monish-Kumar-K/tenant-search-pipeline/pkg/errors"
)

// Duplicate-id policies.
const (
	DuplicatesOverwrite = "overwrite"
	DuplicatesReject    = "reject"
)

// Document is one line of a staged file.
type Document struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	StructData map[string]any `json:"structData"`
}

// File is a staged artifact on local disk. Callers must Remove it once it has
// been uploaded or the step has failed.
type File struct {
	Path       string
	TenantKey  string
	Documents  int
	Duplicates int
}

// Remove deletes the staged file. Removing an already-deleted file succeeds.
func (f *File) Remove() error {
	if err := os.Remove(f.Path); err != nil && !os.IsNotExist(err) {
		return apperrors.Newf(apperrors.ErrIO, http.StatusInternalServerError, "removing staged file %s: %v", f.Path, err)
	}
	return nil
}

// Builder writes staged files into a directory.
type Builder struct {
	dir        string
	duplicates string
	logger     *slog.Logger
}

func NewBuilder(dir string, duplicatePolicy string) *Builder {
	if duplicatePolicy == "" {
		duplicatePolicy = DuplicatesOverwrite
	}
	return &Builder{
		dir:        dir,
		duplicates: duplicatePolicy,
		logger:     slog.Default().With("component", "staging-builder"),
	}
}

// Documents maps a group's records to staging documents in group order.
// When two records sanitize to the same id the later record replaces the
// earlier one in place; under the reject policy the collision is an error.
func (b *Builder) Documents(group batch.TenantGroup) ([]Document, int, error) {
	docs := make([]Document, 0, len(group.Records))
	pos := make(map[string]int, len(group.Records))
	duplicates := 0
	for _, rec := range group.Records {
		doc := Document{
			ID:         SanitizeID(rec.Timestamp),
			Content:    rec.Message,
			StructData: rec.Fields,
		}
		if doc.ID == "" {
			return nil, 0, apperrors.Newf(apperrors.ErrMalformedInput, http.StatusBadRequest,
				"tenant %s: record has an empty document id", group.Key)
		}
		if i, ok := pos[doc.ID]; ok {
			if b.duplicates == DuplicatesReject {
				return nil, 0, apperrors.Newf(apperrors.ErrMalformedInput, http.StatusBadRequest,
					"tenant %s: duplicate document id %q", group.Key, doc.ID)
			}
			docs[i] = doc
			duplicates++
			continue
		}
		pos[doc.ID] = len(docs)
		docs = append(docs, doc)
	}
	return docs, duplicates, nil
}

// Build stages group into <dir>/<runID>-<slug>.jsonl. The run id keeps
// concurrent runs and successive tenants from sharing a path.
func (b *Builder) Build(runID string, group batch.TenantGroup) (*File, error) {
	docs, duplicates, err := b.Documents(group)
	if err != nil {
		return nil, err
	}
	if duplicates > 0 {
		b.logger.Warn("duplicate document ids overwritten",
			"tenant", group.Key,
			"duplicates", duplicates,
		)
	}

	if err := os.MkdirAll(b.dir, 0o755); err != nil {
		return nil, ioError("creating staging directory", err)
	}
	path := filepath.Join(b.dir, fmt.Sprintf("%s-%s.jsonl", runID, Slug(group.Key)))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return nil, ioError("creating staged file", err)
	}
	staged := &File{Path: path, TenantKey: group.Key, Documents: len(docs), Duplicates: duplicates}

	if err := writeDocuments(f, docs); err != nil {
		f.Close()
		_ = staged.Remove()
		return nil, ioError("writing staged file", err)
	}
	if err := f.Close(); err != nil {
		_ = staged.Remove()
		return nil, ioError("closing staged file", err)
	}
	b.logger.Debug("staged file written",
		"tenant", group.Key,
		"path", path,
		"documents", len(docs),
	)
	return staged, nil
}

func writeDocuments(f *os.File, docs []Document) error {
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	for _, doc := range docs {
		// Encode appends the newline, so the file ends with one.
		if err := enc.Encode(doc); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func ioError(action string, err error) error {
	return apperrors.Newf(apperrors.ErrIO, http.StatusInternalServerError, "%s: %v", action, err)
}

// SanitizeID replaces every character outside [A-Za-z0-9_-] with '_'. It is
// idempotent.
func SanitizeID(s string) string {
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if isIDRune(r) {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

func isIDRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-'
}

const maxSlugLen = 40

// Slug lower-cases s and reduces it to [a-z0-9-], collapsing runs of other
// characters into one '-'. It is used for file names and resource ids; an
// input with no usable characters yields "tenant".
func Slug(s string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9'):
			sb.WriteRune(r)
			dash = false
		case !dash && sb.Len() > 0:
			sb.WriteByte('-')
			dash = true
		}
		if sb.Len() >= maxSlugLen {
			break
		}
	}
	out := strings.TrimRight(sb.String(), "-")
	if len(out) > maxSlugLen {
		out = strings.TrimRight(out[:maxSlugLen], "-")
	}
	if out == "" {
		return "tenant"
	}
	return out
}
