// Package archive exports usage events as JSON Lines to object storage.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"
	"github.com/hugh/tollgate/internal/database/models"
	"github.com/hugh/tollgate/pkg/crypto"
	"gorm.io/gorm"
)

const (
	contentTypeJSONL = "application/x-ndjson"
	contentTypeAge   = "application/age-encryption"
)

// Uploader stores one archive object.
type Uploader interface {
	Upload(ctx context.Context, key string, body io.Reader, contentType string) error
}

// Manifest describes one uploaded archive object.
type Manifest struct {
	OrganizationID uuid.UUID `json:"organization_id"`
	Key            string    `json:"key"`
	From           time.Time `json:"from"`
	To             time.Time `json:"to"`
	Events         int       `json:"events"`
	Credits        int64     `json:"credits"`
	Encrypted      bool      `json:"encrypted"`
}

type Exporter struct {
	db        *gorm.DB
	uploader  Uploader
	encryptor *crypto.Encryptor
	prefix    string
	logger    *slog.Logger
}

type Option func(*Exporter)

// WithEncryption seals every archive object with enc.
func WithEncryption(enc *crypto.Encryptor) Option {
	return func(e *Exporter) { e.encryptor = enc }
}

func NewExporter(db *gorm.DB, uploader Uploader, prefix string, logger *slog.Logger, opts ...Option) *Exporter {
	e := &Exporter{
		db:       db,
		uploader: uploader,
		prefix:   prefix,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Key returns the object key for an organization and window.
func (e *Exporter) Key(orgID uuid.UUID, from, to time.Time) string {
	name := fmt.Sprintf("%s_%s.jsonl", from.UTC().Format("20060102T150405Z"), to.UTC().Format("20060102T150405Z"))
	if e.encryptor != nil {
		name += ".age"
	}
	return path.Join(e.prefix, orgID.String(), name)
}

// Export writes the organization's events created in [from, to) as one
// object, oldest first. Nothing is uploaded when the window is empty.
func (e *Exporter) Export(ctx context.Context, orgID uuid.UUID, from, to time.Time) (*Manifest, error) {
	manifest := &Manifest{OrganizationID: orgID, From: from.UTC(), To: to.UTC(), Encrypted: e.encryptor != nil}

	var buf bytes.Buffer
	var sink io.Writer = &buf
	var sealer io.WriteCloser
	if e.encryptor != nil {
		w, err := e.encryptor.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		sealer = w
		sink = w
	}
	enc := json.NewEncoder(sink)

	rows, err := e.db.WithContext(ctx).
		Model(&models.UsageEvent{}).
		Where("organization_id = ? AND created_at >= ? AND created_at < ?", orgID, from.UTC(), to.UTC()).
		Order("created_at, id").
		Rows()
	if err != nil {
		return nil, fmt.Errorf("reading usage events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var event models.UsageEvent
		if err := e.db.ScanRows(rows, &event); err != nil {
			return nil, fmt.Errorf("scanning usage event: %w", err)
		}
		if err := enc.Encode(&event); err != nil {
			return nil, fmt.Errorf("encoding event %s: %w", event.ID, err)
		}
		manifest.Events++
		manifest.Credits += event.CreditsCharged
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading usage events: %w", err)
	}
	if manifest.Events == 0 {
		return manifest, nil
	}

	contentType := contentTypeJSONL
	if sealer != nil {
		if err := sealer.Close(); err != nil {
			return nil, fmt.Errorf("sealing archive: %w", err)
		}
		contentType = contentTypeAge
	}

	manifest.Key = e.Key(orgID, from, to)
	if err := e.uploader.Upload(ctx, manifest.Key, &buf, contentType); err != nil {
		return nil, fmt.Errorf("uploading %s: %w", manifest.Key, err)
	}

	e.logger.Info("usage events archived",
		"org_id", orgID,
		"key", manifest.Key,
		"events", manifest.Events,
		"credits", manifest.Credits,
	)
	return manifest, nil
}

// ExportAll archives every organization that has events in [from, to). A
// failing organization is logged and skipped; the first error is returned
// after the rest have been attempted.
func (e *Exporter) ExportAll(ctx context.Context, from, to time.Time) ([]Manifest, error) {
	var orgIDs []uuid.UUID
	err := e.db.WithContext(ctx).
		Model(&models.UsageEvent{}).
		Where("created_at >= ? AND created_at < ?", from.UTC(), to.UTC()).
		Distinct().
		Pluck("organization_id", &orgIDs).Error
	if err != nil {
		return nil, fmt.Errorf("listing organizations: %w", err)
	}

	var manifests []Manifest
	var firstErr error
	for _, orgID := range orgIDs {
		m, err := e.Export(ctx, orgID, from, to)
		if err != nil {
			e.logger.Error("archive export failed", "org_id", orgID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if m.Events > 0 {
			manifests = append(manifests, *m)
		}
	}
	return manifests, firstErr
}
