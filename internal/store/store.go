// Package store implements the Conversation Store from spec.md §4.8: a
// durable {id -> ConversationRecord} map with save/get/delete/list/
// find_by_parent operations and JSON round-trip fidelity.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/xbcsmith/xzatoma/pkg/models"
)

// ErrNotFound is returned by Get/Delete when no record exists under id.
var ErrNotFound = errors.New("store: conversation not found")

// ConversationRecord is the persisted shape of a Conversation (spec.md §6):
// JSON-encoded, RFC3339 UTC timestamps, optional fields omitted when absent.
type ConversationRecord struct {
	ID        string            `json:"id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Title     string            `json:"title,omitempty"`
	Messages  []*models.Message `json:"messages"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store is the Conversation Store contract from spec.md §4.8.
type Store interface {
	// Save upserts record, keyed by record.ID.
	Save(ctx context.Context, record *ConversationRecord) error

	// Get returns the record for id, or ErrNotFound.
	Get(ctx context.Context, id string) (*ConversationRecord, error)

	// Delete removes the record for id, or returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// List returns up to limit records ordered by CreatedAt descending,
	// skipping the first offset.
	List(ctx context.Context, limit, offset int) ([]*ConversationRecord, error)

	// FindByParent returns every record whose ParentID equals parentID,
	// supporting the Sub-agent spawning module's lineage queries.
	FindByParent(ctx context.Context, parentID string) ([]*ConversationRecord, error)
}

func cloneRecord(r *ConversationRecord) *ConversationRecord {
	clone := *r
	clone.Messages = models.CloneMessages(r.Messages)
	return &clone
}
