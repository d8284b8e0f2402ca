package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"replinet/internal/logging"
	"replinet/internal/rcode"
)

// Kind tells full snapshots from model exports.
type Kind string

const (
	KindFull   Kind = "full"
	KindModels Kind = "models"
)

// Snapshot is a stored image and the well-known OIDs it loads with. Image
// is nil in listings.
type Snapshot struct {
	ID          string    `json:"id"`
	Label       string    `json:"label,omitempty"`
	Kind        Kind      `json:"kind"`
	TakenAt     uint64    `json:"taken_at"` // memory time of the image, in microseconds
	StdinOID    uint64    `json:"stdin_oid"`
	StdoutOID   uint64    `json:"stdout_oid"`
	SelfOID     uint64    `json:"self_oid"`
	ObjectCount int       `json:"object_count"`
	CreatedAt   time.Time `json:"created_at"`

	Image *rcode.Image `json:"-"`
}

// Save stores snap and returns its new id.
func (s *SnapshotStore) Save(ctx context.Context, snap *Snapshot) (string, error) {
	if snap == nil || snap.Image == nil {
		return "", errors.New("store: snapshot has no image")
	}
	timer := logging.StartTimer(logging.CategoryStore, "Save")
	defer timer.Stop()

	data, err := json.Marshal(snap.Image)
	if err != nil {
		return "", fmt.Errorf("failed to encode image: %w", err)
	}
	if snap.Kind == "" {
		snap.Kind = KindFull
	}
	snap.ID = uuid.NewString()
	snap.TakenAt = snap.Image.Timestamp
	snap.ObjectCount = len(snap.Image.Objects)
	snap.CreatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, label, kind, taken_at, stdin_oid, stdout_oid, self_oid, object_count, image, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.Label, string(snap.Kind), int64(snap.TakenAt),
		int64(snap.StdinOID), int64(snap.StdoutOID), int64(snap.SelfOID),
		snap.ObjectCount, string(data), snap.CreatedAt.UnixNano())
	if err != nil {
		return "", fmt.Errorf("failed to insert snapshot: %w", err)
	}
	logging.Store("saved %s snapshot %s (%d objects, label %q)", snap.Kind, snap.ID, snap.ObjectCount, snap.Label)
	return snap.ID, nil
}

const snapshotColumns = `id, label, kind, taken_at, stdin_oid, stdout_oid, self_oid, object_count, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner, image *string) (*Snapshot, error) {
	var (
		snap                        Snapshot
		kind                        string
		takenAt, stdin, stdout, slf int64
		created                     int64
	)
	dest := []any{&snap.ID, &snap.Label, &kind, &takenAt, &stdin, &stdout, &slf, &snap.ObjectCount, &created}
	if image != nil {
		dest = append(dest, image)
	}
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	snap.Kind = Kind(kind)
	snap.TakenAt = uint64(takenAt)
	snap.StdinOID, snap.StdoutOID, snap.SelfOID = uint64(stdin), uint64(stdout), uint64(slf)
	snap.CreatedAt = time.Unix(0, created).UTC()
	return &snap, nil
}

func (s *SnapshotStore) loadOne(ctx context.Context, where string, args ...any) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var data string
	row := s.db.QueryRowContext(ctx, "SELECT "+snapshotColumns+", image FROM snapshots "+where, args...)
	snap, err := scanSnapshot(row, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var img rcode.Image
	if err := json.Unmarshal([]byte(data), &img); err != nil {
		return nil, fmt.Errorf("snapshot %s: failed to decode image: %w", snap.ID, err)
	}
	snap.Image = &img
	return snap, nil
}

// Load returns the snapshot with the given id.
func (s *SnapshotStore) Load(ctx context.Context, id string) (*Snapshot, error) {
	return s.loadOne(ctx, "WHERE id = ?", id)
}

// Latest returns the most recent snapshot, restricted to label when label
// is not empty.
func (s *SnapshotStore) Latest(ctx context.Context, label string) (*Snapshot, error) {
	return s.LatestOf(ctx, "", label)
}

// LatestOf is Latest restricted to one kind. Empty kind or label match any.
func (s *SnapshotStore) LatestOf(ctx context.Context, kind Kind, label string) (*Snapshot, error) {
	var (
		conds []string
		args  []any
	)
	if kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(kind))
	}
	if label != "" {
		conds = append(conds, "label = ?")
		args = append(args, label)
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ") + " "
	}
	return s.loadOne(ctx, where+"ORDER BY created_at DESC, rowid DESC LIMIT 1", args...)
}

// List returns every snapshot, newest first, without images.
func (s *SnapshotStore) List(ctx context.Context) ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+snapshotColumns+" FROM snapshots ORDER BY created_at DESC, rowid DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var out []Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}

// Delete removes a snapshot.
func (s *SnapshotStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, "DELETE FROM snapshots WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNoSnapshot
	}
	return nil
}

// Prune keeps the keep most recent snapshots and returns how many were
// removed.
func (s *SnapshotStore) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM snapshots WHERE id NOT IN (
			SELECT id FROM snapshots ORDER BY created_at DESC, rowid DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.StoreDebug("pruned %d snapshots", n)
	}
	return int(n), nil
}
