package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkgport/pkgport/pkg/contracts"
)

// CreateRequest persists a new manifest submission.
func (s *Store) CreateRequest(ctx context.Context, userID string, rawManifest []byte) (*contracts.Request, error) {
	req := &contracts.Request{
		ID:          uuid.New().String(),
		UserID:      userID,
		RawManifest: rawManifest,
		Status:      contracts.RequestReceived,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.exec(ctx, `
		INSERT INTO requests (id, user_id, raw_manifest, status, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		req.ID, req.UserID, req.RawManifest, req.Status, fmtTime(req.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

// GetRequest loads a request by id.
func (s *Store) GetRequest(ctx context.Context, id string) (*contracts.Request, error) {
	row := s.queryRow(ctx, `
		SELECT id, user_id, raw_manifest, status, created_at
		FROM requests WHERE id = ?`, id)

	var req contracts.Request
	var createdAt string
	if err := row.Scan(&req.ID, &req.UserID, &req.RawManifest, &req.Status, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get request %s: %w", id, err)
	}
	req.CreatedAt = parseTime(createdAt)
	return &req, nil
}

// MarkRequestParseFailed records the boundary-layer parse outcome.
// This is the only mutation a request ever sees.
func (s *Store) MarkRequestParseFailed(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `UPDATE requests SET status = ? WHERE id = ?`,
		contracts.RequestParseFailed, id)
	if err != nil {
		return fmt.Errorf("mark request %s parse_failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRequestsByUser returns a user's requests, newest first.
func (s *Store) ListRequestsByUser(ctx context.Context, userID string, limit int) ([]*contracts.Request, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.query(ctx, `
		SELECT id, user_id, status, created_at
		FROM requests WHERE user_id = ?
		ORDER BY created_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list requests for %s: %w", userID, err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Request
	for rows.Next() {
		var req contracts.Request
		var createdAt string
		if err := rows.Scan(&req.ID, &req.UserID, &req.Status, &createdAt); err != nil {
			return nil, err
		}
		req.CreatedAt = parseTime(createdAt)
		out = append(out, &req)
	}
	return out, rows.Err()
}
