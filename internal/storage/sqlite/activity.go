package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/divvyup/divvy/internal/models"
)

// AppendActivity durably stores a committed feed event. Events arrive with
// their sequence number already assigned by the feed; the (group_id, seq)
// primary key makes double-appends fail loudly instead of silently
// reordering.
func (s *SQLiteStore) AppendActivity(ctx context.Context, event *models.ActivityEvent) error {
	details, err := json.Marshal(event.Details)
	if err != nil {
		return fmt.Errorf("failed to marshal event details: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO activity_events (group_id, seq, type, actor_user_id, entity_id, entity_type, action, details, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.GroupID, event.Seq, event.Type, event.ActorUserID, event.EntityID,
		string(event.EntityType), string(event.Action), string(details), event.Timestamp.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert activity event: %w", err)
	}
	return nil
}

// ActivitySince returns a group's events after cursor, in sequence order.
func (s *SQLiteStore) ActivitySince(ctx context.Context, groupID string, cursor uint64) ([]models.ActivityEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, type, actor_user_id, entity_id, entity_type, action, details, timestamp
		 FROM activity_events WHERE group_id = ? AND seq > ? ORDER BY seq`,
		groupID, cursor,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query activity events: %w", err)
	}
	defer rows.Close()

	var events []models.ActivityEvent
	for rows.Next() {
		event := models.ActivityEvent{GroupID: groupID}
		var entityType, action, details string
		var ts int64
		if err := rows.Scan(&event.Seq, &event.Type, &event.ActorUserID, &event.EntityID,
			&entityType, &action, &details, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan activity event: %w", err)
		}
		event.EntityType = models.EntityType(entityType)
		event.Action = models.ActivityAction(action)
		event.Timestamp = time.UnixMilli(ts)
		if err := json.Unmarshal([]byte(details), &event.Details); err != nil {
			return nil, fmt.Errorf("failed to parse event details: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate activity events: %w", err)
	}
	return events, nil
}

// LastActivitySeq returns the highest stored sequence number for a group.
func (s *SQLiteStore) LastActivitySeq(ctx context.Context, groupID string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) FROM activity_events WHERE group_id = ?",
		groupID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to get last activity seq: %w", err)
	}
	return seq, nil
}
