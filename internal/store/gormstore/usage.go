package gormstore

import (
	"context"

	"github.com/MarkoPoloResearchLab/renderledger/internal/usage"
)

const usageEventBatchSize = 100

func (store *Store) InsertUsageEvents(ctx context.Context, events []usage.Event) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([]UsageEvent, 0, len(events))
	for _, event := range events {
		metadata, err := encodeMetadata(event.Metadata)
		if err != nil {
			return wrapStoreError(errorSubjectUsageEvent, errorCodeInvalid, err)
		}
		rows = append(rows, UsageEvent{
			EventID:   event.ID,
			AccountID: event.AccountID,
			RenderID:  optionalString(event.RenderID),
			EventType: string(event.Type),
			Metadata:  metadata,
			CreatedAt: event.CreatedAt.UTC(),
		})
	}
	if err := store.db.WithContext(ctx).CreateInBatches(&rows, usageEventBatchSize).Error; err != nil {
		return wrapStoreError(errorSubjectUsageEvent, errorCodeInsert, translateError(err))
	}
	return nil
}

func (store *Store) ListUsageEvents(ctx context.Context, filter usage.Filter) ([]usage.Event, error) {
	query := store.db.WithContext(ctx).Model(&UsageEvent{})
	if filter.AccountID != "" {
		query = query.Where("account_id = ?", filter.AccountID)
	}
	if filter.RenderID != "" {
		query = query.Where("render_id = ?", filter.RenderID)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []UsageEvent
	if err := query.Order("created_at ASC").Order("event_id ASC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectUsageEvent, errorCodeList, translateError(err))
	}
	events := make([]usage.Event, 0, len(rows))
	for _, row := range rows {
		metadata, err := decodeMetadata(row.Metadata)
		if err != nil {
			return nil, wrapStoreError(errorSubjectUsageEvent, errorCodeInvalid, err)
		}
		event := usage.Event{
			ID:        row.EventID,
			AccountID: row.AccountID,
			Type:      usage.EventType(row.EventType),
			Metadata:  metadata,
			CreatedAt: row.CreatedAt,
		}
		if row.RenderID != nil {
			event.RenderID = *row.RenderID
		}
		events = append(events, event)
	}
	return events, nil
}
