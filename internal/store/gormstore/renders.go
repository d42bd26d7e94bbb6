package gormstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/renderledger/internal/render"
	"github.com/MarkoPoloResearchLab/renderledger/pkg/ledger"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

func (store *Store) CreateRender(ctx context.Context, item render.Render) error {
	now := store.now().UTC()
	model := Render{
		RenderID:         item.ID,
		AccountID:        item.AccountID,
		ProjectID:        item.ProjectID,
		Kind:             string(item.Kind),
		Status:           string(item.Status),
		Prompt:           item.Prompt,
		ReservedCredits:  decimal.Zero,
		EstimatedCredits: nullDecimal(item.EstimatedCredits),
		FinalCostCredits: nullDecimal(item.FinalCostCredits),
		ProviderJobID:    optionalString(item.ProviderJobID),
		OutputAssetURL:   item.OutputAssetURL,
		WatermarkURL:     item.WatermarkURL,
		Error:            item.Error,
		UsageMetadata:    datatypes.JSON(item.UsageMetadata),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if !item.CreatedAt.IsZero() {
		model.CreatedAt = item.CreatedAt.UTC()
	}
	if err := store.db.WithContext(ctx).Create(&model).Error; err != nil {
		return wrapStoreError(errorSubjectRender, errorCodeCreate, translateError(err))
	}
	return nil
}

func (store *Store) GetRender(ctx context.Context, renderID string) (render.Render, error) {
	return store.findRender(ctx, "render_id = ?", renderID)
}

func (store *Store) FindRenderByJobID(ctx context.Context, providerJobID string) (render.Render, error) {
	return store.findRender(ctx, "provider_job_id = ?", providerJobID)
}

func (store *Store) findRender(ctx context.Context, condition string, value string) (render.Render, error) {
	var model Render
	err := store.db.WithContext(ctx).Where(condition, value).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return render.Render{}, wrapStoreError(errorSubjectRender, errorCodeGet, ledger.ErrRenderNotFound)
		}
		return render.Render{}, wrapStoreError(errorSubjectRender, errorCodeGet, translateError(err))
	}
	item, err := mapRender(model)
	if err != nil {
		return render.Render{}, wrapStoreError(errorSubjectRender, errorCodeInvalid, err)
	}
	return item, nil
}

func (store *Store) ListRenders(ctx context.Context, filter render.ListFilter) ([]render.Render, error) {
	query := store.db.WithContext(ctx).Model(&Render{})
	if filter.AccountID != "" {
		query = query.Where("account_id = ?", filter.AccountID)
	}
	if filter.ProjectID != "" {
		query = query.Where("project_id = ?", filter.ProjectID)
	}
	if filter.Kind != "" {
		query = query.Where("kind = ?", string(filter.Kind))
	}
	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if !filter.Before.IsZero() {
		query = query.Where("created_at < ?", filter.Before.UTC())
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	var rows []Render
	if err := query.Order("created_at DESC").Order("render_id DESC").Find(&rows).Error; err != nil {
		return nil, wrapStoreError(errorSubjectRender, errorCodeList, translateError(err))
	}
	items := make([]render.Render, 0, len(rows))
	for _, row := range rows {
		item, err := mapRender(row)
		if err != nil {
			return nil, wrapStoreError(errorSubjectRender, errorCodeInvalid, err)
		}
		items = append(items, item)
	}
	return items, nil
}

// UpdateRender applies update only while the stored status may still move
// to update.Status. The bool reports whether the row changed.
func (store *Store) UpdateRender(ctx context.Context, renderID string, update render.Update) (render.Render, bool, error) {
	sources := render.SourceStatuses(update.Status)
	allowed := make([]string, 0, len(sources))
	for _, source := range sources {
		allowed = append(allowed, string(source))
	}
	changes := map[string]interface{}{
		"status":     string(update.Status),
		"updated_at": store.now().UTC(),
	}
	if update.ProviderJobID != nil {
		changes["provider_job_id"] = *update.ProviderJobID
	}
	if update.OutputAssetURL != nil {
		changes["output_asset_url"] = *update.OutputAssetURL
	}
	if update.WatermarkURL != nil {
		changes["watermark_url"] = *update.WatermarkURL
	}
	if update.Error != nil {
		changes["error"] = *update.Error
	}
	if update.FinalCostCredits != nil {
		changes["final_cost_credits"] = update.FinalCostCredits.Decimal()
	}
	if update.EstimatedCredits != nil {
		changes["estimated_credits"] = update.EstimatedCredits.Decimal()
	}
	if len(update.UsageMetadata) > 0 {
		changes["usage_metadata"] = datatypes.JSON(update.UsageMetadata)
	}
	result := store.db.WithContext(ctx).
		Model(&Render{}).
		Where("render_id = ? AND status IN ?", renderID, allowed).
		Updates(changes)
	if result.Error != nil {
		return render.Render{}, false, wrapStoreError(errorSubjectRender, errorCodeUpdateStatus, translateError(result.Error))
	}
	current, err := store.GetRender(ctx, renderID)
	if err != nil {
		return render.Render{}, false, err
	}
	return current, result.RowsAffected > 0, nil
}

func mapRender(model Render) (render.Render, error) {
	kind, err := render.ParseKind(model.Kind)
	if err != nil {
		return render.Render{}, err
	}
	status, err := render.ParseStatus(model.Status)
	if err != nil {
		return render.Render{}, err
	}
	reserved, err := ledger.NewCredits(model.ReservedCredits)
	if err != nil {
		return render.Render{}, err
	}
	item := render.Render{
		ID:               model.RenderID,
		AccountID:        model.AccountID,
		ProjectID:        model.ProjectID,
		Kind:             kind,
		Status:           status,
		Prompt:           model.Prompt,
		ReservedCredits:  reserved,
		CreditsFinalized: model.CreditsFinalized,
		EstimatedCredits: optionalCredits(model.EstimatedCredits),
		FinalCostCredits: optionalCredits(model.FinalCostCredits),
		OutputAssetURL:   model.OutputAssetURL,
		WatermarkURL:     model.WatermarkURL,
		Error:            model.Error,
		CreatedAt:        model.CreatedAt,
		UpdatedAt:        model.UpdatedAt,
	}
	if model.ProviderJobID != nil {
		item.ProviderJobID = *model.ProviderJobID
	}
	if len(model.UsageMetadata) > 0 {
		item.UsageMetadata = []byte(model.UsageMetadata)
	}
	return item, nil
}

func nullDecimal(credits *ledger.Credits) decimal.NullDecimal {
	if credits == nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: credits.Decimal(), Valid: true}
}

func optionalCredits(value decimal.NullDecimal) *ledger.Credits {
	if !value.Valid {
		return nil
	}
	credits := ledger.ClampCredits(value.Decimal)
	return &credits
}
