package repository

import (
	"mere/internal/db"
	"mere/internal/model"
	"time"
)

type HistoryRepository struct{}

func NewHistoryRepository() *HistoryRepository {
	return &HistoryRepository{}
}

func (r *HistoryRepository) Save(result model.SyncResult) error {
	status := model.StatusSuccess
	errMsg := ""
	switch {
	case result.Err != nil:
		status = model.StatusFailed
		errMsg = result.Err.Error()
	case result.Skipped:
		status = model.StatusSkipped
	}

	history := model.History{
		Status:     status,
		Operation:  result.Event.Type,
		LocalPath:  result.LocalPath,
		FromPath:   result.Event.From,
		RemotePath: result.RemotePath,
		Bytes:      result.Bytes,
		DurationMs: result.Duration.Milliseconds(),
		ErrMsg:     errMsg,
		SyncedAt:   time.Now(),
	}

	return db.DB.Create(&history).Error
}

type Stats struct {
	Total   int64 `json:"total"`
	Success int64 `json:"success"`
	Failed  int64 `json:"failed"`
	Skipped int64 `json:"skipped"`
	Bytes   int64 `json:"bytes"`
}

func (r *HistoryRepository) GetStats() (Stats, error) {
	var stats Stats
	if err := db.DB.Model(&model.History{}).Count(&stats.Total).Error; err != nil {
		return stats, err
	}

	if err := db.DB.Model(&model.History{}).
		Where("status = ?", model.StatusFailed).
		Count(&stats.Failed).Error; err != nil {
		return stats, err
	}

	if err := db.DB.Model(&model.History{}).
		Where("status = ?", model.StatusSkipped).
		Count(&stats.Skipped).Error; err != nil {
		return stats, err
	}

	if err := db.DB.Model(&model.History{}).
		Select("COALESCE(SUM(bytes), 0)").
		Scan(&stats.Bytes).Error; err != nil {
		return stats, err
	}

	stats.Success = stats.Total - stats.Failed - stats.Skipped
	return stats, nil
}

func (r *HistoryRepository) GetRecent(limit int) ([]model.History, error) {
	var histories []model.History
	result := db.DB.
		Order("synced_at desc, id desc").
		Limit(limit).
		Find(&histories)

	return histories, result.Error
}

func (r *HistoryRepository) GetFailed(limit int) ([]model.History, error) {
	var histories []model.History
	result := db.DB.
		Where("status = ?", model.StatusFailed).
		Order("synced_at desc, id desc").
		Limit(limit).
		Find(&histories)

	return histories, result.Error
}
