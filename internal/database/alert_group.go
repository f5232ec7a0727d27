package database

import (
	"errors"
	"time"

	"gorm.io/gorm"
)

// ErrAlertGroupNotFound is returned when an alert group id does not exist
var ErrAlertGroupNotFound = errors.New("alert group not found")

// GetAlertGroup loads an alert group by primary key
func GetAlertGroup(db *gorm.DB, id uint) (*AlertGroup, error) {
	var ag AlertGroup
	if err := db.First(&ag, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAlertGroupNotFound
		}
		return nil, err
	}
	return &ag, nil
}

// FindFiringAlertGroup returns the open (non-resolved, non-archived) alert
// group for an integration/fingerprint pair, or nil when none exists.
func FindFiringAlertGroup(db *gorm.DB, integrationSlug, fingerprint string) (*AlertGroup, error) {
	var ag AlertGroup
	err := db.Where(
		"integration_slug = ? AND fingerprint = ? AND state <> ? AND archived_at IS NULL",
		integrationSlug, fingerprint, AlertGroupStateResolved,
	).First(&ag).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ag, nil
}

// BumpGeneration atomically increments the generation token while applying
// updates, invalidating every previously scheduled escalation step. The
// reloaded row is returned.
func BumpGeneration(db *gorm.DB, id uint, updates map[string]interface{}) (*AlertGroup, error) {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["generation"] = gorm.Expr("generation + 1")
	res := db.Model(&AlertGroup{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, ErrAlertGroupNotFound
	}
	return GetAlertGroup(db, id)
}

// UpdateWithGeneration applies updates only if the alert group still carries
// the expected generation token. Returns false when the row changed under us,
// which callers treat as a silent skip, not an error.
func UpdateWithGeneration(db *gorm.DB, id uint, generation uint64, updates map[string]interface{}) (bool, error) {
	res := db.Model(&AlertGroup{}).
		Where("id = ? AND generation = ?", id, generation).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AttachSnapshot stores the frozen escalation snapshot, but only when none
// is present yet. Concurrent duplicate build attempts therefore collapse to
// a single stored snapshot. Returns true when this call did the write.
func AttachSnapshot(db *gorm.DB, id uint, raw JSON) (bool, error) {
	res := db.Model(&AlertGroup{}).
		Where("id = ? AND has_snapshot = ?", id, false).
		Updates(map[string]interface{}{
			"raw_escalation_snapshot": raw,
			"has_snapshot":            true,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// AddLogRecord appends an audit record for an alert group
func AddLogRecord(db *gorm.DB, rec *AlertGroupLogRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return db.Create(rec).Error
}
