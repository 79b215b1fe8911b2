// Package store persists synced accounts in a local SQLite database with
// per-field encryption of credentials and machine fingerprints.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/pysugar/cursor-sync/internal/crypto"
)

// ErrNotFound is returned when no account matches the given id or email.
var ErrNotFound = errors.New("account not found")

// Manager wraps the database handle and the field cipher.
type Manager struct {
	db *gorm.DB
	cm *crypto.Manager
}

// Open connects to the SQLite file at path, runs migrations, and returns a
// ready store. Migrations only ever add columns.
func Open(path string, cm *crypto.Manager) (*Manager, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return New(db, cm)
}

// New wraps an existing gorm handle. Used by tests with an in-memory DB.
func New(db *gorm.DB, cm *crypto.Manager) (*Manager, error) {
	if err := db.AutoMigrate(&Account{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := ensureColumns(db); err != nil {
		return nil, err
	}
	return &Manager{db: db, cm: cm}, nil
}

// ensureColumns backfills columns added after the first release on
// databases AutoMigrate already saw. Each check is idempotent.
func ensureColumns(db *gorm.DB) error {
	added := []string{"accumulated_cost", "unpaid_amount", "model_usage", "notes", "store_path", "password"}
	m := db.Migrator()
	for _, col := range added {
		if m.HasColumn(&Account{}, col) {
			continue
		}
		if err := m.AddColumn(&Account{}, col); err != nil {
			return fmt.Errorf("add column %s: %w", col, err)
		}
		log.Info().Str("column", col).Msg("added account column")
	}
	return nil
}

func (m *Manager) encrypt(acc *Account) error {
	var err error
	if acc.AccessToken, err = m.cm.Encrypt(acc.AccessToken); err != nil {
		return err
	}
	if acc.RefreshToken, err = m.cm.Encrypt(acc.RefreshToken); err != nil {
		return err
	}
	if acc.SessionToken, err = m.cm.Encrypt(acc.SessionToken); err != nil {
		return err
	}
	if acc.Password, err = m.cm.Encrypt(acc.Password); err != nil {
		return err
	}
	if len(acc.MachineIDs) > 0 {
		enc, err := m.cm.EncryptMap(acc.MachineIDs)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(enc)
		if err != nil {
			return err
		}
		acc.MachineIDsJSON = string(raw)
	}
	return nil
}

func (m *Manager) decrypt(acc *Account) {
	acc.AccessToken = m.cm.DecryptOrSentinel(acc.AccessToken)
	acc.RefreshToken = m.cm.DecryptOrSentinel(acc.RefreshToken)
	acc.SessionToken = m.cm.DecryptOrSentinel(acc.SessionToken)
	acc.Password = m.cm.DecryptOrSentinel(acc.Password)
	if acc.MachineIDsJSON != "" {
		var enc map[string]string
		if err := json.Unmarshal([]byte(acc.MachineIDsJSON), &enc); err == nil {
			acc.MachineIDs = m.cm.DecryptMap(enc)
		}
	}
}

// Upsert saves the account keyed by email. An existing row keeps its ID
// and creation time; everything else is overwritten from acc.
func (m *Manager) Upsert(acc *Account) (*Account, error) {
	saved := *acc
	if err := m.encrypt(&saved); err != nil {
		return nil, fmt.Errorf("encrypt account fields: %w", err)
	}

	var existing Account
	err := m.db.Where("email = ?", acc.Email).First(&existing).Error
	switch {
	case err == nil:
		saved.ID = existing.ID
		saved.CreatedAt = existing.CreatedAt
		if err := m.db.Model(&Account{}).Where("id = ?", existing.ID).Select("*").
			Omit("id", "created_at").Updates(&saved).Error; err != nil {
			return nil, err
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		saved.ID = uuid.NewString()
		if err := m.db.Create(&saved).Error; err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	acc.ID = saved.ID
	return acc, nil
}

// GetByID loads one account with all encrypted fields decrypted.
func (m *Manager) GetByID(id string) (*Account, error) {
	var acc Account
	if err := m.db.Where("id = ?", id).First(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.decrypt(&acc)
	return &acc, nil
}

// GetByEmail loads one account by its unique email.
func (m *Manager) GetByEmail(email string) (*Account, error) {
	var acc Account
	if err := m.db.Where("email = ?", email).First(&acc).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	m.decrypt(&acc)
	return &acc, nil
}

// Filter narrows and orders List results. Zero values mean "no filter".
type Filter struct {
	Plan     string // matches membership_type exactly or as prefix (pro, pro_trial)
	Status   string // active | invalid | no_payment
	Month    string // creation month, YYYY-MM
	SortBy   string // whitelisted column, default last_refresh_time
	SortDesc bool
}

// sortColumns whitelists ORDER BY targets. Nullable time columns sort
// through COALESCE so never-synced rows group at the epoch end.
var sortColumns = map[string]string{
	"email":             "email",
	"membership_type":   "membership_type",
	"total_cost":        "total_cost",
	"unpaid_amount":     "unpaid_amount",
	"total_tokens":      "total_tokens",
	"usage_percent":     "usage_percent",
	"created_at":        "created_at",
	"last_used":         "COALESCE(last_used, '1970-01-01')",
	"last_refresh_time": "COALESCE(last_refresh_time, '1970-01-01')",
}

// List returns decrypted accounts matching the filter.
func (m *Manager) List(f Filter) ([]Account, error) {
	q := m.db.Model(&Account{})

	if f.Plan != "" {
		plan := strings.ToLower(f.Plan)
		q = q.Where("LOWER(membership_type) = ? OR LOWER(membership_type) LIKE ?", plan, plan+"_%")
	}
	switch f.Status {
	case "active":
		q = q.Where("is_invalid = ?", false)
	case "invalid":
		q = q.Where("is_invalid = ?", true)
	case "no_payment":
		// free-plan accounts with no trial days left and no subscription
		q = q.Where("LOWER(membership_type) LIKE 'free%' AND days_remaining = 0 AND (subscription_status IS NULL OR subscription_status = '')")
	}
	if f.Month != "" {
		q = q.Where("strftime('%Y-%m', created_at) = ?", f.Month)
	}

	col, ok := sortColumns[f.SortBy]
	if !ok {
		col = sortColumns["last_refresh_time"]
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}
	q = q.Order(col + " " + dir)

	var accounts []Account
	if err := q.Find(&accounts).Error; err != nil {
		return nil, err
	}
	for i := range accounts {
		m.decrypt(&accounts[i])
	}
	return accounts, nil
}

// updatableColumns whitelists UpdateFields targets. Keys outside it are
// dropped without error so callers can pass through partial reports.
var updatableColumns = map[string]bool{
	"membership_type":     true,
	"subscription_status": true,
	"days_remaining":      true,
	"used":                true,
	"quota":               true,
	"usage_percent":       true,
	"total_cost":          true,
	"accumulated_cost":    true,
	"unpaid_amount":       true,
	"total_tokens":        true,
	"event_count":         true,
	"model_usage":         true,
	"last_refresh_time":   true,
	"last_used":           true,
	"is_invalid":          true,
	"notes":               true,
	"store_path":          true,
}

// UpdateFields applies a partial update to one account, ignoring unknown
// keys.
func (m *Manager) UpdateFields(id string, fields map[string]interface{}) error {
	filtered := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		if updatableColumns[k] {
			filtered[k] = v
		} else {
			log.Debug().Str("field", k).Msg("dropping unknown update field")
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	res := m.db.Model(&Account{}).Where("id = ?", id).Updates(filtered)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastUsed stamps the account as just used.
func (m *Manager) TouchLastUsed(id string) error {
	return m.UpdateFields(id, map[string]interface{}{"last_used": time.Now()})
}

// Delete removes one account.
func (m *Manager) Delete(id string) error {
	res := m.db.Where("id = ?", id).Delete(&Account{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Stats is the aggregate view over all stored accounts.
type Stats struct {
	Total           int64            `json:"total"`
	Active          int64            `json:"active"`
	Invalid         int64            `json:"invalid"`
	TotalCost       float64          `json:"total_cost"`
	TotalUnpaid     float64          `json:"total_unpaid"`
	AvgUsagePercent float64          `json:"avg_usage_percent"`
	ByPlan          map[string]int64 `json:"by_plan"`
}

// ComputeStats aggregates counts and cost totals across the store.
func (m *Manager) ComputeStats() (*Stats, error) {
	s := &Stats{ByPlan: make(map[string]int64)}

	if err := m.db.Model(&Account{}).Count(&s.Total).Error; err != nil {
		return nil, err
	}
	if err := m.db.Model(&Account{}).Where("is_invalid = ?", false).Count(&s.Active).Error; err != nil {
		return nil, err
	}
	s.Invalid = s.Total - s.Active

	row := m.db.Model(&Account{}).
		Select("COALESCE(SUM(total_cost), 0), COALESCE(SUM(unpaid_amount), 0), COALESCE(AVG(usage_percent), 0)").Row()
	if err := row.Scan(&s.TotalCost, &s.TotalUnpaid, &s.AvgUsagePercent); err != nil {
		return nil, err
	}

	type planCount struct {
		MembershipType string
		N              int64
	}
	var plans []planCount
	if err := m.db.Model(&Account{}).
		Select("membership_type, COUNT(*) as n").
		Group("membership_type").Scan(&plans).Error; err != nil {
		return nil, err
	}
	for _, p := range plans {
		name := p.MembershipType
		if name == "" {
			name = "unknown"
		}
		s.ByPlan[name] = p.N
	}
	return s, nil
}
