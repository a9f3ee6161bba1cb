package adapter

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	lenderrors "github.com/mirkobrombin/go-lend/v1/errors"
	"github.com/mirkobrombin/go-lend/v1/model"
)

const (
	defaultGormTableName = "records"
	defaultGormOpTimeout = 5 * time.Second
)

// recordRow is the table layout of a record.
type recordRow struct {
	Key             string `gorm:"primaryKey;column:record_key"`
	Title           string `gorm:"column:title;not null"`
	Author          string `gorm:"column:author;index;not null"`
	PublicationYear int    `gorm:"column:publication_year"`
	AvailableCopies int    `gorm:"column:available_copies;not null;check:available_copies >= 0"`
}

func rowFrom(rec model.Record) recordRow {
	return recordRow{
		Key:             rec.Key,
		Title:           rec.Title,
		Author:          rec.Author,
		PublicationYear: rec.PublicationYear,
		AvailableCopies: rec.AvailableCopies,
	}
}

func (r recordRow) record() model.Record {
	return model.Record{
		Key:             r.Key,
		Title:           r.Title,
		Author:          r.Author,
		PublicationYear: r.PublicationYear,
		AvailableCopies: r.AvailableCopies,
	}
}

// GormStore implements Store using a GORM backend. ForUpdate issues
// SELECT ... FOR UPDATE on dialects that support it.
type GormStore struct {
	db        *gorm.DB
	tableName string
	timeout   time.Duration
}

// GormOption configures a GormStore.
type GormOption func(*gormStoreOptions)

type gormStoreOptions struct {
	tableName string
	timeout   time.Duration
}

// WithGormTableName sets the table name for the GormStore.
func WithGormTableName(name string) GormOption {
	return func(o *gormStoreOptions) {
		o.tableName = name
	}
}

// WithGormTimeout sets the operation timeout for GORM calls.
func WithGormTimeout(d time.Duration) GormOption {
	return func(o *gormStoreOptions) {
		o.timeout = d
	}
}

// NewGormStore returns a new GormStore using the provided GORM DB connection,
// migrating the records table if needed.
func NewGormStore(db *gorm.DB, opts ...GormOption) (*GormStore, error) {
	o := gormStoreOptions{
		tableName: defaultGormTableName,
		timeout:   defaultGormOpTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	if err := db.Table(o.tableName).AutoMigrate(&recordRow{}); err != nil {
		return nil, err
	}

	return &GormStore{db: db, tableName: o.tableName, timeout: o.timeout}, nil
}

func (s *GormStore) table(ctx context.Context) (*gorm.DB, context.CancelFunc) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return s.db.WithContext(cctx).Table(s.tableName), cancel
}

// Exists implements Store.Exists.
func (s *GormStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, lenderrors.Translate(err)
	}
	tx, cancel := s.table(ctx)
	defer cancel()

	var n int64
	if err := tx.Where("record_key = ?", key).Count(&n).Error; err != nil {
		return false, lenderrors.Translate(err)
	}
	return n > 0, nil
}

// Get implements Store.Get.
func (s *GormStore) Get(ctx context.Context, key string) (model.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.Record{}, false, lenderrors.Translate(err)
	}
	tx, cancel := s.table(ctx)
	defer cancel()

	var row recordRow
	err := tx.First(&row, "record_key = ?", key).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return model.Record{}, false, nil
	}
	if err != nil {
		return model.Record{}, false, lenderrors.Translate(err)
	}
	return row.record(), true, nil
}

// FindByAuthor implements Store.FindByAuthor.
func (s *GormStore) FindByAuthor(ctx context.Context, author string) ([]model.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, lenderrors.Translate(err)
	}
	tx, cancel := s.table(ctx)
	defer cancel()

	var rows []recordRow
	if err := tx.Where("author = ?", author).Order("record_key").Find(&rows).Error; err != nil {
		return nil, lenderrors.Translate(err)
	}
	out := make([]model.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.record())
	}
	return out, nil
}

// Upsert implements Store.Upsert.
func (s *GormStore) Upsert(ctx context.Context, rec model.Record) error {
	if err := ctx.Err(); err != nil {
		return lenderrors.Translate(err)
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	tx, cancel := s.table(ctx)
	defer cancel()

	row := rowFrom(rec)
	err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "record_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "author", "publication_year", "available_copies"}),
	}).Create(&row).Error
	return lenderrors.Translate(err)
}

// Delete implements Store.Delete.
func (s *GormStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return lenderrors.Translate(err)
	}
	tx, cancel := s.table(ctx)
	defer cancel()

	return lenderrors.Translate(tx.Where("record_key = ?", key).Delete(&recordRow{}).Error)
}

// ForUpdate implements Store.ForUpdate.
func (s *GormStore) ForUpdate(ctx context.Context, key string, fn func(rec *model.Record, found bool) error) error {
	if err := ctx.Err(); err != nil {
		return lenderrors.Translate(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var fnErr error
	err := s.db.WithContext(cctx).Transaction(func(tx *gorm.DB) error {
		var row recordRow
		err := tx.Table(s.tableName).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&row, "record_key = ?", key).Error
		found := true
		if errors.Is(err, gorm.ErrRecordNotFound) {
			found = false
		} else if err != nil {
			return err
		}

		rec := row.record()
		if fnErr = fn(&rec, found); fnErr != nil {
			return fnErr
		}
		if !found {
			return nil
		}
		if fnErr = rec.Validate(); fnErr != nil {
			return fnErr
		}
		return tx.Table(s.tableName).
			Where("record_key = ?", key).
			Updates(map[string]any{
				"title":            rec.Title,
				"author":           rec.Author,
				"publication_year": rec.PublicationYear,
				"available_copies": rec.AvailableCopies,
			}).Error
	})
	if fnErr != nil {
		return fnErr
	}
	return lenderrors.Translate(err)
}

// Keys implements Store.Keys.
func (s *GormStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, lenderrors.Translate(err)
	}
	tx, cancel := s.table(ctx)
	defer cancel()

	var keys []string
	if err := tx.Order("record_key").Pluck("record_key", &keys).Error; err != nil {
		return nil, lenderrors.Translate(err)
	}
	return keys, nil
}
