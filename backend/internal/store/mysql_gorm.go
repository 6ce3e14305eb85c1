package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// SnapshotRecord 对应 document_snapshots 表：每次快照插入新行，不做 update
type SnapshotRecord struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	DocumentID string    `gorm:"size:191;not null;uniqueIndex:uk_doc_clock,priority:1"`
	Clock      uint64    `gorm:"not null;uniqueIndex:uk_doc_clock,priority:2"`
	Content    string    `gorm:"type:longtext;not null"` // delta JSON
	Text       string    `gorm:"type:longtext"`
	CreatedAt  time.Time `gorm:"not null"`
}

func (SnapshotRecord) TableName() string { return "document_snapshots" }

type GormStore struct {
	db *gorm.DB
}

// NewGormStore 会自动建表
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if err := db.AutoMigrate(&SnapshotRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate document_snapshots: %w", err)
	}
	return &GormStore{db: db}, nil
}

func (s *GormStore) Load(ctx context.Context, docID string) (Snapshot, error) {
	var rec SnapshotRecord
	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("clock DESC").Order("id DESC").
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Snapshot{}, fmt.Errorf("doc %s: %w", docID, ErrSnapshotNotFound)
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to load snapshot of doc %s: %w", docID, err)
	}
	snap := Snapshot{DocID: rec.DocumentID, Clock: rec.Clock, Text: rec.Text, CreatedAt: rec.CreatedAt}
	if err := json.Unmarshal([]byte(rec.Content), &snap.Content); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot %d of doc %s is unreadable: %w", rec.ID, docID, err)
	}
	return snap, nil
}

func (s *GormStore) Store(ctx context.Context, snap Snapshot) error {
	content, err := json.Marshal(snap.Content)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	rec := SnapshotRecord{
		DocumentID: snap.DocID,
		Clock:      snap.Clock,
		Content:    string(content),
		Text:       snap.Text,
		CreatedAt:  snap.CreatedAt,
	}
	if err := s.db.WithContext(ctx).Create(&rec).Error; err != nil {
		// 同一 clock 的快照内容必然相同，重复写入直接忽略
		var mysqlErr *gomysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return nil
		}
		return fmt.Errorf("failed to store snapshot of doc %s: %w", snap.DocID, err)
	}
	return nil
}
