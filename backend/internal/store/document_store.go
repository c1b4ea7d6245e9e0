package store

import (
	"context"
	"errors"
	"log"
	"strconv"
	"time"

	gomysql "github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"syncServer/backend/internal/collab"
)

// Document 对应外部 CRUD 服务维护的 documents 表，
// 这里只读 content/title，写 content/title/last_edited。
type Document struct {
	ID         uint64 `gorm:"primaryKey"`
	Title      string
	Content    string `gorm:"type:json"` // {"ops":[...]}
	OwnerID    uint64 `gorm:"column:owner_id"`
	LastEdited time.Time
}

// DocumentSnapshotRow 是每次落库的归档副本（原表的 history 语义）。
type DocumentSnapshotRow struct {
	ID         uint64 `gorm:"primaryKey"`
	DocumentID uint64 `gorm:"uniqueIndex:uniq_doc_edit"`
	Content    string `gorm:"type:json"`
	EditedAt   time.Time `gorm:"uniqueIndex:uniq_doc_edit"`
}

func (DocumentSnapshotRow) TableName() string { return "document_snapshots" }

type DocumentStore struct {
	db *gorm.DB
}

func NewDocumentStore(db *gorm.DB) *DocumentStore {
	return &DocumentStore{db: db}
}

func parseDocID(docID string) (uint64, error) {
	return strconv.ParseUint(docID, 10, 64)
}

func (s *DocumentStore) GetDocument(ctx context.Context, docID string) (*collab.StoredDocument, error) {
	id, err := parseDocID(docID)
	if err != nil {
		return nil, nil
	}
	var doc Document
	if err := s.db.WithContext(ctx).First(&doc, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &collab.StoredDocument{
		DocID:      docID,
		Title:      doc.Title,
		Content:    []byte(doc.Content),
		OwnerID:    doc.OwnerID,
		LastEdited: doc.LastEdited,
	}, nil
}

func (s *DocumentStore) SaveContent(ctx context.Context, docID string, content []byte, editedAt time.Time) error {
	id, err := parseDocID(docID)
	if err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&Document{}).Where("id = ?", id).
		Updates(map[string]any{"content": string(content), "last_edited": editedAt})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}

	// 归档副本尽力而为：同一批次重试时 1062 重复键不算失败
	archive := DocumentSnapshotRow{DocumentID: id, Content: string(content), EditedAt: editedAt}
	if err := s.db.WithContext(ctx).Create(&archive).Error; err != nil {
		var mysqlErr *gomysql.MySQLError
		if !errors.As(err, &mysqlErr) || mysqlErr.Number != 1062 {
			log.Printf("archive snapshot failed (doc=%s): %v", docID, err)
		}
	}
	return nil
}

func (s *DocumentStore) UpdateTitle(ctx context.Context, docID string, title string) error {
	id, err := parseDocID(docID)
	if err != nil {
		return err
	}
	// 先确认存在：MySQL 对无变化的 UPDATE 返回 0 行，
	// 不能拿 RowsAffected 判断文档是否存在
	var doc Document
	if err := s.db.WithContext(ctx).Select("id").First(&doc, id).Error; err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&Document{}).Where("id = ?", id).
		Update("title", title).Error
}
