package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// Collaborator 是唯一的授权来源（外部角色管理服务维护）。
type Collaborator struct {
	ID         uint64 `gorm:"primaryKey"`
	DocumentID uint64 `gorm:"column:document_id;index"`
	UserID     uint64 `gorm:"column:user_id"`
	Role       string // Owner / Editor / Viewer
}

type CollaboratorStore struct {
	db *gorm.DB
}

func NewCollaboratorStore(db *gorm.DB) *CollaboratorStore {
	return &CollaboratorStore{db: db}
}

// GetRole 返回 (docID, userID) 对应的角色；没有协作者记录时返回空串。
func (s *CollaboratorStore) GetRole(ctx context.Context, docID string, userID uint64) (string, error) {
	id, err := parseDocID(docID)
	if err != nil {
		return "", nil
	}
	var c Collaborator
	err = s.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", id, userID).
		First(&c).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", err
	}
	return c.Role, nil
}
