package workflow

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WorkflowHashFieldPo 哈希存储在关系型数据库里面的一行, 一个字段一行
type WorkflowHashFieldPo struct {
	HashKey   string `gorm:"column:hash_key;primaryKey;size:512" json:"hash_key"`
	Field     string `gorm:"column:field;primaryKey;size:128" json:"field"`
	Value     string `gorm:"column:value;type:text" json:"value"` // json 编码之后的值
	UpdatedAt int64  `gorm:"column:updated_at" json:"updated_at"`
}

func (WorkflowHashFieldPo) TableName() string {
	return "workflow_hash_field"
}

type gormHashStorage struct {
	db *gorm.DB
}

// NewGormHashStorage 需要先 AutoMigrate(&WorkflowHashFieldPo{})
func NewGormHashStorage(db *gorm.DB) HashStorage {
	return &gormHashStorage{db: db}
}

func buildHashFieldPos(key string, data Hash) []*WorkflowHashFieldPo {
	now := time.Now().Unix()
	pos := make([]*WorkflowHashFieldPo, 0, len(data))
	for field, value := range data {
		pos = append(pos, &WorkflowHashFieldPo{HashKey: key, Field: field, Value: string(value), UpdatedAt: now})
	}
	// 固定顺序, 写入顺序稳定
	sort.Slice(pos, func(i, j int) bool { return pos[i].Field < pos[j].Field })
	return pos
}

func (r *gormHashStorage) Set(ctx context.Context, key string, data Hash) error {
	return r.Transaction(ctx, func(ctx context.Context) error {
		return r.replaceHash(ctx, key, data)
	})
}

func (r *gormHashStorage) replaceHash(ctx context.Context, key string, data Hash) error {
	db := r.GetDBWithContext(ctx)
	if err := db.Where("hash_key = ?", key).Delete(&WorkflowHashFieldPo{}).Error; err != nil {
		return errors.WithMessagef(err, "delete hash failed, key: %s", key)
	}
	pos := buildHashFieldPos(key, data)
	if len(pos) == 0 {
		return nil
	}
	if err := db.Create(&pos).Error; err != nil {
		return errors.WithMessagef(err, "create hash failed, key: %s", key)
	}
	return nil
}

func (r *gormHashStorage) SetField(ctx context.Context, key string, field string, value json.RawMessage) error {
	po := &WorkflowHashFieldPo{HashKey: key, Field: field, Value: string(value), UpdatedAt: time.Now().Unix()}
	err := r.GetDBWithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hash_key"}, {Name: "field"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(po).Error
	if err != nil {
		return errors.WithMessagef(err, "SetField failed, key: %s, field: %s", key, field)
	}
	return nil
}

func (r *gormHashStorage) BulkSet(ctx context.Context, items []KeyHash) error {
	return r.Transaction(ctx, func(ctx context.Context) error {
		for _, item := range items {
			if err := r.replaceHash(ctx, item.Key, item.Data); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *gormHashStorage) Get(ctx context.Context, key string) (Hash, error) {
	pos := make([]*WorkflowHashFieldPo, 0)
	if err := r.GetDBWithContext(ctx).Where("hash_key = ?", key).Find(&pos).Error; err != nil {
		return nil, errors.WithMessagef(err, "Get failed, key: %s", key)
	}
	if len(pos) == 0 {
		return nil, nil
	}
	h := make(Hash, len(pos))
	for _, po := range pos {
		h[po.Field] = json.RawMessage(po.Value)
	}
	return h, nil
}

func (r *gormHashStorage) GetField(ctx context.Context, key string, field string) (json.RawMessage, error) {
	pos := make([]*WorkflowHashFieldPo, 0)
	if err := r.GetDBWithContext(ctx).Where("hash_key = ? AND field = ?", key, field).Limit(1).Find(&pos).Error; err != nil {
		return nil, errors.WithMessagef(err, "GetField failed, key: %s, field: %s", key, field)
	}
	if len(pos) == 0 {
		return nil, nil
	}
	return json.RawMessage(pos[0].Value), nil
}

func (r *gormHashStorage) BulkGet(ctx context.Context, keys []string) ([]Hash, error) {
	out := make([]Hash, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	pos := make([]*WorkflowHashFieldPo, 0)
	if err := r.GetDBWithContext(ctx).Where("hash_key IN ?", keys).Find(&pos).Error; err != nil {
		return nil, errors.WithMessagef(err, "BulkGet failed, count: %d", len(keys))
	}
	grouped := make(map[string]Hash)
	for _, po := range pos {
		h, ok := grouped[po.HashKey]
		if !ok {
			h = make(Hash)
			grouped[po.HashKey] = h
		}
		h[po.Field] = json.RawMessage(po.Value)
	}
	for i, key := range keys {
		out[i] = grouped[key]
	}
	return out, nil
}

func (r *gormHashStorage) Delete(ctx context.Context, key string) error {
	return r.BulkDelete(ctx, []string{key})
}

func (r *gormHashStorage) BulkDelete(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.GetDBWithContext(ctx).Where("hash_key IN ?", keys).Delete(&WorkflowHashFieldPo{}).Error; err != nil {
		return errors.WithMessagef(err, "BulkDelete failed, count: %d", len(keys))
	}
	return nil
}

func (r *gormHashStorage) DeleteByField(ctx context.Context, field string, value json.RawMessage) ([]string, error) {
	keys := make([]string, 0)
	err := r.Transaction(ctx, func(ctx context.Context) error {
		db := r.GetDBWithContext(ctx)
		if err := db.Model(&WorkflowHashFieldPo{}).
			Where("field = ? AND value = ?", field, string(value)).
			Distinct().Order("hash_key asc").Pluck("hash_key", &keys).Error; err != nil {
			return errors.WithMessagef(err, "query keys failed, field: %s", field)
		}
		return r.BulkDelete(ctx, keys)
	})
	if err != nil {
		return nil, err
	}
	return keys, nil
}

func (r *gormHashStorage) GetAllWorkflowsUids(ctx context.Context) ([]string, error) {
	keys := make([]string, 0)
	if err := r.GetDBWithContext(ctx).Model(&WorkflowHashFieldPo{}).
		Where("hash_key LIKE ?", workflowKeyPrefix+"%").
		Distinct().Order("hash_key asc").Pluck("hash_key", &keys).Error; err != nil {
		return nil, errors.WithMessage(err, "GetAllWorkflowsUids failed")
	}
	uids := make([]string, 0, len(keys))
	for _, key := range keys {
		// LIKE 里面的 _ 是通配符, workflowTask_ 也会被查出来
		if workflowID, ok := WorkflowIDFromKey(key); ok {
			uids = append(uids, workflowID)
		}
	}
	return uids, nil
}

type contextKey string

const (
	transactionContextKey contextKey = "transaction"
)

func (r *gormHashStorage) GetDBWithContext(ctx context.Context) *gorm.DB {
	tx := ctx.Value(transactionContextKey)
	if tx == nil {
		// 没有事务，直接返回db即可
		return r.db.WithContext(ctx)
	}
	return tx.(*gorm.DB)
}

func (r *gormHashStorage) Transaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if ctx.Value(transactionContextKey) != nil {
		return fn(ctx)
	}
	tx := r.db.WithContext(ctx).Begin()
	if tx.Error != nil {
		return errors.WithMessage(tx.Error, "begin transaction failed")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		} else {
			err = tx.Commit().Error
		}
	}()
	return fn(context.WithValue(ctx, transactionContextKey, tx))
}
