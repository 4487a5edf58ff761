package workflow

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type WorkflowIndexPo struct {
	ID        string `gorm:"column:id;primaryKey;size:64" json:"id"`
	Name      string `gorm:"column:name;index" json:"name"`
	Realm     string `gorm:"column:realm;index" json:"realm"`
	CreatedAt int64  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt int64  `gorm:"column:updated_at" json:"updated_at"`
}

func (WorkflowIndexPo) TableName() string {
	return "workflow_index"
}

type QueryWorkflowIndexParams struct {
	IDIn         []string `json:"id_in"`
	Name         *string  `json:"name"`
	Realm        *string  `json:"realm"`
	OrderbyIDAsc *bool    `json:"orderby_id_asc"`
	Page         *Pager   `json:"page"`
}

type Pager struct {
	IsNoLimit *bool `json:"is_no_limit"`
	Page      int64 `json:"page"`
	Size      int64 `json:"size"`
}

type workflowIndexRepo struct {
	db *gorm.DB
}

// NewGormWorkflowIndex 需要先 AutoMigrate(&WorkflowIndexPo{})
func NewGormWorkflowIndex(db *gorm.DB) WorkflowIndex {
	return &workflowIndexRepo{db: db}
}

func (r *workflowIndexRepo) Create(ctx context.Context, index *WorkflowIndexPo) error {
	if index == nil {
		return errors.WithMessage(ErrWorkflowParamInvalid, "nil WorkflowIndexPo")
	}
	now := time.Now().Unix()
	index.CreatedAt = now
	index.UpdatedAt = now
	if err := r.db.WithContext(ctx).Create(index).Error; err != nil {
		return errors.WithMessagef(err, "Create workflow index failed, id: %s", index.ID)
	}
	return nil
}

func (r *workflowIndexRepo) GetAll(ctx context.Context) ([]*WorkflowIndexPo, error) {
	return r.Query(ctx, &QueryWorkflowIndexParams{
		OrderbyIDAsc: Bool(true),
		Page:         &Pager{IsNoLimit: Bool(true)},
	})
}

func buildQueryWorkflowIndexParams(db *gorm.DB, isCount bool, param *QueryWorkflowIndexParams) (*gorm.DB, error) {
	if param == nil {
		return nil, errors.New("nil QueryWorkflowIndexParams")
	}
	if len(param.IDIn) != 0 {
		db = db.Where("id IN ?", param.IDIn)
	}
	if param.Name != nil {
		db = db.Where("name = ?", *param.Name)
	}
	if param.Realm != nil {
		db = db.Where("realm = ?", *param.Realm)
	}
	if param.OrderbyIDAsc != nil && !isCount {
		if *param.OrderbyIDAsc {
			db = db.Order("created_at asc, id asc")
		} else {
			db = db.Order("created_at desc, id desc")
		}
	}
	if !isCount {
		if param.Page == nil {
			return nil, errors.New("page is nil")
		}
		if param.Page.IsNoLimit != nil && *param.Page.IsNoLimit {
			// 不分页显示指定了true
			return db, nil
		}
		if param.Page.Page == 0 {
			param.Page.Page = 1
		}
		if param.Page.Size == 0 {
			param.Page.Size = 10
		}
		db = db.Offset(int(param.Page.Page-1) * int(param.Page.Size)).Limit(int(param.Page.Size))
	}
	return db, nil
}

func (r *workflowIndexRepo) Query(ctx context.Context, param *QueryWorkflowIndexParams) ([]*WorkflowIndexPo, error) {
	db := r.db.WithContext(ctx).Model(&WorkflowIndexPo{})
	db, err := buildQueryWorkflowIndexParams(db, false, param)
	if err != nil {
		return nil, errors.WithMessage(err, "buildQueryWorkflowIndexParams failed")
	}
	pos := make([]*WorkflowIndexPo, 0)
	if err := db.Find(&pos).Error; err != nil {
		return nil, errors.WithMessage(err, "Query workflow index failed")
	}
	return pos, nil
}

func (r *workflowIndexRepo) Count(ctx context.Context, param *QueryWorkflowIndexParams) (int64, error) {
	db := r.db.WithContext(ctx).Model(&WorkflowIndexPo{})
	db, err := buildQueryWorkflowIndexParams(db, true, param)
	if err != nil {
		return 0, errors.WithMessage(err, "buildQueryWorkflowIndexParams failed")
	}
	var count int64
	if err := db.Count(&count).Error; err != nil {
		return 0, errors.WithMessage(err, "Count workflow index failed")
	}
	return count, nil
}

func (r *workflowIndexRepo) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&WorkflowIndexPo{}).Error; err != nil {
		return errors.WithMessagef(err, "Delete workflow index failed, ids: %v", ids)
	}
	return nil
}
