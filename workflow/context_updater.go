package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mohae/deepcopy"
	"github.com/pkg/errors"
)

type UpdaterOp = string

const (
	// 覆盖路径上的值
	UpdaterOpSet UpdaterOp = "set"
	// 浅合并一个对象
	UpdaterOpMerge UpdaterOp = "merge"
	// 往数组后面追加, value 是数组的时候逐个追加
	UpdaterOpPush UpdaterOp = "push"
	// 删除路径上的值
	UpdaterOpUnset UpdaterOp = "unset"
	// 调用注册过的 transform, value 作为参数
	UpdaterOpApply UpdaterOp = "apply"
)

// ContextUpdater 对上下文的一次结构化修改, 会持久化在 TaskHash 上
type ContextUpdater struct {
	Path      string    `json:"path"`
	Op        UpdaterOp `json:"op" validate:"required,oneof=set merge push unset apply"`
	Value     any       `json:"value,omitempty"`
	Transform string    `json:"transform,omitempty" validate:"required_if=Op apply"`
}

func SetUpdater(path string, value any) ContextUpdater {
	return ContextUpdater{Path: path, Op: UpdaterOpSet, Value: value}
}

func MergeUpdater(path string, value map[string]any) ContextUpdater {
	return ContextUpdater{Path: path, Op: UpdaterOpMerge, Value: value}
}

func PushUpdater(path string, values ...any) ContextUpdater {
	return ContextUpdater{Path: path, Op: UpdaterOpPush, Value: values}
}

func UnsetUpdater(path string) ContextUpdater {
	return ContextUpdater{Path: path, Op: UpdaterOpUnset}
}

// ApplyTransformUpdater transform 用名字引用, 函数本身不能持久化
func ApplyTransformUpdater(path string, transform string, args any) ContextUpdater {
	return ContextUpdater{Path: path, Op: UpdaterOpApply, Transform: transform, Value: args}
}

// TransformFunc current 是路径上现有的值(不存在为nil), args 是 updater 的 value
type TransformFunc func(current any, args any) (any, error)

// TransformRegistry apply 操作使用的函数表
type TransformRegistry struct {
	mu         sync.RWMutex
	transforms map[string]TransformFunc
}

func NewTransformRegistry() *TransformRegistry {
	return &TransformRegistry{transforms: make(map[string]TransformFunc)}
}

func (r *TransformRegistry) Register(name string, fn TransformFunc) error {
	if name == "" || fn == nil {
		return errors.WithMessage(ErrWorkflowParamInvalid, "transform name and func are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transforms[name]; ok {
		return errors.WithMessagef(ErrTransformAlreadyRegistered, "transform: %s", name)
	}
	r.transforms[name] = fn
	return nil
}

func (r *TransformRegistry) Get(name string) (TransformFunc, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.transforms[name]
	return fn, ok
}

// ApplyUpdaters 在 base 的拷贝上按顺序重放 updaters, 不会修改 base
// 单个 updater 失败只记录日志并跳过, 不影响整条链的重放
func ApplyUpdaters(ctx context.Context, base map[string]any, updaters []ContextUpdater, transforms *TransformRegistry) map[string]any {
	return replayUpdaters(ctx, cloneContext(base), updaters, transforms)
}

// replayUpdaters 直接在 current 上面修改
func replayUpdaters(ctx context.Context, current map[string]any, updaters []ContextUpdater, transforms *TransformRegistry) map[string]any {
	for i, updater := range updaters {
		next, err := applyUpdater(current, updater, transforms)
		if err != nil {
			slog.WarnContext(ctx, fmt.Sprintf("apply context updater failed, skipped, index: %d, path: %s, op: %s, err: %v", i, updater.Path, updater.Op, err))
			continue
		}
		current = next
	}
	return current
}

// applyUpdater 先算出新值再写入, 出错的时候 root 保持不变
func applyUpdater(root map[string]any, updater ContextUpdater, transforms *TransformRegistry) (map[string]any, error) {
	keys := splitContextPath(updater.Path)
	value, err := normalizeJSONValue(updater.Value)
	if err != nil {
		return nil, errors.WithMessagef(ErrInvalidContextUpdater, "value not json: %v", err)
	}
	if len(keys) == 0 {
		return applyRootUpdater(root, updater, value, transforms)
	}
	if err := checkPathWritable(root, keys); err != nil {
		return nil, err
	}
	existing, exists := lookupKeys(root, keys)

	if updater.Op == UpdaterOpUnset {
		if exists {
			parent, _ := lookupKeys(root, keys[:len(keys)-1])
			delete(parent.(map[string]any), keys[len(keys)-1])
		}
		return root, nil
	}
	newValue, err := computeLeafValue(updater, existing, value, transforms)
	if err != nil {
		return nil, err
	}
	writeKeys(root, keys, newValue)
	return root, nil
}

func applyRootUpdater(root map[string]any, updater ContextUpdater, value any, transforms *TransformRegistry) (map[string]any, error) {
	switch updater.Op {
	case UpdaterOpUnset, UpdaterOpPush:
		return nil, errors.WithMessagef(ErrInvalidContextUpdater, "op %s not allowed on root", updater.Op)
	}
	newValue, err := computeLeafValue(updater, root, value, transforms)
	if err != nil {
		return nil, err
	}
	newRoot, ok := newValue.(map[string]any)
	if !ok {
		return nil, errors.WithMessagef(ErrInvalidContextUpdater, "root must stay an object, got %T", newValue)
	}
	return newRoot, nil
}

func computeLeafValue(updater ContextUpdater, existing any, value any, transforms *TransformRegistry) (any, error) {
	switch updater.Op {
	case UpdaterOpSet:
		return value, nil
	case UpdaterOpMerge:
		patch, ok := value.(map[string]any)
		if !ok {
			return nil, errors.WithMessagef(ErrInvalidContextUpdater, "merge value must be an object, got %T", value)
		}
		merged := make(map[string]any)
		if existing != nil {
			existingMap, ok := existing.(map[string]any)
			if !ok {
				return nil, errors.WithMessagef(ErrInvalidContextUpdater, "merge target must be an object, got %T", existing)
			}
			for k, v := range existingMap {
				merged[k] = v
			}
		}
		for k, v := range patch {
			merged[k] = v
		}
		return merged, nil
	case UpdaterOpPush:
		var list []any
		if existing != nil {
			existingList, ok := existing.([]any)
			if !ok {
				return nil, errors.WithMessagef(ErrInvalidContextUpdater, "push target must be an array, got %T", existing)
			}
			list = append(list, existingList...)
		}
		if values, ok := value.([]any); ok {
			list = append(list, values...)
		} else {
			list = append(list, value)
		}
		return list, nil
	case UpdaterOpApply:
		fn, ok := transforms.Get(updater.Transform)
		if !ok {
			return nil, errors.WithMessagef(ErrTransformNotFound, "transform: %s", updater.Transform)
		}
		result, err := fn(deepcopy.Copy(existing), value)
		if err != nil {
			return nil, errors.WithMessagef(err, "transform %s failed", updater.Transform)
		}
		return normalizeJSONValue(result)
	}
	return nil, errors.WithMessagef(ErrInvalidContextUpdater, "unknown op: %s", updater.Op)
}

// checkPathWritable 中间节点要么不存在要么是对象
func checkPathWritable(root map[string]any, keys []string) error {
	current := root
	for i := 0; i < len(keys)-1; i++ {
		next, exists := current[keys[i]]
		if !exists || next == nil {
			return nil
		}
		nextMap, ok := next.(map[string]any)
		if !ok {
			return errors.WithMessagef(ErrInvalidContextUpdater, "path segment %s is %T, not an object", keys[i], next)
		}
		current = nextMap
	}
	return nil
}

func writeKeys(root map[string]any, keys []string, value any) {
	current := root
	for i := 0; i < len(keys)-1; i++ {
		nextMap, ok := current[keys[i]].(map[string]any)
		if !ok {
			nextMap = make(map[string]any)
			current[keys[i]] = nextMap
		}
		current = nextMap
	}
	current[keys[len(keys)-1]] = value
}
