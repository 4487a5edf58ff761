package workflow

import (
	"encoding/json"
	"strings"

	"github.com/mohae/deepcopy"
	"github.com/pkg/errors"
)

const (
	// RootPath 任务路径和上下文路径共同的根
	RootPath      = "#"
	pathSeparator = "."
)

// JSONContext 任务看到的上下文, 只提供读的能力
// 上下文的修改只能通过 ContextUpdater 表达
type JSONContext struct {
	data map[string]any
}

// NewJSONContext 从字节创建上下文
func NewJSONContext(b []byte) (*JSONContext, error) {
	ctx := &JSONContext{
		data: make(map[string]any),
	}
	if len(b) > 0 {
		if err := json.Unmarshal(b, &ctx.data); err != nil {
			return nil, errors.WithMessage(err, "NewJSONContext unmarshal failed")
		}
	}
	return ctx, nil
}

// NewJSONContextFromMap 从 map 创建上下文, 不拷贝
func NewJSONContextFromMap(m map[string]any) *JSONContext {
	if m == nil {
		m = make(map[string]any)
	}
	return &JSONContext{data: m}
}

// splitContextPath "#.a.b" / "a.b" -> [a b], "#" 或者空 -> nil 表示根
func splitContextPath(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" || path == RootPath {
		return nil
	}
	path = strings.TrimPrefix(path, RootPath+pathSeparator)
	return strings.Split(path, pathSeparator)
}

// Get 获取值，支持嵌套路径
// 例如: Get("user", "name") 获取 user.name
func (c *JSONContext) Get(keys ...string) (any, bool) {
	if len(keys) == 0 {
		return c.data, true
	}
	return lookupKeys(c.data, keys)
}

// GetPath 按点分路径获取值, 例如 GetPath("#.user.name")
func (c *JSONContext) GetPath(path string) (any, bool) {
	return c.Get(splitContextPath(path)...)
}

func lookupKeys(root map[string]any, keys []string) (any, bool) {
	current := any(root)
	for _, key := range keys {
		currentMap, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, exists := currentMap[key]
		if !exists {
			return nil, false
		}
		current = val
	}
	return current, true
}

// GetString 获取字符串值
func (c *JSONContext) GetString(keys ...string) (string, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return "", false
	}
	str, ok := val.(string)
	return str, ok
}

// GetInt64 获取 int64 值, 经过 json 之后数字都是 float64
func (c *JSONContext) GetInt64(keys ...string) (int64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	default:
		return 0, false
	}
}

// GetFloat64 获取 float64 值
func (c *JSONContext) GetFloat64(keys ...string) (float64, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return 0, false
	}
	switch v := val.(type) {
	case float64:
		return v, true
	case int64:
		return float64(v), true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

// GetBool 获取布尔值
func (c *JSONContext) GetBool(keys ...string) (bool, bool) {
	val, ok := c.Get(keys...)
	if !ok {
		return false, false
	}
	b, ok := val.(bool)
	return b, ok
}

// ToBytes 转换为 JSON 字节
func (c *JSONContext) ToBytes() ([]byte, error) {
	return json.Marshal(c.data)
}

// ToMap 返回底层 map（注意：返回的是引用）
func (c *JSONContext) ToMap() map[string]any {
	return c.data
}

// Clone 深拷贝上下文
func (c *JSONContext) Clone() *JSONContext {
	return &JSONContext{data: cloneContext(c.data)}
}

// Unmarshal 将上下文反序列化到指定结构体
func (c *JSONContext) Unmarshal(v any) error {
	b, err := c.ToBytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(b, v)
}

func cloneContext(m map[string]any) map[string]any {
	if m == nil {
		return make(map[string]any)
	}
	copied, ok := deepcopy.Copy(m).(map[string]any)
	if !ok {
		return make(map[string]any)
	}
	return copied
}

// normalizeJSONValue 把任意值变成 json 反序列化之后的形态
// 这样内存里面推演出来的上下文和从存储里面重放出来的完全一致
func normalizeJSONValue(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
