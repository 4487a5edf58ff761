package workflow

import (
	"encoding/json"
	"testing"
)

func TestJSONContext_FromBytes(t *testing.T) {
	// 从 JSON 字节创建
	ctx, err := NewJSONContext([]byte(`{
		"workflow_id": 12345,
		"task_type": "审核",
		"active": true,
		"score": 98.5,
		"node_event": {
			"event_content": "审核通过",
			"event_ts": 1640000000
		}
	}`))
	if err != nil {
		t.Fatalf("NewJSONContext failed: %v", err)
	}

	workflowID, ok := ctx.GetInt64("workflow_id")
	if !ok || workflowID != 12345 {
		t.Errorf("Expected workflow_id=12345, got %d", workflowID)
	}

	taskType, ok := ctx.GetString("task_type")
	if !ok || taskType != "审核" {
		t.Errorf("Expected task_type=审核, got %s", taskType)
	}

	active, ok := ctx.GetBool("active")
	if !ok || !active {
		t.Errorf("Expected active=true, got %v", active)
	}

	score, ok := ctx.GetFloat64("score")
	if !ok || score != 98.5 {
		t.Errorf("Expected score=98.5, got %f", score)
	}

	// 读取嵌套值
	eventContent, ok := ctx.GetString("node_event", "event_content")
	if !ok || eventContent != "审核通过" {
		t.Errorf("Expected event_content=审核通过, got %s", eventContent)
	}

	eventTs, ok := ctx.GetInt64("node_event", "event_ts")
	if !ok || eventTs != 1640000000 {
		t.Errorf("Expected event_ts=1640000000, got %d", eventTs)
	}
}

func TestJSONContext_Invalid(t *testing.T) {
	if _, err := NewJSONContext([]byte(`[1, 2]`)); err == nil {
		t.Error("array should not be a context")
	}
	if _, err := NewJSONContext([]byte(`{`)); err == nil {
		t.Error("broken json should fail")
	}
	ctx, err := NewJSONContext(nil)
	if err != nil {
		t.Fatalf("empty bytes should be an empty context: %v", err)
	}
	if len(ctx.ToMap()) != 0 {
		t.Errorf("Expected empty context, got %v", ctx.ToMap())
	}
}

func TestJSONContext_GetPath(t *testing.T) {
	ctx := NewJSONContextFromMap(map[string]any{
		"user": map[string]any{"name": "张三"},
	})

	name, ok := ctx.GetPath("#.user.name")
	if !ok || name != "张三" {
		t.Errorf("Expected 张三, got %v", name)
	}
	name, ok = ctx.GetPath("user.name")
	if !ok || name != "张三" {
		t.Errorf("Expected 张三 without root prefix, got %v", name)
	}
	root, ok := ctx.GetPath("#")
	if !ok || root.(map[string]any)["user"] == nil {
		t.Errorf("Expected root object, got %v", root)
	}
	if _, ok := ctx.GetPath("#.user.name.first"); ok {
		t.Error("string has no children")
	}
	if _, ok := ctx.GetString("user"); ok {
		t.Error("user is not a string")
	}
}

func TestJSONContext_ToBytes(t *testing.T) {
	ctx := NewJSONContextFromMap(map[string]any{"name": "测试", "count": 100})

	// 转换为字节
	b, err := ctx.ToBytes()
	if err != nil {
		t.Fatalf("ToBytes failed: %v", err)
	}

	// 验证 JSON
	var result map[string]any
	if err := json.Unmarshal(b, &result); err != nil {
		t.Fatalf("JSON unmarshal failed: %v", err)
	}

	if result["name"] != "测试" {
		t.Errorf("Expected name=测试, got %v", result["name"])
	}
}

func TestJSONContext_Clone(t *testing.T) {
	original, _ := NewJSONContext([]byte(`{"name": "原始", "tags": {"a": 1}}`))
	cloned := original.Clone()

	// 修改克隆
	cloned.ToMap()["name"] = "克隆"
	cloned.ToMap()["tags"].(map[string]any)["a"] = 2

	// 验证原始未被修改
	name, _ := original.GetString("name")
	if name != "原始" {
		t.Errorf("Original should not be modified, got %s", name)
	}
	a, _ := original.GetInt64("tags", "a")
	if a != 1 {
		t.Errorf("Nested value should not be shared, got %d", a)
	}

	clonedName, _ := cloned.GetString("name")
	if clonedName != "克隆" {
		t.Errorf("Cloned should be modified, got %s", clonedName)
	}
}

func TestJSONContext_Unmarshal(t *testing.T) {
	ctx, _ := NewJSONContext([]byte(`{
		"user_id": "123",
		"age": 25,
		"email": "test@example.com"
	}`))

	// 反序列化到结构体
	type User struct {
		UserID string `json:"user_id"`
		Age    int    `json:"age"`
		Email  string `json:"email"`
	}

	var user User
	if err := ctx.Unmarshal(&user); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if user.UserID != "123" || user.Age != 25 || user.Email != "test@example.com" {
		t.Errorf("Unmarshal result incorrect: %+v", user)
	}
}

func TestNormalizeJSONValue(t *testing.T) {
	type payload struct {
		Count int `json:"count"`
	}
	value, err := normalizeJSONValue(&payload{Count: 3})
	if err != nil {
		t.Fatalf("normalize failed: %v", err)
	}
	if value.(map[string]any)["count"] != float64(3) {
		t.Errorf("Expected json number, got %#v", value)
	}
	if _, err := normalizeJSONValue(func() {}); err == nil {
		t.Error("func is not json")
	}
}

// 性能测试
func BenchmarkJSONContext_Get(b *testing.B) {
	ctx, _ := NewJSONContext([]byte(`{
		"level1": {
			"level2": {
				"level3": {
					"value": "test"
				}
			}
		}
	}`))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ctx.GetString("level1", "level2", "level3", "value")
	}
}
