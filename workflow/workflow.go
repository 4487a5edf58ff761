package workflow

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// 辅助函数：替代 String 和 Bool
func String(s string) *string { return &s }
func Bool(b bool) *bool       { return &b }

// WorkflowGenerator 从 generatorData 生成任务树
// 必须是纯函数, 同样的输入每次都要生成同样的树, 因为树本身不持久化
type WorkflowGenerator func(ctx context.Context, generatorData json.RawMessage) (*Workflow, error)

// GeneratorRegistry 生成器注册表, 构造 backend 的时候传进去
type GeneratorRegistry struct {
	mu         sync.RWMutex
	generators map[string]WorkflowGenerator
}

func NewGeneratorRegistry() *GeneratorRegistry {
	return &GeneratorRegistry{generators: make(map[string]WorkflowGenerator)}
}

func (r *GeneratorRegistry) Register(name string, generator WorkflowGenerator) error {
	if name == "" || generator == nil {
		return errors.WithMessage(ErrWorkflowParamInvalid, "generator name and func are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.generators[name]; ok {
		return errors.WithMessagef(ErrGeneratorAlreadyRegistered, "generator: %s", name)
	}
	r.generators[name] = generator
	return nil
}

// MustRegister 启动阶段注册用, 重复注册直接 panic
func (r *GeneratorRegistry) MustRegister(name string, generator WorkflowGenerator) {
	if err := r.Register(name, generator); err != nil {
		panic(err)
	}
}

// RegisterTasks 固定任务列表的快捷注册, 忽略 generatorData
func (r *GeneratorRegistry) RegisterTasks(name string, build func() []*Task) error {
	return r.Register(name, func(_ context.Context, _ json.RawMessage) (*Workflow, error) {
		return NewWorkflow(build()...)
	})
}

func (r *GeneratorRegistry) Generate(ctx context.Context, name string, generatorData json.RawMessage) (*Workflow, error) {
	r.mu.RLock()
	generator, ok := r.generators[name]
	r.mu.RUnlock()
	if !ok {
		return nil, errors.WithMessagef(ErrGeneratorNotFound, "generator: %s", name)
	}
	workflow, err := generator(ctx, generatorData)
	if err != nil {
		return nil, errors.WithMessagef(err, "generator %s failed", name)
	}
	if workflow == nil {
		return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "generator %s returned nil workflow", name)
	}
	return workflow, nil
}

func (r *GeneratorRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.generators))
	for name := range r.generators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
