package workflow

import (
	"context"
	"strings"

	"github.com/mohae/deepcopy"
	"github.com/pkg/errors"
)

// TaskHashFetcher 读取某个路径的 TaskHash, 不存在返回 nil, nil
type TaskHashFetcher func(ctx context.Context, path string) (*TaskHash, error)

// taskNode 平铺之后的树节点, 用下标互相引用
type taskNode struct {
	task        *Task
	path        string
	parent      int
	children    []int
	nextSibling int
}

// Workflow 由生成器产生的任务树, 节点按先序平铺在 nodes 里面
type Workflow struct {
	nodes  []*taskNode
	roots  []int
	byPath map[string]int
}

// TaskDescription 给展示用的树描述
type TaskDescription struct {
	Name        string             `json:"name"`
	Path        string             `json:"path"`
	Description string             `json:"description,omitempty"`
	Children    []*TaskDescription `json:"children"`
}

// ResolvedTask GetTask 的结果
type ResolvedTask struct {
	Task *Task
	Path string
	// 前置任务重放出来的上下文
	Context map[string]any
	// Context 再叠加目标任务自己上一次的修改
	ResultContext map[string]any
	PrevResult    any
	Hash          *TaskHash
}

func JoinTaskPath(parent string, name string) string {
	return parent + pathSeparator + name
}

// NewWorkflow 校验任务定义并构建平铺的节点表
func NewWorkflow(tasks ...*Task) (*Workflow, error) {
	if len(tasks) == 0 {
		return nil, errors.WithMessage(ErrWorkflowParamInvalid, "workflow needs at least one task")
	}
	w := &Workflow{byPath: make(map[string]int)}

	type frame struct {
		task   *Task
		parent int
	}
	// 先序遍历, 子节点逆序压栈保证兄弟顺序
	stack := make([]frame, 0, len(tasks))
	for i := len(tasks) - 1; i >= 0; i-- {
		stack = append(stack, frame{task: tasks[i], parent: -1})
	}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if top.task == nil {
			return nil, errors.WithMessage(ErrWorkflowParamInvalid, "nil task in workflow definition")
		}
		if err := validatorUtil.Struct(top.task); err != nil {
			return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "task %q invalid: %v", top.task.Name, err)
		}
		parentPath := RootPath
		if top.parent >= 0 {
			parentPath = w.nodes[top.parent].path
		}
		path := JoinTaskPath(parentPath, top.task.Name)
		if _, ok := w.byPath[path]; ok {
			return nil, errors.WithMessagef(ErrWorkflowParamInvalid, "duplicate task path: %s", path)
		}
		idx := len(w.nodes)
		w.nodes = append(w.nodes, &taskNode{task: top.task, path: path, parent: top.parent, nextSibling: -1})
		w.byPath[path] = idx
		if top.parent >= 0 {
			w.nodes[top.parent].children = append(w.nodes[top.parent].children, idx)
		} else {
			w.roots = append(w.roots, idx)
		}
		for i := len(top.task.Children) - 1; i >= 0; i-- {
			stack = append(stack, frame{task: top.task.Children[i], parent: idx})
		}
	}

	linkSiblings := func(siblings []int) {
		for i := 0; i+1 < len(siblings); i++ {
			w.nodes[siblings[i]].nextSibling = siblings[i+1]
		}
	}
	linkSiblings(w.roots)
	for _, node := range w.nodes {
		linkSiblings(node.children)
	}
	return w, nil
}

// GetAllPaths 先序, 父节点在子节点之前, 兄弟按声明顺序
func (w *Workflow) GetAllPaths() []string {
	paths := make([]string, 0, len(w.nodes))
	for _, node := range w.nodes {
		paths = append(paths, node.path)
	}
	return paths
}

func (w *Workflow) Describe() []*TaskDescription {
	descriptions := make([]*TaskDescription, len(w.nodes))
	roots := make([]*TaskDescription, 0, len(w.roots))
	for i, node := range w.nodes {
		descriptions[i] = &TaskDescription{
			Name:        node.task.Name,
			Path:        node.path,
			Description: node.task.Description,
			Children:    make([]*TaskDescription, 0, len(node.children)),
		}
		if node.parent >= 0 {
			parent := descriptions[node.parent]
			parent.Children = append(parent.Children, descriptions[i])
		} else {
			roots = append(roots, descriptions[i])
		}
	}
	return roots
}

func (w *Workflow) Lookup(path string) (*Task, bool) {
	idx, ok := w.byPath[path]
	if !ok {
		return nil, false
	}
	return w.nodes[idx].task, true
}

// FirstPath 执行序列的第一个路径
func (w *Workflow) FirstPath() (string, bool) {
	if len(w.roots) == 0 {
		return "", false
	}
	return w.nodes[w.roots[0]].path, true
}

// NextPath 下一个兄弟, 没有的话找父节点的下一个兄弟, 一直到根
// 第二个返回值为 false 表示整个工作流已经走完
func (w *Workflow) NextPath(path string) (string, bool, error) {
	idx, ok := w.byPath[path]
	if !ok {
		return "", false, newTaskError(TaskErrorCannotFindTask, "path %s not in workflow", path)
	}
	for idx >= 0 {
		node := w.nodes[idx]
		if node.nextSibling >= 0 {
			return w.nodes[node.nextSibling].path, true, nil
		}
		idx = node.parent
	}
	return "", false, nil
}

// GetTask 按执行顺序重放目标之前所有任务的结果, 得到目标任务的上下文
// minExecutionTime 是前置任务执行时间的水位线, 前置任务的执行时间必须单调不减
func (w *Workflow) GetTask(ctx context.Context, path string, baseContext map[string]any, fetch TaskHashFetcher, transforms *TransformRegistry) (*ResolvedTask, error) {
	current := cloneContext(baseContext)
	var (
		minExecutionTime int64
		prevResult       any
	)
	for _, idx := range w.roots {
		node := w.nodes[idx]
		if node.path == path {
			hash, err := fetch(ctx, node.path)
			if err != nil {
				return nil, errors.WithMessagef(err, "fetch task hash failed, path: %s", node.path)
			}
			if hash == nil {
				return nil, newTaskError(TaskErrorCannotFindTask, "task hash of %s is missing", path)
			}
			return &ResolvedTask{
				Task:          node.task,
				Path:          node.path,
				Context:       current,
				ResultContext: ApplyUpdaters(ctx, current, hash.ContextUpdaters, transforms),
				PrevResult:    prevResult,
				Hash:          hash,
			}, nil
		}
		if strings.HasPrefix(path, node.path+pathSeparator) {
			if len(node.children) == 0 {
				return nil, newTaskError(TaskErrorCannotFindTask, "missing task %s", path)
			}
			return nil, newTaskError(TaskErrorSchedulerError, "nested task %s cannot be executed, parallels not supported yet", path)
		}

		hash, err := fetch(ctx, node.path)
		if err != nil {
			return nil, errors.WithMessagef(err, "fetch task hash failed, path: %s", node.path)
		}
		if hash == nil {
			return nil, newTaskError(TaskErrorCannotFindTask, "task hash of predecessor %s is missing", node.path)
		}
		if hash.Status != TaskStatusOk {
			return nil, newTaskError(TaskErrorCannotStartTask, "task %s need to be re-executed (current status is: %q)", node.path, hash.Status)
		}
		executionTime := hash.GetExecutionTime()
		if executionTime < minExecutionTime {
			return nil, newTaskError(TaskErrorCannotStartTask, "task %s need to be re-executed, previous tasks have been executed afterward", node.path)
		}
		minExecutionTime = executionTime
		prevResult = hash.Body
		if node.task.ContextVar != "" {
			current[node.task.ContextVar] = deepcopy.Copy(hash.Body)
		}
		current = replayUpdaters(ctx, current, hash.ContextUpdaters, transforms)
	}
	return nil, newTaskError(TaskErrorCannotFindTask, "path %s not in workflow", path)
}
