package workflow

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
)

type DistributedMessageType = string

const (
	// supervision -> worker
	MessageSupervisionHello DistributedMessageType = "supervisionHello"
	MessageRunTask          DistributedMessageType = "runTask"
	// worker -> supervision
	MessageWorkerHello DistributedMessageType = "workerHello"
	MessageResult      DistributedMessageType = "result"
	MessageFail        DistributedMessageType = "fail"
)

// supervisionPeer worker 这一侧记录 supervision 的 key
const supervisionPeer = "supervision"

// DistributedMessage supervision 和 worker 之间的消息, 所有类型共用一个结构
// 每条消息都带发送方的 UID, 接收方用 FencingTable 判断是否接收
type DistributedMessage struct {
	Type           DistributedMessageType `json:"type"`
	SupervisionUID string                 `json:"supervision_uid,omitempty"`
	WorkerUID      string                 `json:"worker_uid,omitempty"`
	WorkerName     string                 `json:"worker_name,omitempty"`
	// workerHello 带上 worker 能执行的任务路径
	Paths []string `json:"paths,omitempty"`

	WorkflowID      string         `json:"workflow_id,omitempty"`
	TaskPath        string         `json:"task_path,omitempty"`
	Realm           string         `json:"realm,omitempty"`
	Argument        any            `json:"argument,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	PreviousContext map[string]any `json:"previous_context,omitempty"`
	Result          any            `json:"result,omitempty"`
	Error           any            `json:"error,omitempty"`
}

// senderUID 消息发送方的 UID
func (m *DistributedMessage) senderUID() string {
	switch m.Type {
	case MessageSupervisionHello, MessageRunTask:
		return m.SupervisionUID
	}
	return m.WorkerUID
}

func (m *DistributedMessage) isHello() bool {
	return m.Type == MessageSupervisionHello || m.Type == MessageWorkerHello
}

func encodeMessage(m *DistributedMessage) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, errors.WithMessagef(err, "marshal %s message failed", m.Type)
	}
	return b, nil
}

func decodeMessage(body []byte) (*DistributedMessage, error) {
	m := &DistributedMessage{}
	if err := json.Unmarshal(body, m); err != nil {
		return nil, errors.WithMessage(err, "unmarshal distributed message failed")
	}
	if m.Type == "" {
		return nil, errors.New("distributed message without type")
	}
	return m, nil
}

// WorkerMessagesQueueName supervision -> worker
func WorkerMessagesQueueName(prefix, worker string) string {
	return fmt.Sprintf("%s_%s_workerMessages", prefix, worker)
}

// SupervisionMessagesQueueName worker -> supervision
func SupervisionMessagesQueueName(prefix, worker string) string {
	return fmt.Sprintf("%s_%s_supervisionMessages", prefix, worker)
}

type fencingEntry struct {
	uid   string
	paths []string
}

// FencingTable 对端 -> 最近一次 hello 里面的 UID
// 只有 hello 消息能修改, 其它消息都要先经过 Admit
type FencingTable struct {
	mu    sync.RWMutex
	peers map[string]fencingEntry
}

func NewFencingTable() *FencingTable {
	return &FencingTable{peers: make(map[string]fencingEntry)}
}

// ObserveHello 记录 hello, UID 发生变化的时候返回 true
func (t *FencingTable) ObserveHello(peer string, uid string, paths []string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.peers[peer]
	changed := !ok || entry.uid != uid
	t.peers[peer] = fencingEntry{uid: uid, paths: append([]string(nil), paths...)}
	return changed
}

// Admit uid 和最近一次 hello 一致才接收
func (t *FencingTable) Admit(peer string, uid string) bool {
	if uid == "" {
		return false
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.peers[peer]
	return ok && entry.uid == uid
}

func (t *FencingTable) UID(peer string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.peers[peer]
	return entry.uid, ok
}

// PeersForPath 已经 hello 过并且声明能执行 path 的对端
func (t *FencingTable) PeersForPath(path string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	peers := make([]string, 0)
	for peer, entry := range t.peers {
		for _, p := range entry.paths {
			if p == path {
				peers = append(peers, peer)
				break
			}
		}
	}
	sort.Strings(peers)
	return peers
}
