// Package oplog 记录文档编辑的追加式操作日志。
package oplog

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"annotrack/pkg/contract"
)

// Log: 单会话操作日志（追加式，不做回溯修改）。
// 并发：由调用方串行化（引擎事件循环锁）。
type Log struct {
	ops  []contract.TextOperation
	head contract.Version
}

// New 构造空日志；base 为初始文档版本。
func New(base contract.Version) *Log { return &Log{head: base} }

// Append 追加一个操作。
// 约束：
// 1) op.Version 为 0 时自动分配 head+1；
// 2) 显式版本必须严格大于 head，否则返回 ErrSeqInvalid；
// 3) ID 为空时分配 UUID。
func (l *Log) Append(op contract.TextOperation) (contract.TextOperation, error) {
	if op.Kind != contract.OpInsert && op.Kind != contract.OpDelete {
		return op, fmt.Errorf("oplog: kind %d: %w", op.Kind, contract.ErrInvalidInput)
	}
	if op.Version == 0 {
		op.Version = l.head + 1
	}
	if op.Version <= l.head {
		return op, fmt.Errorf("oplog: version %d <= head %d: %w", op.Version, l.head, contract.ErrSeqInvalid)
	}
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	l.ops = append(l.ops, op)
	l.head = op.Version
	return op, nil
}

// Advance 推进 head 而不记录操作（例如整树替换后重新基线化）。
func (l *Log) Advance(v contract.Version) error {
	if v <= l.head {
		return fmt.Errorf("oplog: advance %d <= head %d: %w", v, l.head, contract.ErrSeqInvalid)
	}
	l.head = v
	return nil
}

// Since 返回版本严格大于 v 的操作（因果序）。返回切片为副本。
func (l *Log) Since(v contract.Version) []contract.TextOperation {
	i := sort.Search(len(l.ops), func(i int) bool { return l.ops[i].Version > v })
	if i == len(l.ops) {
		return nil
	}
	out := make([]contract.TextOperation, len(l.ops)-i)
	copy(out, l.ops[i:])
	return out
}

// Head 返回最新版本。
func (l *Log) Head() contract.Version { return l.head }

// Len 返回已记录操作数。
func (l *Log) Len() int { return len(l.ops) }
