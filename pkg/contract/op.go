package contract

import "fmt"

// OpKind: 文本操作类型。
type OpKind uint8

const (
	OpInsert OpKind = iota + 1
	OpDelete
)

func (k OpKind) String() string {
	switch k {
	case OpInsert:
		return "insert"
	case OpDelete:
		return "delete"
	default:
		return "invalid"
	}
}

// TextOperation: 一次编辑（扁平坐标，rune 单位）。
// 约束：
// 1) 追加进操作日志后不可变；
// 2) Insert 时 Length == rune 数(Text)；Delete 时区间为 [Position, Position+Length)；
// 3) Version 由操作日志分配，严格递增。
type TextOperation struct {
	ID       string  `json:"id"`
	Version  Version `json:"version"`
	Kind     OpKind  `json:"kind"`
	Position int     `json:"position"`
	Length   int     `json:"length"`
	// Text: 插入内容（仅 Insert；用于重放与诊断）。
	Text string `json:"text,omitempty"`
}

// End 返回操作在操作前坐标中的结束位置（Insert 为 Position）。
func (o TextOperation) End() int {
	if o.Kind == OpDelete {
		return o.Position + o.Length
	}
	return o.Position
}

// Delta 返回文本长度变化量。
func (o TextOperation) Delta() int {
	switch o.Kind {
	case OpInsert:
		return o.Length
	case OpDelete:
		return -o.Length
	default:
		return 0
	}
}

// Insert 构造插入操作（Length 取 rune 数）。
func Insert(pos int, text string) TextOperation {
	return TextOperation{Kind: OpInsert, Position: pos, Length: len([]rune(text)), Text: text}
}

// Delete 构造删除操作。
func Delete(pos, n int) TextOperation {
	return TextOperation{Kind: OpDelete, Position: pos, Length: n}
}

// ValidateOp 校验操作相对于长度为 size 的文本是否合法。
func ValidateOp(op TextOperation, size int) error {
	if op.Position < 0 || op.Length < 0 {
		return fmt.Errorf("op %s at %d len %d: %w", op.Kind, op.Position, op.Length, ErrInvalidInput)
	}
	switch op.Kind {
	case OpInsert:
		if op.Position > size {
			return fmt.Errorf("insert at %d beyond %d: %w", op.Position, size, ErrInvalidInput)
		}
		if n := len([]rune(op.Text)); op.Text != "" && n != op.Length {
			return fmt.Errorf("insert length %d != text %d: %w", op.Length, n, ErrInvalidInput)
		}
	case OpDelete:
		if op.Position+op.Length > size {
			return fmt.Errorf("delete [%d,%d) beyond %d: %w", op.Position, op.Position+op.Length, size, ErrInvalidInput)
		}
	default:
		return fmt.Errorf("op kind %d: %w", op.Kind, ErrInvalidInput)
	}
	return nil
}
