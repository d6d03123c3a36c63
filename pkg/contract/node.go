package contract

// 文档树节点类型（与编辑器 JSON 一致）。
const (
	NodeDoc         = "doc"
	NodeParagraph   = "paragraph"
	NodeHeading     = "heading"
	NodeBlockquote  = "blockquote"
	NodeBulletList  = "bulletList"
	NodeOrderedList = "orderedList"
	NodeListItem    = "listItem"
	NodeCodeBlock   = "codeBlock"
	NodeText        = "text"
	NodeHardBreak   = "hardBreak"
)

// Node: 结构化文档树。ID 可为空，空时由偏移映射器按路径生成。
type Node struct {
	ID      string         `json:"id,omitempty"`
	Type    string         `json:"type"`
	Text    string         `json:"text,omitempty"`
	Attrs   map[string]any `json:"attrs,omitempty"`
	Content []*Node        `json:"content,omitempty"`
}

// IsBlock: 块级节点在扁平化时贡献一个分隔符。
func (n *Node) IsBlock() bool {
	if n == nil {
		return false
	}
	switch n.Type {
	case NodeParagraph, NodeHeading, NodeListItem, NodeBlockquote, NodeCodeBlock:
		return true
	}
	return false
}

// Clone 深拷贝（Attrs 仅浅拷贝一层）。
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := &Node{ID: n.ID, Type: n.Type, Text: n.Text}
	if n.Attrs != nil {
		out.Attrs = make(map[string]any, len(n.Attrs))
		for k, v := range n.Attrs {
			out.Attrs[k] = v
		}
	}
	if len(n.Content) > 0 {
		out.Content = make([]*Node, len(n.Content))
		for i, c := range n.Content {
			out.Content[i] = c.Clone()
		}
	}
	return out
}

// Paragraphs 将多行文本构造为 doc → paragraph → text 的树（空行生成空段落）。
func Paragraphs(lines ...string) *Node {
	doc := &Node{Type: NodeDoc}
	for _, l := range lines {
		p := &Node{Type: NodeParagraph}
		if l != "" {
			p.Content = []*Node{{Type: NodeText, Text: l}}
		}
		doc.Content = append(doc.Content, p)
	}
	return doc
}
