package contract

import "fmt"

// ValidateSuggestion 将线上 Suggestion 校验为 Candidate（纯函数，无 I/O）。
// src 为提交时被分析的文本（rune 切片）。
// 约束：
// 1) 类别必须为已知值；
// 2) 0 <= start < end <= len(src)；
// 3) 若返回了 text，必须与 src[start:end] 一致（回显不符视为协议错误）。
func ValidateSuggestion(src []rune, s Suggestion) (Candidate, error) {
	k, err := ParseKind(s.Type)
	if err != nil {
		return Candidate{}, fmt.Errorf("suggestion %q: %v: %w", s.ID, err, ErrResponseInvalid)
	}
	st, en := s.Position.Start, s.Position.End
	if st < 0 || en <= st || en > len(src) {
		return Candidate{}, fmt.Errorf("suggestion %q range [%d,%d) of %d: %w", s.ID, st, en, len(src), ErrResponseInvalid)
	}
	got := string(src[st:en])
	if s.Text != "" && s.Text != got {
		return Candidate{}, fmt.Errorf("suggestion %q text mismatch: %w", s.ID, ErrResponseInvalid)
	}
	c := Candidate{
		ID:      s.ID,
		Kind:    k,
		Range:   Range{Start: st, End: en},
		Text:    got,
		Message: s.Message,
		RuleID:  s.RuleID,
	}
	if len(s.Suggestions) > 0 {
		c.Suggestions = make([]string, len(s.Suggestions))
		copy(c.Suggestions, s.Suggestions)
	}
	return c, nil
}

// ValidateSuggestions 逐条校验；非法条目被丢弃并计入 rejected（不整体失败）。
func ValidateSuggestions(src []rune, in []Suggestion) (out []Candidate, rejected int) {
	out = make([]Candidate, 0, len(in))
	for _, s := range in {
		c, err := ValidateSuggestion(src, s)
		if err != nil {
			rejected++
			continue
		}
		out = append(out, c)
	}
	return out, rejected
}
