package mock

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"annotrack/pkg/contract"
)

// rule: 一条确定性的写作规则。fix 接收整段匹配与子匹配，返回候选替换。
type rule struct {
	id   string
	set  string
	kind contract.Kind
	re   *regexp.Regexp
	fix  func(m []string) []string
	msg  string
}

// hit: 规则命中（rune 偏移，相对于被分析的文本）。
type hit struct {
	rule  *rule
	start int
	end   int
	text  string
	sugs  []string
}

// Caser 有状态，不可跨 goroutine 共享，因此每次新建。
func lower(s string) string { return cases.Fold().String(s) }

func titleCase(s string) string { return cases.Title(language.English).String(s) }

var participle = map[string]string{
	"go": "gone", "went": "gone",
	"come": "come", "came": "come",
	"do": "done", "did": "done",
	"have": "had", "had": "had",
}

var uncountable = map[string]string{
	"informations": "information", "information": "information",
	"advices": "advice", "advice": "advice",
	"furnitures": "furniture", "furniture": "furniture",
	"homeworks": "homework", "homework": "homework",
	"researches": "research", "research": "research",
}

var irregularPlural = map[string]string{
	"peoples": "people", "people": "people",
	"childs": "children", "child": "child",
	"mans": "men", "man": "man",
	"womans": "women", "woman": "woman",
}

var comparative = map[string]map[string]string{
	"good": {"more": "better", "most": "best"},
	"bad":  {"more": "worse", "most": "worst"},
	"far":  {"more": "farther", "most": "farthest"},
}

var vagueNouns = []string{"items", "objects", "elements", "aspects", "factors"}

var plainAdjectives = map[string][]string{
	"good":  {"excellent", "outstanding", "remarkable", "beneficial"},
	"bad":   {"terrible", "awful", "harmful", "inadequate"},
	"nice":  {"pleasant", "delightful", "appealing", "attractive"},
	"big":   {"enormous", "massive", "substantial", "significant"},
	"small": {"tiny", "minimal", "compact", "minor"},
}

var rules = []*rule{
	{
		id: "aux-participle", set: "grammar", kind: contract.KindGrammar,
		re: regexp.MustCompile(`(?i)\b(is|are|was|were)\s+(go|went|come|came|do|did|have|had)\b`),
		fix: func(m []string) []string {
			v := lower(m[2])
			return []string{m[1] + " " + participle[v]}
		},
		msg: "Use the past participle form after auxiliary verbs like 'is', 'are', 'was', 'were'.",
	},
	{
		id: "article-an", set: "grammar", kind: contract.KindGrammar,
		re: regexp.MustCompile(`\b(a)\s+([aeiouAEIOU]\w*)`),
		fix: func(m []string) []string { return []string{"an " + m[2]} },
		msg: "Use 'an' before words that start with a vowel sound.",
	},
	{
		id: "article-a", set: "grammar", kind: contract.KindGrammar,
		re: regexp.MustCompile(`\b(an)\s+([bcdfghjklmnpqrstvwxyzBCDFGHJKLMNPQRSTVWXYZ]\w*)`),
		fix: func(m []string) []string { return []string{"a " + m[2]} },
		msg: "Use 'a' before words that start with a consonant sound.",
	},
	{
		id: "third-person-dont", set: "grammar", kind: contract.KindGrammar,
		re:  regexp.MustCompile(`(?i)\b(he|she|it)\s+(don't)\b`),
		fix: func(m []string) []string { return []string{m[1] + " doesn't"} },
		msg: "Use 'doesn't' with third person singular subjects (he, she, it).",
	},
	{
		id: "plural-doesnt", set: "grammar", kind: contract.KindGrammar,
		re:  regexp.MustCompile(`(?i)\b(I|you|we|they)\s+(doesn't)\b`),
		fix: func(m []string) []string { return []string{m[1] + " don't"} },
		msg: "Use 'don't' with first and second person subjects (I, you, we, they).",
	},
	{
		id: "uncountable", set: "grammar", kind: contract.KindGrammar,
		re: regexp.MustCompile(`(?i)\b(much|many)\s+(informations?|advices?|furnitures?|homeworks?|researches?)\b`),
		fix: func(m []string) []string {
			return []string{"much " + uncountable[lower(m[2])]}
		},
		msg: "These are uncountable nouns. Use 'much' instead of 'many' and don't add 's' for plural.",
	},
	{
		id: "irregular-plural", set: "grammar", kind: contract.KindGrammar,
		re: regexp.MustCompile(`(?i)\b(peoples?|childs?|mans?|womans?)\b`),
		fix: func(m []string) []string {
			return []string{irregularPlural[lower(m[1])]}
		},
		msg: "These nouns have irregular plural forms.",
	},
	{
		id: "irregular-comparative", set: "grammar", kind: contract.KindGrammar,
		re: regexp.MustCompile(`(?i)\b(more|most)\s+(good|bad|far)\b`),
		fix: func(m []string) []string {
			return []string{comparative[lower(m[2])][lower(m[1])]}
		},
		msg: "These adjectives have irregular comparative and superlative forms.",
	},
	{
		id: "receive", set: "spelling", kind: contract.KindSpelling,
		re:  regexp.MustCompile(`(?i)\b(recieve|recieved|recieving)\b`),
		fix: func(m []string) []string { return []string{strings.Replace(lower(m[1]), "ie", "ei", 1)} },
		msg: "'I' before 'E' except after 'C' - the correct spelling is 'receive'.",
	},
	{
		id: "separate", set: "spelling", kind: contract.KindSpelling,
		re:  regexp.MustCompile(`(?i)\b(seperate|seperated|seperating)\b`),
		fix: func(m []string) []string { return []string{strings.Replace(lower(m[1]), "seperat", "separat", 1)} },
		msg: "Remember: 'separate' has 'a' in the middle, not 'e'.",
	},
	{
		id: "definitely", set: "spelling", kind: contract.KindSpelling,
		re:  regexp.MustCompile(`(?i)\b(definately|definatly)\b`),
		fix: func([]string) []string { return []string{"definitely"} },
		msg: "The correct spelling is 'definitely' - remember 'finite' is in the middle.",
	},
	{
		id: "occur", set: "spelling", kind: contract.KindSpelling,
		re: regexp.MustCompile(`(?i)\b(occured|occurence)\b`),
		fix: func(m []string) []string {
			if lower(m[1]) == "occured" {
				return []string{"occurred"}
			}
			return []string{"occurrence"}
		},
		msg: "Double the 'r' before adding endings to 'occur'.",
	},
	{
		id: "double-intensifier", set: "style", kind: contract.KindStyle,
		re:  regexp.MustCompile(`(?i)\b(very|really|extremely|quite)\s+(very|really|extremely|quite)\b`),
		fix: func(m []string) []string { return []string{m[2]} },
		msg: "Avoid using multiple intensifiers together. One is enough for emphasis.",
	},
	{
		id: "vague-noun", set: "style", kind: contract.KindStyle,
		re:  regexp.MustCompile(`(?i)\b(thing|stuff|things|stuffs)\b`),
		fix: func([]string) []string { return append([]string(nil), vagueNouns...) },
		msg: "Try to use more specific words instead of vague terms like 'thing' or 'stuff'.",
	},
	{
		id: "plain-adjective", set: "style", kind: contract.KindStyle,
		re: regexp.MustCompile(`(?i)\b(good|bad|nice|big|small)\b`),
		fix: func(m []string) []string {
			return append([]string(nil), plainAdjectives[lower(m[1])]...)
		},
		msg: "Consider using more descriptive and specific adjectives to make your writing more engaging.",
	},
}

// 非正则规则的标识。
const (
	ruleRepeated = "repeated-word"
	ruleLong     = "long-sentence"
)

var (
	wordRE     = regexp.MustCompile(`[\p{L}\p{N}']+`)
	sentenceRE = regexp.MustCompile(`[^.!?]+[.!?]*`)
)

// scan 在单行文本上运行已启用的规则集，返回按起点排序的命中（词级命中互不重叠）。
func scan(text string, sets map[string]bool, maxWords int) []hit {
	var hits []hit
	for _, r := range rules {
		if !sets[r.set] {
			continue
		}
		for _, loc := range r.re.FindAllStringSubmatchIndex(text, -1) {
			m := submatches(text, loc)
			sugs := r.fix(m)
			if len(sugs) == 0 || sugs[0] == "" || lower(sugs[0]) == lower(m[0]) {
				continue
			}
			hits = append(hits, newHit(r, text, loc[0], loc[1], matchCase(m[0], sugs)))
		}
	}
	if sets["grammar"] {
		hits = append(hits, repeated(text)...)
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].start != hits[j].start {
			return hits[i].start < hits[j].start
		}
		return hits[i].rule.kind.Priority() < hits[j].rule.kind.Priority()
	})
	out := hits[:0]
	for _, h := range hits {
		if len(out) > 0 && h.start < out[len(out)-1].end {
			continue
		}
		out = append(out, h)
	}
	// 句子级提示与词级命中允许重叠，由裁决层决定展示。
	if sets["readability"] {
		out = append(out, longSentences(text, maxWords)...)
		sort.SliceStable(out, func(i, j int) bool { return out[i].start < out[j].start })
	}
	return out
}

var repeatedRule = &rule{id: ruleRepeated, set: "grammar", kind: contract.KindGrammar, msg: "Repeated word, remove one occurrence."}

var longRule = &rule{id: ruleLong, set: "readability", kind: contract.KindReadability, msg: "Hard to read sentence, consider splitting it up."}

// repeated 标出紧邻重复的单词（大小写折叠后相同）。
func repeated(text string) []hit {
	var out []hit
	locs := wordRE.FindAllStringIndex(text, -1)
	for i := 1; i < len(locs); i++ {
		a, b := locs[i-1], locs[i]
		if strings.TrimSpace(text[a[1]:b[0]]) != "" {
			continue
		}
		w1, w2 := text[a[0]:a[1]], text[b[0]:b[1]]
		if lower(w1) != lower(w2) {
			continue
		}
		out = append(out, newHit(repeatedRule, text, a[0], b[1], []string{w1}))
	}
	return out
}

// longSentences 标出单词数超过 maxWords 的句子（不含首尾空白）。
func longSentences(text string, maxWords int) []hit {
	if maxWords <= 0 {
		return nil
	}
	var out []hit
	for _, loc := range sentenceRE.FindAllStringIndex(text, -1) {
		s := text[loc[0]:loc[1]]
		if len(wordRE.FindAllStringIndex(s, -1)) <= maxWords {
			continue
		}
		lead := len(s) - len(strings.TrimLeftFunc(s, unicode.IsSpace))
		trail := len(s) - len(strings.TrimRightFunc(s, unicode.IsSpace))
		out = append(out, newHit(longRule, text, loc[0]+lead, loc[1]-trail, nil))
	}
	return out
}

func submatches(text string, loc []int) []string {
	m := make([]string, len(loc)/2)
	for i := range m {
		if loc[2*i] >= 0 {
			m[i] = text[loc[2*i]:loc[2*i+1]]
		}
	}
	return m
}

// newHit 将字节偏移换算为 rune 偏移。
func newHit(r *rule, text string, bs, be int, sugs []string) hit {
	start := utf8.RuneCountInString(text[:bs])
	return hit{
		rule:  r,
		start: start,
		end:   start + utf8.RuneCountInString(text[bs:be]),
		text:  text[bs:be],
		sugs:  sugs,
	}
}

// matchCase: 原文首字母大写时，候选同样首字母大写。
func matchCase(orig string, sugs []string) []string {
	r, _ := utf8.DecodeRuneInString(orig)
	if !unicode.IsUpper(r) {
		return sugs
	}
	out := make([]string, len(sugs))
	for i, s := range sugs {
		first, n := utf8.DecodeRuneInString(s)
		if unicode.IsUpper(first) || n == 0 {
			out[i] = s
			continue
		}
		w := wordRE.FindStringIndex(s)
		if w == nil || w[0] != 0 {
			out[i] = s
			continue
		}
		out[i] = titleCase(s[:w[1]]) + s[w[1]:]
	}
	return out
}
