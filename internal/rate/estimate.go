package rate

// Estimator 近似估算文本 token 数。
type Estimator func(s string) int

// MakeEstimator 返回 tokens ≈ ceil(len(utf8_bytes)/bytesPerToken) 的估算器；bytesPerToken<=0 时取 4。
func MakeEstimator(bytesPerToken int) Estimator {
	bpt := bytesPerToken
	if bpt <= 0 {
		bpt = 4
	}
	return func(s string) int {
		if n := len(s); n > 0 {
			return (n + bpt - 1) / bpt
		}
		return 0
	}
}

// AskFor 为一次分析请求构造 Ask：请求数 1，token 为全部文本估算之和。
func AskFor(key LimitKey, est Estimator, texts ...string) Ask {
	if est == nil {
		est = MakeEstimator(0)
	}
	a := Ask{Key: key, Requests: 1}
	for _, s := range texts {
		a.Tokens += est(s)
	}
	return a
}
