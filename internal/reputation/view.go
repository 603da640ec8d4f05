package reputation

// View 是某一时刻信誉证明的只读聚合结果。
type View struct {
	sums map[string]float64
}

// BuildView 把证明聚合为每个主体的信誉分：基线加上增量之和，再裁剪到 [0,100]。
func BuildView(atts []Attestation) *View {
	v := &View{sums: make(map[string]float64)}
	for _, att := range atts {
		v.sums[att.Subject] += att.Delta
	}
	return v
}

// Score 返回主体的信誉分，未出现过的主体返回基线。
func (v *View) Score(subject string) float64 {
	if v == nil {
		return Baseline
	}
	return Clamp(Baseline + v.sums[subject])
}

// Trusted 判断主体的信誉分是否达到阈值。
func (v *View) Trusted(subject string, min float64) bool {
	return v.Score(subject) >= min
}

// Subjects 返回视图中出现过的主体数量。
func (v *View) Subjects() int {
	if v == nil {
		return 0
	}
	return len(v.sums)
}

func (v *View) apply(att Attestation) *View {
	next := &View{sums: make(map[string]float64, len(v.sums)+1)}
	for k, s := range v.sums {
		next.sums[k] = s
	}
	next.sums[att.Subject] += att.Delta
	return next
}
