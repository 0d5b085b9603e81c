package eval

import (
	"cmp"
	"math"
	"math/rand/v2"
	"slices"
)

const (
	numBins = 10
	// logLossClip keeps log(0) out of the loss.
	logLossClip = 1e-15
)

// ComputeMetrics evaluates probabilities against labels at threshold. probs
// and labels must have equal length. No rows gives the zero Metrics; callers
// rank on NumSamples before any metric.
func ComputeMetrics(probs []float64, labels []bool, threshold float64) Metrics {
	m := Metrics{NumSamples: len(probs)}
	if len(probs) == 0 {
		return m
	}

	computeConfusion(probs, labels, threshold, &m)
	computeDerived(&m)
	computeCalibration(probs, labels, &m)
	m.AUC, m.SingleClass = rankAUC(probs, labels)
	m.AUPRC = averagePrecision(probs, labels)
	return m
}

func computeConfusion(probs []float64, labels []bool, threshold float64, m *Metrics) {
	for i, p := range probs {
		predicted := p >= threshold
		switch {
		case labels[i] && predicted:
			m.TruePositives++
		case labels[i]:
			m.FalseNegatives++
		case predicted:
			m.FalsePositives++
		default:
			m.TrueNegatives++
		}
		if labels[i] {
			m.Positives++
		}
	}
}

func computeDerived(m *Metrics) {
	tp := float64(m.TruePositives)
	tn := float64(m.TrueNegatives)
	fp := float64(m.FalsePositives)
	fn := float64(m.FalseNegatives)

	if tp+fp > 0 {
		m.Precision = tp / (tp + fp)
	}
	if tp+fn > 0 {
		m.Recall = tp / (tp + fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	if total := tp + tn + fp + fn; total > 0 {
		m.Accuracy = (tp + tn) / total
	}
}

// computeCalibration fills Brier, log loss and the expected calibration error
// over equal-width probability bins.
func computeCalibration(probs []float64, labels []bool, m *Metrics) {
	var (
		binCount [numBins]int
		binPos   [numBins]float64
		binProb  [numBins]float64
		brier    float64
		logLoss  float64
	)
	for i, p := range probs {
		y := 0.0
		if labels[i] {
			y = 1
		}
		brier += (p - y) * (p - y)

		q := min(max(p, logLossClip), 1-logLossClip)
		if labels[i] {
			logLoss -= math.Log(q)
		} else {
			logLoss -= math.Log(1 - q)
		}

		b := min(int(p*numBins), numBins-1)
		binCount[b]++
		binPos[b] += y
		binProb[b] += p
	}

	n := float64(len(probs))
	m.Brier = brier / n
	m.LogLoss = logLoss / n
	for b := range numBins {
		if binCount[b] == 0 {
			continue
		}
		c := float64(binCount[b])
		m.ECE += c / n * math.Abs(binPos[b]/c-binProb[b]/c)
	}
}

// rankAUC is the Mann-Whitney statistic normalized to [0, 1]. Tied scores
// share their average rank, so a tie between a positive and a negative counts
// one half.
func rankAUC(probs []float64, labels []bool) (auc float64, singleClass bool) {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int { return cmp.Compare(probs[a], probs[b]) })

	var posRankSum float64
	nPos := 0
	for start := 0; start < len(idx); {
		end := start + 1
		for end < len(idx) && probs[idx[end]] == probs[idx[start]] {
			end++
		}
		// 1-based ranks start+1 .. end share their mean.
		avg := float64(start+1+end) / 2
		for _, j := range idx[start:end] {
			if labels[j] {
				posRankSum += avg
				nPos++
			}
		}
		start = end
	}

	nNeg := len(probs) - nPos
	if nPos == 0 || nNeg == 0 {
		return 0.5, true
	}
	p, q := float64(nPos), float64(nNeg)
	return (posRankSum - p*(p+1)/2) / (p * q), false
}

// averagePrecision summarizes the precision-recall curve as the
// recall-weighted mean of precision, treating tied scores as one threshold.
func averagePrecision(probs []float64, labels []bool) float64 {
	idx := make([]int, len(probs))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int { return cmp.Compare(probs[b], probs[a]) })

	totalPos := 0
	for _, l := range labels {
		if l {
			totalPos++
		}
	}
	if totalPos == 0 {
		return 0
	}

	var ap, prevRecall float64
	tp, seen := 0, 0
	for start := 0; start < len(idx); {
		end := start + 1
		for end < len(idx) && probs[idx[end]] == probs[idx[start]] {
			end++
		}
		for _, j := range idx[start:end] {
			if labels[j] {
				tp++
			}
		}
		seen = end
		recall := float64(tp) / float64(totalPos)
		precision := float64(tp) / float64(seen)
		ap += (recall - prevRecall) * precision
		prevRecall = recall
		start = end
	}
	return ap
}

// bootstrap resamples rows with replacement and reports percentile intervals
// for accuracy and AUC. The same seed gives the same intervals.
func bootstrap(probs []float64, labels []bool, threshold float64, resamples int, seed uint64) *BootstrapCIs {
	if resamples <= 0 || len(probs) == 0 {
		return nil
	}
	rng := rand.New(rand.NewPCG(seed, uint64(len(probs))))
	n := len(probs)

	accs := make([]float64, resamples)
	aucs := make([]float64, resamples)
	bp := make([]float64, n)
	bl := make([]bool, n)
	for r := range resamples {
		correct := 0
		for i := range n {
			j := rng.IntN(n)
			bp[i], bl[i] = probs[j], labels[j]
			if (bp[i] >= threshold) == bl[i] {
				correct++
			}
		}
		accs[r] = float64(correct) / float64(n)
		aucs[r], _ = rankAUC(bp, bl)
	}

	return &BootstrapCIs{
		NumResamples: resamples,
		AccuracyCI:   percentiles(accs, 0.025, 0.975),
		AUCCI:        percentiles(aucs, 0.025, 0.975),
		AccuracySE:   stddev(accs),
		AUCSE:        stddev(aucs),
	}
}

// percentiles sorts data in place and picks the two nearest-rank values.
func percentiles(data []float64, p1, p2 float64) [2]float64 {
	slices.Sort(data)
	n := len(data)
	idx1 := min(int(float64(n)*p1), n-1)
	idx2 := min(int(float64(n)*p2), n-1)
	return [2]float64{data[idx1], data[idx2]}
}

func stddev(data []float64) float64 {
	if len(data) == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range data {
		mean += v
	}
	mean /= float64(len(data))

	variance := 0.0
	for _, v := range data {
		diff := v - mean
		variance += diff * diff
	}
	return math.Sqrt(variance / float64(len(data)))
}
