package eval

import (
	"fmt"
	"time"

	"github.com/intentlab/intent/internal/schema"
)

// LabeledRow is one evaluation session with its observed outcome.
type LabeledRow struct {
	Input schema.RawInput `json:"input"`
	Label bool            `json:"label"`
}

// Metric names a comparable model metric.
type Metric string

const (
	MetricAccuracy  Metric = "accuracy"
	MetricPrecision Metric = "precision"
	MetricRecall    Metric = "recall"
	MetricF1        Metric = "f1"
	MetricAUC       Metric = "auc"
	MetricAUPRC     Metric = "auprc"
	MetricBrier     Metric = "brier"
	MetricLogLoss   Metric = "log_loss"
)

// LowerIsBetter reports whether smaller values of m rank higher.
func (m Metric) LowerIsBetter() bool {
	return m == MetricBrier || m == MetricLogLoss
}

func (m Metric) valid() bool {
	switch m {
	case MetricAccuracy, MetricPrecision, MetricRecall, MetricF1,
		MetricAUC, MetricAUPRC, MetricBrier, MetricLogLoss:
		return true
	}
	return false
}

// Ranking orders models by Primary, then Secondary, then declaration order.
type Ranking struct {
	Primary   Metric `yaml:"primary" json:"primary"`
	Secondary Metric `yaml:"secondary" json:"secondary"`
}

// DefaultRanking ranks by AUC, ties by accuracy.
func DefaultRanking() Ranking {
	return Ranking{Primary: MetricAUC, Secondary: MetricAccuracy}
}

// Validate rejects unknown metric names. An empty Secondary is allowed.
func (r Ranking) Validate() error {
	if !r.Primary.valid() {
		return fmt.Errorf("eval: unknown primary metric %q", r.Primary)
	}
	if r.Secondary != "" && !r.Secondary.valid() {
		return fmt.Errorf("eval: unknown secondary metric %q", r.Secondary)
	}
	return nil
}

// Metrics summarizes one model over the rows it scored.
type Metrics struct {
	NumSamples int `json:"num_samples"`
	Positives  int `json:"positives"`

	TruePositives  int `json:"tp"`
	TrueNegatives  int `json:"tn"`
	FalsePositives int `json:"fp"`
	FalseNegatives int `json:"fn"`

	Accuracy  float64 `json:"accuracy"`
	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`

	// AUC is the rank statistic with tied scores sharing their average rank.
	// It is 0.5 when the rows hold a single class.
	AUC         float64 `json:"auc"`
	AUPRC       float64 `json:"auprc"`
	SingleClass bool    `json:"single_class,omitempty"`

	Brier   float64 `json:"brier"`
	LogLoss float64 `json:"log_loss"`
	ECE     float64 `json:"ece"`

	CIs *BootstrapCIs `json:"cis,omitempty"`
}

// Value returns the metric named m.
func (m *Metrics) Value(name Metric) float64 {
	switch name {
	case MetricAccuracy:
		return m.Accuracy
	case MetricPrecision:
		return m.Precision
	case MetricRecall:
		return m.Recall
	case MetricF1:
		return m.F1
	case MetricAUC:
		return m.AUC
	case MetricAUPRC:
		return m.AUPRC
	case MetricBrier:
		return m.Brier
	case MetricLogLoss:
		return m.LogLoss
	default:
		return 0
	}
}

// BootstrapCIs are 95% percentile intervals over resampled rows.
type BootstrapCIs struct {
	NumResamples int        `json:"num_resamples"`
	AccuracyCI   [2]float64 `json:"accuracy_ci"`
	AUCCI        [2]float64 `json:"auc_ci"`
	AccuracySE   float64    `json:"accuracy_se"`
	AUCSE        float64    `json:"auc_se"`
}

// ModelReport is the evaluation of one model.
type ModelReport struct {
	ModelID   string  `json:"model_id"`
	Rank      int     `json:"rank"`
	Threshold float64 `json:"threshold"`
	Rows      int     `json:"rows"`
	// Excluded rows failed validation or transformation and are not in Metrics.
	Excluded int `json:"excluded"`
	// Unscored is set when every row was excluded. Such models rank last.
	Unscored     bool           `json:"unscored,omitempty"`
	ErrorsByKind map[string]int `json:"errors_by_kind,omitempty"`
	Metrics      Metrics        `json:"metrics"`
}

// StatisticalTest compares the errors of two models on shared rows.
type StatisticalTest struct {
	TestName      string  `json:"test_name"`
	ModelA        string  `json:"model_a"`
	ModelB        string  `json:"model_b"`
	TestStatistic float64 `json:"test_statistic"`
	PValue        float64 `json:"p_value"`
	Significant   bool    `json:"significant"`
	EffectSize    float64 `json:"effect_size"`
	Discordant    int     `json:"discordant_pairs"`
}

// Report is the result of one comparison run. Models are in rank order.
type Report struct {
	RunID    string            `json:"run_id"`
	Ranking  Ranking           `json:"ranking"`
	Rows     int               `json:"rows"`
	Models   []ModelReport     `json:"models"`
	Tests    []StatisticalTest `json:"tests,omitempty"`
	Duration time.Duration     `json:"duration_ns"`
}

// Best returns the top-ranked model, if any.
func (r *Report) Best() (ModelReport, bool) {
	if r == nil || len(r.Models) == 0 {
		return ModelReport{}, false
	}
	return r.Models[0], true
}
