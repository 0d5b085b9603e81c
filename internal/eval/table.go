package eval

import (
	"fmt"
	"io"
	"strings"
)

// WriteTable renders the report as a markdown performance table in rank
// order, followed by bootstrap intervals and pairwise tests when present.
func WriteTable(w io.Writer, r *Report) error {
	var md strings.Builder

	fmt.Fprintf(&md, "# Model comparison %s\n\n", r.RunID)
	fmt.Fprintf(&md, "Ranked by %s", r.Ranking.Primary)
	if r.Ranking.Secondary != "" {
		fmt.Fprintf(&md, ", then %s", r.Ranking.Secondary)
	}
	fmt.Fprintf(&md, " over %d rows.\n\n", r.Rows)

	md.WriteString("| Rank | Model | Accuracy | Precision | Recall | F1 | AUC | AUPRC | Brier | LogLoss | Excluded |\n")
	md.WriteString("|------|-------|----------|-----------|--------|----|-----|-------|-------|---------|----------|\n")
	for _, m := range r.Models {
		x := m.Metrics
		fmt.Fprintf(&md, "| %d | %s | %.3f | %.3f | %.3f | %.3f | %.3f | %.3f | %.4f | %.4f | %d |\n",
			m.Rank, m.ModelID,
			x.Accuracy, x.Precision, x.Recall, x.F1,
			x.AUC, x.AUPRC, x.Brier, x.LogLoss,
			m.Excluded,
		)
	}

	withCIs := false
	for _, m := range r.Models {
		if m.Metrics.CIs != nil {
			withCIs = true
			break
		}
	}
	if withCIs {
		md.WriteString("\n## Bootstrap confidence intervals (95%)\n\n")
		md.WriteString("| Model | Accuracy CI | AUC CI |\n")
		md.WriteString("|-------|-------------|--------|\n")
		for _, m := range r.Models {
			ci := m.Metrics.CIs
			if ci == nil {
				continue
			}
			fmt.Fprintf(&md, "| %s | [%.3f, %.3f] | [%.3f, %.3f] |\n",
				m.ModelID, ci.AccuracyCI[0], ci.AccuracyCI[1], ci.AUCCI[0], ci.AUCCI[1])
		}
	}

	if len(r.Tests) > 0 {
		md.WriteString("\n## Statistical tests\n\n")
		md.WriteString("| Test | A | B | Statistic | p-value | Significant |\n")
		md.WriteString("|------|---|---|-----------|---------|-------------|\n")
		for _, t := range r.Tests {
			fmt.Fprintf(&md, "| %s | %s | %s | %.3f | %.4f | %t |\n",
				t.TestName, t.ModelA, t.ModelB, t.TestStatistic, t.PValue, t.Significant)
		}
	}

	_, err := io.WriteString(w, md.String())
	return err
}
