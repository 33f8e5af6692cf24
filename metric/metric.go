// Package metric condenses the journal's closed trades into the
// session performance summary.
package metric

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/aybabtme/uniplot/histogram"
	"github.com/driftline/perpsweep/core"
	"github.com/olekukonko/tablewriter"
	"gonum.org/v1/gonum/stat"
)

const (
	// histBins and histWidth shape the ROE distribution plot
	histBins  = 15
	histWidth = 10

	// histMinTrades is the smallest sample worth plotting
	histMinTrades = 10

	resamples  = 10000
	confidence = 0.95
)

// Mean is the arithmetic mean measure
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// Payoff is the average win over average loss, in absolute terms.
// A sample without losses scores 10, never infinity.
func Payoff(values []float64) float64 {
	var wins, losses []float64
	for _, v := range values {
		if v >= 0 {
			wins = append(wins, v)
		} else {
			losses = append(losses, math.Abs(v))
		}
	}
	if len(losses) == 0 || len(wins) == 0 {
		return 10
	}

	avgLoss := stat.Mean(losses, nil)
	if avgLoss == 0 {
		return 10
	}
	return stat.Mean(wins, nil) / avgLoss
}

// ProfitFactor is gross profit over gross loss, in absolute terms.
// A sample without losses scores 10, never infinity.
func ProfitFactor(values []float64) float64 {
	var totalWins, totalLosses float64
	for _, v := range values {
		if v >= 0 {
			totalWins += v
		} else {
			totalLosses += v
		}
	}
	if totalLosses == 0 {
		return 10
	}
	return math.Abs(totalWins / totalLosses)
}

// strategyLine is the per-strategy breakdown row
type strategyLine struct {
	trades int
	wins   int
	net    float64
}

// Summary aggregates the closed trades of one session
type Summary struct {
	wins   []float64
	losses []float64
	roes   []float64

	byStrategy map[core.StrategyKind]*strategyLine
	reasons    map[core.CloseReason]int
}

// Summarize folds closed-position events into a summary. Events of
// any other type are ignored, so the full journal can be passed in.
func Summarize(events []*core.Event) *Summary {
	s := &Summary{
		byStrategy: make(map[core.StrategyKind]*strategyLine),
		reasons:    make(map[core.CloseReason]int),
	}
	for _, event := range events {
		if event.Type != core.EventClosed {
			continue
		}
		s.add(event)
	}
	return s
}

func (s *Summary) add(event *core.Event) {
	if event.PnL >= 0 {
		s.wins = append(s.wins, event.PnL)
	} else {
		s.losses = append(s.losses, event.PnL)
	}
	s.roes = append(s.roes, event.ROE)
	s.reasons[event.Reason]++

	line := s.byStrategy[event.Strategy]
	if line == nil {
		line = &strategyLine{}
		s.byStrategy[event.Strategy] = line
	}
	line.trades++
	if event.PnL >= 0 {
		line.wins++
	}
	line.net += event.PnL
}

// Trades is the number of closed positions in the sample
func (s *Summary) Trades() int {
	return len(s.wins) + len(s.losses)
}

// WinRate is the winning share of closed trades, in percent
func (s *Summary) WinRate() float64 {
	total := s.Trades()
	if total == 0 {
		return 0
	}
	return float64(len(s.wins)) / float64(total) * 100
}

// NetProfit is the summed realized PnL in quote currency
func (s *Summary) NetProfit() float64 {
	net := 0.0
	for _, v := range s.wins {
		net += v
	}
	for _, v := range s.losses {
		net += v
	}
	return net
}

// Payoff is the average win over average loss of the sample
func (s *Summary) Payoff() float64 {
	return Payoff(s.all())
}

// ProfitFactor is gross profit over gross loss of the sample
func (s *Summary) ProfitFactor() float64 {
	return ProfitFactor(s.all())
}

// SQN is the system quality number: sqrt(n) times expectancy over the
// population deviation of trade results
func (s *Summary) SQN() float64 {
	all := s.all()
	if len(all) == 0 {
		return 0
	}
	mean := stat.Mean(all, nil)
	dev := stat.PopStdDev(all, nil)
	if dev == 0 {
		return 0
	}
	return math.Sqrt(float64(len(all))) * mean / dev
}

// AvgROE is the mean return on margin per closed trade, as a fraction
func (s *Summary) AvgROE() float64 {
	return Mean(s.roes)
}

func (s *Summary) all() []float64 {
	return append(append([]float64(nil), s.wins...), s.losses...)
}

// ---------------------------------------------------------------------
// Rendering
// ---------------------------------------------------------------------

// Render formats the summary as a text report: the headline table, the
// per-strategy breakdown, the ROE distribution and its bootstrap
// confidence interval
func (s *Summary) Render() string {
	out := &strings.Builder{}

	table := tablewriter.NewWriter(out)
	table.AppendBulk([][]string{
		{"Trades", strconv.Itoa(s.Trades())},
		{"Win / Loss", fmt.Sprintf("%d / %d", len(s.wins), len(s.losses))},
		{"Win rate", fmt.Sprintf("%.1f %%", s.WinRate())},
		{"Payoff", fmt.Sprintf("%.3f", s.Payoff())},
		{"Profit factor", fmt.Sprintf("%.3f", s.ProfitFactor())},
		{"SQN", fmt.Sprintf("%.1f", s.SQN())},
		{"Avg ROE", fmt.Sprintf("%.2f %%", s.AvgROE()*100)},
		{"Net profit", fmt.Sprintf("%.4f USDT", s.NetProfit())},
		{"Closes", s.reasonLine()},
	})
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT})
	table.Render()

	s.renderStrategies(out)
	s.renderDistribution(out)

	return out.String()
}

func (s *Summary) renderStrategies(out *strings.Builder) {
	if len(s.byStrategy) == 0 {
		return
	}

	kinds := make([]core.StrategyKind, 0, len(s.byStrategy))
	for kind := range s.byStrategy {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	table := tablewriter.NewWriter(out)
	table.SetHeader([]string{"Strategy", "Trades", "Win rate", "Net profit"})
	for _, kind := range kinds {
		line := s.byStrategy[kind]
		rate := 0.0
		if line.trades > 0 {
			rate = float64(line.wins) / float64(line.trades) * 100
		}
		table.Append([]string{
			string(kind),
			strconv.Itoa(line.trades),
			fmt.Sprintf("%.1f %%", rate),
			fmt.Sprintf("%.4f", line.net),
		})
	}
	table.Render()
}

// renderDistribution plots the per-trade ROE histogram and prints the
// bootstrap confidence interval of the mean. Small samples skip the
// plot; a bootstrap over a handful of trades is noise.
func (s *Summary) renderDistribution(out *strings.Builder) {
	if len(s.roes) < histMinTrades {
		return
	}

	percents := make([]float64, len(s.roes))
	for i, r := range s.roes {
		percents[i] = r * 100
	}

	fmt.Fprintln(out, "ROE distribution (%):")
	hist := histogram.Hist(histBins, percents)
	if err := histogram.Fprint(out, hist, histogram.Linear(histWidth)); err != nil {
		fmt.Fprintf(out, "histogram unavailable: %v\n", err)
	}

	ci := Bootstrap(s.roes, Mean, resamples, confidence)
	fmt.Fprintf(out, "Mean ROE %.2f%% (%.2f%% ~ %.2f%% at %.0f%% confidence)\n",
		ci.Mean*100, ci.Low*100, ci.High*100, confidence*100)
}

func (s *Summary) reasonLine() string {
	if len(s.reasons) == 0 {
		return "-"
	}

	reasons := make([]core.CloseReason, 0, len(s.reasons))
	for reason := range s.reasons {
		reasons = append(reasons, reason)
	}
	sort.Slice(reasons, func(i, j int) bool {
		if s.reasons[reasons[i]] != s.reasons[reasons[j]] {
			return s.reasons[reasons[i]] > s.reasons[reasons[j]]
		}
		return reasons[i] < reasons[j]
	})

	parts := make([]string, 0, len(reasons))
	for _, reason := range reasons {
		parts = append(parts, fmt.Sprintf("%s %d", reason, s.reasons[reason]))
	}
	return strings.Join(parts, ", ")
}
