// Copyright 2025-2026 The Epigraph Authors. SPDX-License-Identifier: Apache-2.0

package planner

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Values of BenchRow.GoalFound.
const (
	GoalFoundYes     = "Yes"
	GoalFoundNo      = "No"
	GoalFoundTimeout = "TO"
)

// BenchRow is the result of one planner run of a benchmark. Missing numeric values are -1.
type BenchRow struct {
	Job                string `dataframe:"Job"`
	Folder             string `dataframe:"InputFolder"`
	Problem            string `dataframe:"FileName"`
	GoalFound          string `dataframe:"GoalFound"`
	ActionExecuted     string `dataframe:"ActionExecuted"`
	PlanLength         int    `dataframe:"PlanLength"`
	SearchUsed         string `dataframe:"SearchUsed"`
	NodesExpanded      int    `dataframe:"NodesExpanded"`
	TotalExecutionTime int    `dataframe:"TotalExecutionTime"`
	InitTime           int    `dataframe:"InitTime"`
	SearchTime         int    `dataframe:"SearchTime"`
	ThreadOverhead     int    `dataframe:"ThreadOverhead"`
}

// NumericColumns of the benchmark results, averaged by Summarize.
var NumericColumns = []string{"PlanLength", "NodesExpanded", "TotalExecutionTime", "InitTime", "SearchTime", "ThreadOverhead"}

const goalFoundMarker = "Goal found :)"

var (
	actionExecutedRegexp = regexp.MustCompile(`Action executed:\s*(.*)`)
	searchUsedRegexp     = regexp.MustCompile(`Search used:\s*(.*?)\s*(?:\(|$)`)
	numericRegexps       = map[string]*regexp.Regexp{
		"PlanLength":         regexp.MustCompile(`Plan length:\s*(\d+)`),
		"NodesExpanded":      regexp.MustCompile(`Nodes expanded:\s*(\d+)`),
		"TotalExecutionTime": regexp.MustCompile(`Total execution time:\s*(\d+)\s*ms`),
		"InitTime":           regexp.MustCompile(`Initial state construction.*?:\s*(\d+)\s*ms`),
		"SearchTime":         regexp.MustCompile(`Search time:\s*(\d+)\s*ms`),
		"ThreadOverhead":     regexp.MustCompile(`Thread management overhead:\s*(\d+)\s*ms`),
	}
)

// ParseOutput extracts the statistics printed by the planner.
func ParseOutput(output string) BenchRow {
	row := BenchRow{GoalFound: GoalFoundNo, ActionExecuted: "-", SearchUsed: "-"}
	if strings.Contains(output, goalFoundMarker) {
		row.GoalFound = GoalFoundYes
	}
	if m := actionExecutedRegexp.FindStringSubmatch(output); m != nil {
		row.ActionExecuted = strings.TrimSpace(m[1])
	}
	if m := searchUsedRegexp.FindStringSubmatch(output); m != nil {
		row.SearchUsed = strings.TrimSpace(m[1])
	}
	extract := func(col string) int {
		m := numericRegexps[col].FindStringSubmatch(output)
		if m == nil {
			return -1
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			return -1
		}
		return v
	}
	row.PlanLength = extract("PlanLength")
	row.NodesExpanded = extract("NodesExpanded")
	row.TotalExecutionTime = extract("TotalExecutionTime")
	row.InitTime = extract("InitTime")
	row.SearchTime = extract("SearchTime")
	row.ThreadOverhead = extract("ThreadOverhead")
	return row
}

// Bench runs every job of the suite on every problem, problems of a job in parallel (up to the
// job threads). Problems are encoded with datasetType (see SchemeKind).
//
// Runs that time out, or end without finding a goal, are marked with GoalFound "TO".
// If progress is not nil, it is called (concurrently) with each row as it is ready.
func Bench(ctx context.Context, suite *Suite, problems []string, datasetType string, progress func(BenchRow)) ([]BenchRow, error) {
	if len(suite.Jobs) == 0 {
		return nil, errors.Wrap(ErrSuite, "suite has no jobs")
	}
	if _, err := SchemeKind(datasetType); err != nil {
		return nil, err
	}
	runner := suite.Runner()
	var rows []BenchRow
	for _, job := range suite.Jobs {
		jobRows := make([]BenchRow, len(problems))
		eg, egCtx := errgroup.WithContext(ctx)
		eg.SetLimit(job.Threads)
		args := job.Args(strings.ToUpper(datasetType))
		for ii, problem := range problems {
			eg.Go(func() error {
				res, err := runner.Run(egCtx, problem, args...)
				if err != nil {
					return errors.WithMessagef(err, "job %q", job.Name)
				}
				row := ParseOutput(res.Output)
				if res.Status == StatusTimeout || row.GoalFound != GoalFoundYes {
					row.GoalFound = GoalFoundTimeout
				}
				row.Job = job.Name
				row.Folder = filepath.Base(filepath.Dir(problem))
				row.Problem = strings.TrimSuffix(filepath.Base(problem), filepath.Ext(problem))
				jobRows[ii] = row
				if progress != nil {
					progress(row)
				}
				return nil
			})
		}
		if err := eg.Wait(); err != nil {
			return nil, err
		}
		klog.Infof("job %q: solved %d of %d", job.Name, countSolved(jobRows), len(jobRows))
		rows = append(rows, jobRows...)
	}
	return rows, nil
}

func countSolved(rows []BenchRow) int {
	var n int
	for _, r := range rows {
		if r.GoalFound == GoalFoundYes {
			n++
		}
	}
	return n
}

// ResultsFrame returns the benchmark results as a data frame.
func ResultsFrame(rows []BenchRow) dataframe.DataFrame {
	return dataframe.LoadStructs(rows)
}

// Summarize returns, per job, the number of solved problems and the mean of the numeric columns
// over solved problems (NaN if none).
func Summarize(results dataframe.DataFrame) (dataframe.DataFrame, error) {
	if results.Err != nil {
		return results, results.Err
	}
	jobs := results.Col("Job").Records()
	seen := make(map[string]bool)
	var names []string
	var solved, total []int
	means := make(map[string][]float64)
	for _, job := range jobs {
		if seen[job] {
			continue
		}
		seen[job] = true
		jobDF := results.Filter(dataframe.F{Colname: "Job", Comparator: series.Eq, Comparando: job})
		solvedDF := jobDF.Filter(dataframe.F{Colname: "GoalFound", Comparator: series.Eq, Comparando: GoalFoundYes})
		names = append(names, job)
		total = append(total, jobDF.Nrow())
		solved = append(solved, solvedDF.Nrow())
		for _, col := range NumericColumns {
			mean := math.NaN()
			if solvedDF.Nrow() > 0 {
				valid := solvedDF.Filter(dataframe.F{Colname: col, Comparator: series.GreaterEq, Comparando: 0})
				if valid.Nrow() > 0 {
					mean = valid.Col(col).Mean()
				}
			}
			means[col] = append(means[col], mean)
		}
	}
	cols := []series.Series{
		series.New(names, series.String, "Job"),
		series.New(solved, series.Int, "Solved"),
		series.New(total, series.Int, "Total"),
	}
	for _, col := range NumericColumns {
		cols = append(cols, series.New(means[col], series.Float, col))
	}
	summary := dataframe.New(cols...)
	return summary, summary.Err
}

// WriteCSV writes a data frame to path.
func WriteCSV(df dataframe.DataFrame, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating %q", path)
	}
	if err = df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing %q", path)
	}
	return errors.Wrapf(f.Close(), "closing %q", path)
}
