/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/yonasBSD/ntpd-rs/ntp/algorithm"
	"github.com/yonasBSD/ntpd-rs/ntp/config"
	"github.com/yonasBSD/ntpd-rs/ntp/protocol"
	"golang.org/x/sync/errgroup"
)

var (
	sourcesFlags    sourceFlags
	samplesFlag     int
	sampleGapFlag   time.Duration
	sourcesMaxFlag  int
	sourcesNoColor  bool
	sourcesMajority bool
)

func init() {
	RootCmd.AddCommand(sourcesCmd)
	sourcesFlags.register(sourcesCmd)
	sourcesCmd.Flags().IntVarP(&samplesFlag, "samples", "n", 4, "samples to take from every server")
	sourcesCmd.Flags().DurationVar(&sampleGapFlag, "gap", time.Second, "pause between samples from one server")
	sourcesCmd.Flags().IntVar(&sourcesMaxFlag, "parallel", 16, "servers queried at once")
	sourcesCmd.Flags().BoolVar(&sourcesNoColor, "no-color", false, "disable colored output")
	sourcesCmd.Flags().BoolVar(&sourcesMajority, "majority", true, "require truechimers to be a majority")
}

// sourceRow is what we know about one server after sampling it
type sourceRow struct {
	address string
	nts     string
	err     error
}

// sampleSource takes n samples from one server into the engine
func sampleSource(ctx context.Context, e *algorithm.Engine, sc config.SourceConfig, n int, gap, timeout time.Duration) *sourceRow {
	row := &sourceRow{address: sc.Address, nts: "no"}
	s, session, err := dialSource(ctx, sc, timeout)
	if err != nil {
		row.err = err
		return row
	}
	if session != nil {
		row.nts = fmt.Sprintf("%s/%s", session.Protocol, session.Algorithm)
	}
	var recorded int
	for i := 0; i < n; i++ {
		if i > 0 {
			select {
			case <-ctx.Done():
				row.err = ctx.Err()
				return row
			case <-time.After(gap):
			}
		}
		sample, err := s.Query(ctx, timeout)
		if err != nil {
			log.Debugf("%s: %v", sc.Address, err)
			row.err = err
			continue
		}
		if err := e.RecordSample(sc.Address, sample); err != nil {
			log.Debugf("%s: %v", sc.Address, err)
			row.err = err
			continue
		}
		recorded++
	}
	if recorded > 0 {
		row.err = nil
	}
	return row
}

func statusString(id string, res algorithm.SelectionResult, err error) string {
	if err != nil {
		return color.RedString("error")
	}
	for _, t := range res.Truechimers {
		if t == id {
			return color.GreenString("truechimer")
		}
	}
	for _, f := range res.Falsetickers {
		if f == id {
			return color.RedString("falseticker")
		}
	}
	return color.YellowString("unfit")
}

// writeSourcesTable prints one row per source with the engine's view of it
func writeSourcesTable(w io.Writer, e *algorithm.Engine, rows []*sourceRow, res algorithm.SelectionResult, now protocol.Timestamp) error {
	table := tablewriter.NewTable(w,
		tablewriter.WithRowMaxWidth(30),
		tablewriter.WithHeader([]string{
			"status", "address", "nts", "stratum", "offset", "delay", "jitter", "dispersion", "samples", "error",
		}),
	)
	for _, row := range rows {
		val := []string{statusString(row.address, res, row.err), row.address, row.nts}
		st, serr := e.Snapshot(row.address, now)
		if row.err == nil && serr == nil {
			val = append(val, []string{
				fmt.Sprintf("%d", st.Stratum),
				st.Offset.String(),
				st.Delay.String(),
				st.Jitter.String(),
				st.Dispersion.String(),
				fmt.Sprintf("%d", st.Samples),
				"",
			}...)
		} else {
			errStr := ""
			if row.err != nil {
				errStr = row.err.Error()
			}
			val = append(val, []string{"", "", "", "", "", "0", errStr}...)
		}
		if err := table.Append(val); err != nil {
			return err
		}
	}
	return table.Render()
}

func sourcesRun(addresses []string) error {
	color.NoColor = color.NoColor || sourcesNoColor
	cfg := algorithm.DefaultConfig()
	cfg.RequireMajority = sourcesMajority
	e, err := algorithm.NewEngine(cfg)
	if err != nil {
		return err
	}
	configs := make([]config.SourceConfig, 0, len(addresses))
	for _, a := range addresses {
		sc, err := sourcesFlags.config(a)
		if err != nil {
			return err
		}
		if err := e.AddSource(sc.Address); err != nil {
			return err
		}
		configs = append(configs, sc)
	}

	rows := make([]*sourceRow, len(configs))
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(context.Background())
	g.SetLimit(sourcesMaxFlag)
	for i, sc := range configs {
		g.Go(func() error {
			row := sampleSource(ctx, e, sc, samplesFlag, sampleGapFlag, timeoutFlag)
			mu.Lock()
			rows[i] = row
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	now := protocol.TimestampFromTime(time.Now())
	res := e.SelectAndCombine(now)
	if err := writeSourcesTable(os.Stdout, e, rows, res, now); err != nil {
		return err
	}

	if res.Status != algorithm.Selected {
		fmt.Printf("%s no agreement among %d sources\n", color.RedString("[FAIL]"), len(rows))
		return nil
	}
	fmt.Printf("%s offset %s, uncertainty %s, jitter %s from %d truechimers\n",
		color.GreenString("[ OK ]"),
		color.BlueString("%s", res.Offset), res.Uncertainty, res.Jitter, len(res.Truechimers))
	return nil
}

var sourcesCmd = &cobra.Command{
	Use:   "sources <server[:port]>...",
	Short: "Sample several servers and run source selection over them",
	Long:  "Sample several servers and run source selection over them. Like `chronyc sources`, but one shot.",
	Args:  cobra.MinimumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		ConfigureVerbosity()
		if err := sourcesRun(args); err != nil {
			log.Fatal(err)
		}
	},
}
