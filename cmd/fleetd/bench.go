package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var benchArgs struct {
	count       int
	concurrency int
	timeout     time.Duration
}

var benchCmd = &subcommand{
	Use:     "bench Service.Method [json-args]",
	Short:   "repeat a call and report latency percentiles",
	Example: `  fleetd bench --count 10000 --concurrency 16 Echo.Say '{"Message":"hi"}'`,
	Args:    cobra.RangeArgs(1, 2),
	SetupFlags: func(f *pflag.FlagSet) {
		f.IntVarP(&benchArgs.count, "count", "n", 1000, "number of calls")
		f.IntVarP(&benchArgs.concurrency, "concurrency", "c", 4, "concurrent callers")
		f.DurationVar(&benchArgs.timeout, "timeout", 5*time.Second, "deadline per call")
	},
	Run: func(s *subcommand, args []string) error {
		ctx := context.Background()
		c, m, err := prepareCall(ctx, s.Config(), args)
		if err != nil {
			return err
		}
		defer c.Close()

		var (
			mu        sync.Mutex
			latencies = make([]float64, 0, benchArgs.count)
			failed    atomic.Int64
			next      atomic.Int64
		)
		start := time.Now()
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < benchArgs.concurrency; i++ {
			g.Go(func() error {
				for next.Add(1) <= int64(benchArgs.count) {
					cctx, cancel := context.WithTimeout(gctx, benchArgs.timeout)
					t0 := time.Now()
					_, err := c.Invoke(cctx, m)
					d := time.Since(t0)
					cancel()
					if err != nil {
						failed.Add(1)
						continue
					}
					mu.Lock()
					latencies = append(latencies, float64(d.Microseconds())/1000)
					mu.Unlock()
				}
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
		elapsed := time.Since(start)

		fmt.Printf("calls:      %d ok, %d failed in %s (%.0f/s)\n",
			len(latencies), failed.Load(), elapsed.Round(time.Millisecond), float64(benchArgs.count)/elapsed.Seconds())
		if len(latencies) == 0 {
			return errors.New("every call failed")
		}
		return printLatencies(latencies)
	},
}

func printLatencies(ms []float64) error {
	data := stats.Float64Data(ms)
	mean, err := stats.Mean(data)
	if err != nil {
		return err
	}
	minimum, _ := stats.Min(data)
	maximum, _ := stats.Max(data)
	fmt.Printf("latency ms: min %.3f  mean %.3f  max %.3f\n", minimum, mean, maximum)
	for _, p := range []float64{50, 90, 99, 99.9} {
		v, err := stats.Percentile(data, p)
		if err != nil {
			return err
		}
		fmt.Printf("  p%-5v %.3f\n", p, v)
	}
	return nil
}
