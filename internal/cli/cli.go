// Package cli drives a headless load test run: live progress on stdout,
// summary at the end, optional JSON export.
package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"gust"
	"gust/internal/monitor"
	"gust/internal/storage"
)

// Start runs specs to completion. outPrefix, when non-empty, selects
// where the summary export lands.
func Start(specs []gust.TestSpec, outPrefix string) error {
	lt, err := gust.Run(specs...)
	if err != nil {
		return err
	}
	printHeader(lt)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	startTime := time.Now()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-sig:
			fmt.Printf("\n⚠️  Interrupted, draining in-flight requests...\n")
			lt.Stop()
		case <-lt.Done():
			totalTime := time.Since(startTime)
			final := collectSummaries(lt)
			printSummary(lt, final, totalTime)
			saveRecords(lt, final, startTime, totalTime, outPrefix)
			return nil
		case <-ticker.C:
			printProgress(lt, time.Since(startTime))
		}
	}
}

func printHeader(lt *gust.LoadTest) {
	fmt.Printf("\n🚀 STARTING GUST LOAD TEST\n")
	fmt.Printf("======================================================================\n")
	for _, t := range lt.Tests() {
		s := t.Spec
		fmt.Printf("Test       : %s\n", s.Name)
		fmt.Printf("Target     : %s http://%s:%d%s\n", s.Method, s.Host, s.Port, s.Path)
		if len(s.LoadProfile) > 0 {
			fmt.Printf("Rate       : profile (%d points)\n", len(s.LoadProfile))
		} else if s.TargetRPS > 0 {
			fmt.Printf("Rate       : %.0f rps\n", s.TargetRPS)
		} else {
			fmt.Printf("Rate       : unpaced\n")
		}
		if len(s.UserProfile) > 0 {
			fmt.Printf("Users      : profile (%d points)\n", len(s.UserProfile))
		} else {
			fmt.Printf("Users      : %d\n", s.NumUsers)
		}
		fmt.Printf("Duration   : %.0fs\n", s.TimeLimit)
		fmt.Printf("----------------------------------------------------------------------\n")
	}
}

func progressBar(pct float64, width int) string {
	filled := int(pct * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}
	return "[" + strings.Repeat("█", filled) + strings.Repeat("-", width-filled) + "]"
}

func printProgress(lt *gust.LoadTest, elapsed time.Duration) {
	var requests, success, fail uint64
	var inflight int64
	var limit float64
	for _, t := range lt.Tests() {
		c := t.Monitor.Totals()
		requests += c.Requests
		success += c.Success
		fail += c.Fail
		inflight += t.Monitor.Inflight()
		if t.Spec.TimeLimit > limit {
			limit = t.Spec.TimeLimit
		}
	}

	rps := 0.0
	if elapsed.Seconds() > 0 {
		rps = float64(requests) / elapsed.Seconds()
	}
	pct := 0.0
	if limit > 0 {
		pct = elapsed.Seconds() / limit
		if pct > 1.0 {
			pct = 1.0
		}
	}

	fmt.Printf("\r%s %3.0f%% | %s | Inf: %3d | RPS: %.1f | OK: %d | Err: %d",
		progressBar(pct, 20), pct*100,
		elapsed.Round(time.Second),
		inflight, rps, success, fail,
	)
}

func collectSummaries(lt *gust.LoadTest) gust.Update {
	return lt.Snapshot()
}

func printSummary(lt *gust.LoadTest, final gust.Update, totalTime time.Duration) {
	fmt.Printf("\n\n📊 LOAD TEST RESULTS\n")
	fmt.Printf("======================================================================\n")
	for _, t := range lt.Tests() {
		snap := final[t.Spec.Name]
		c := t.Monitor.Totals()
		rps := float64(c.Requests) / totalTime.Seconds()

		fmt.Printf("Test           : %s\n", t.Spec.Name)
		fmt.Printf("Total Duration : %s\n", totalTime.Round(time.Second))
		fmt.Printf("Requests Sent  : %d\n", c.Requests)
		fmt.Printf("Success        : %d\n", c.Success)
		fmt.Printf("Failures       : %d\n", c.Fail)
		fmt.Printf("Actual RPS     : %.2f\n", rps)

		if lat, ok := snap.Cumulative["latency"].(monitor.LatencySummary); ok {
			fmt.Printf("\n⏱️  RESPONSE TIMES (ms)\n")
			fmt.Printf("   Mean : %.2f\n", lat.Mean)
			var ps []float64
			for p := range lat.Percentiles {
				ps = append(ps, p)
			}
			sort.Float64s(ps)
			for _, p := range ps {
				fmt.Printf("   P%-3.0f : %.2f\n", p, lat.Percentiles[p])
			}
			fmt.Printf("   Max  : %.2f\n", lat.Max)
		}

		if codes, ok := snap.Cumulative["result-codes"].(monitor.CodesSummary); ok && len(codes) > 0 {
			fmt.Printf("\n🔢 RESULT CODES\n")
			var ks []int
			for k := range codes {
				ks = append(ks, k)
			}
			sort.Ints(ks)
			for _, k := range ks {
				label := fmt.Sprintf("%d", k)
				if k == 0 {
					label = "0 (timeout/connect)"
				}
				fmt.Printf("   %-20s : %d\n", label, codes[k])
			}
		}
		fmt.Printf("======================================================================\n")
	}
}

// saveRecords stores each run in the session store and, with an out
// prefix, exports the summaries as JSON.
func saveRecords(lt *gust.LoadTest, final gust.Update, startTime time.Time, totalTime time.Duration, outPrefix string) {
	store, err := storage.NewStore()
	if err != nil {
		log.WithError(err).Warn("session store unavailable")
		store = nil
	}

	var records []storage.RunRecord
	for _, t := range lt.Tests() {
		c := t.Monitor.Totals()
		rec := storage.RunRecord{
			ID:        uuid.New().String(),
			Name:      t.Spec.Name,
			StartedAt: startTime,
			Duration:  totalTime.Seconds(),
			Summary: storage.RunSummary{
				Requests:  c.Requests,
				Success:   c.Success,
				Fail:      c.Fail,
				ActualRPS: float64(c.Requests) / totalTime.Seconds(),
			},
		}
		if lat, ok := final[t.Spec.Name].Cumulative["latency"].(monitor.LatencySummary); ok {
			rec.Summary.P50LatencyMs = lat.Percentiles[50]
			rec.Summary.P99LatencyMs = lat.Percentiles[99]
		}
		records = append(records, rec)
		if store != nil {
			if err := store.Save(rec); err != nil {
				log.WithError(err).Warn("saving run record failed")
			}
		}
	}
	if store != nil {
		defer store.Close()
	}

	if outPrefix == "" {
		return
	}
	path := outPrefix + "_summary.json"
	data, err := json.MarshalIndent(records, "", "  ")
	if err == nil {
		err = os.WriteFile(path, data, 0644)
	}
	if err != nil {
		log.WithError(err).Error("summary export failed")
		return
	}
	fmt.Printf("\n💾 Saved summary to %s\n", path)
}
