// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/time/rate"
)

// GlobalStats matches the /global-status payload
type GlobalStats struct {
	TotalTasks       int     `json:"total_tasks"`
	PendingTasks     int     `json:"pending_tasks"`
	RunningTasks     int     `json:"running_tasks"`
	ReportedTasks    int     `json:"reported_tasks"`
	FailedTasks      int     `json:"failed_tasks"`
	AvgProcessingSec float64 `json:"avg_processing_seconds"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

type client struct {
	base  string
	token string
	http  *http.Client
}

func main() {
	count := flag.Int("count", 100, "Number of URL tasks to submit")
	perSecond := flag.Float64("rate", 50, "Submissions per second")
	apiHost := flag.String("api_host", "localhost", "Queue API host")
	apiPort := flag.String("api_port", "", "Queue API port (defaults to API_PORT or 8080)")
	target := flag.String("target", "http://example.com/?bench=%d", "URL template, %d is the sequence number")
	flag.Parse()

	// Load API config from .env or defaults
	_ = godotenv.Load("../../.env")
	if *apiPort == "" {
		*apiPort = os.Getenv("API_PORT")
	}
	if *apiPort == "" {
		*apiPort = "8080"
	}

	c := &client{
		base:  fmt.Sprintf("http://%s:%s", *apiHost, *apiPort),
		token: os.Getenv("API_TOKEN"),
		http:  &http.Client{Timeout: 10 * time.Second},
	}

	fmt.Printf("\n%s%s >> QUEUE BENCHMARK %d URL tasks << %s\n", colorCyan, colorBold, *count, colorReset)

	// Get Baseline Stats
	initialStats, err := c.globalStats()
	if err != nil {
		fmt.Printf("%s[WARN]%s Could not get initial stats: %v. Metrics might be absolute.\n", colorYellow, colorReset, err)
	}

	limiter := rate.NewLimiter(rate.Limit(*perSecond), 1)
	submitted := 0
	for i := range *count {
		if err := limiter.Wait(context.Background()); err != nil {
			break
		}
		if err := c.submitURL(fmt.Sprintf(*target, i)); err != nil {
			fmt.Printf("%s[ERR]%s Submission %d failed: %v\n", colorRed, colorReset, i, err)
			continue
		}
		submitted++
	}
	if submitted == 0 {
		fmt.Printf("%s[ERR]%s No task was accepted\n", colorRed, colorReset)
		os.Exit(1)
	}
	fmt.Printf("%s[OK]%s %d tasks queued.\n\n", colorGreen, colorReset, submitted)

	// Monitor Progress
	startTime := time.Now()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("%s%-10s %-12s %-10s %-10s %-10s%s\n", colorGray+colorBold, "ELAPSED", "REPORTED", "FAILED", "RUNNING", "PENDING", colorReset)
	fmt.Println(colorGray + "------------------------------------------------------------" + colorReset)

	for range ticker.C {
		stats, err := c.globalStats()
		elapsed := time.Since(startTime).Round(time.Second).String()
		if err != nil {
			fmt.Printf("\r%-10s %s%-42s%s", elapsed, colorRed, "Error: Connection Refused (Retrying...)", colorReset)
			continue
		}

		deltaReported := stats.ReportedTasks - initialStats.ReportedTasks
		deltaFailed := stats.FailedTasks - initialStats.FailedTasks

		statusColor := colorGreen
		if deltaFailed > 0 {
			statusColor = colorRed
		}

		fmt.Printf("\r%-10s %s%-12d%s %s%-10d%s %s%-10d%s %-10d",
			elapsed,
			colorGreen, deltaReported, colorReset,
			statusColor, deltaFailed, colorReset,
			colorYellow, stats.RunningTasks, colorReset,
			stats.PendingTasks,
		)

		if deltaReported+deltaFailed >= submitted {
			fmt.Printf("\n%s------------------------------------------------------------%s\n", colorGray, colorReset)
			printReport(stats, initialStats, time.Since(startTime))
			return
		}
	}
}

func (c *client) do(req *http.Request, v any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func (c *client) submitURL(target string) error {
	form := url.Values{"url": {target}, "owner": {"benchmark"}}
	req, err := http.NewRequest(http.MethodPost, c.base+"/tasks/create/url", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var body struct {
		TaskID *int64 `json:"task_id"`
	}
	if err := c.do(req, &body); err != nil {
		return err
	}
	if body.TaskID == nil {
		return fmt.Errorf("response has no task_id")
	}
	return nil
}

func (c *client) globalStats() (GlobalStats, error) {
	req, err := http.NewRequest(http.MethodGet, c.base+"/global-status", nil)
	if err != nil {
		return GlobalStats{}, err
	}
	var stats GlobalStats
	err = c.do(req, &stats)
	return stats, err
}

func printReport(final, initial GlobalStats, duration time.Duration) {
	reported := final.ReportedTasks - initial.ReportedTasks
	failed := final.FailedTasks - initial.FailedTasks
	total := reported + failed
	tps := float64(total) / duration.Seconds()

	successRate := 100.0
	if total > 0 {
		successRate = float64(reported) / float64(total) * 100
	}

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)

	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset + "\n"

	fmt.Printf(lineFmt, "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt, "Total Tasks:", fmt.Sprint(total))
	fmt.Printf(lineFmt, "  - Reported:", fmt.Sprint(reported))
	fmt.Printf(lineFmt, "  - Failed:", fmt.Sprint(failed))
	fmt.Printf(lineFmt, "Success Rate:", fmt.Sprintf("%.2f%%", successRate))
	fmt.Printf(lineFmt, "Throughput (TPS):", fmt.Sprintf("%.2f tasks/sec", tps))
	fmt.Printf(lineFmt, "Avg Processing:", fmt.Sprintf("%.2f s", final.AvgProcessingSec))

	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}
