package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"worldsync.gg/internal/eventlog"
)

func main() {
	var (
		logsDir = flag.String("logs", "", "directory containing session-*.jsonl.zst")
		kind    = flag.String("kind", "", "only print events of this kind (optional)")
		peer    = flag.String("peer", "", "only print events involving this peer id (optional)")
		show    = flag.Bool("print", false, "print matching events before the summary")
	)
	flag.Parse()

	if *logsDir == "" {
		fmt.Fprintln(os.Stderr, "missing -logs")
		os.Exit(2)
	}

	files, err := eventlog.ListFiles(*logsDir, "session")
	if err != nil {
		fmt.Fprintln(os.Stderr, "list logs:", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "no session logs found in", *logsDir)
		os.Exit(1)
	}

	counts := make(map[string]int)
	var first, last time.Time
	total, matched := 0, 0
	for _, path := range files {
		err := eventlog.ReadFile(path, func(ev eventlog.Event) error {
			total++
			counts[ev.Kind]++
			if first.IsZero() || ev.At.Before(first) {
				first = ev.At
			}
			if ev.At.After(last) {
				last = ev.At
			}
			if *kind != "" && ev.Kind != *kind {
				return nil
			}
			if *peer != "" && ev.Peer != *peer {
				return nil
			}
			matched++
			if *show {
				fmt.Println(formatEvent(ev))
			}
			return nil
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, "read events:", err)
			os.Exit(1)
		}
	}

	fmt.Printf("events=%d files=%d span=%s..%s\n", total, len(files),
		first.Format(time.RFC3339), last.Format(time.RFC3339))
	kinds := make([]string, 0, len(counts))
	for k := range counts {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Printf("  %-16s %d\n", k, counts[k])
	}
	if *kind != "" || *peer != "" {
		fmt.Printf("matched=%d\n", matched)
	}
}

func formatEvent(ev eventlog.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %-14s", ev.At.Format(time.RFC3339), ev.Kind)
	if ev.Endpoint != "" {
		fmt.Fprintf(&b, " endpoint=%s", ev.Endpoint)
	}
	if ev.Peer != "" {
		fmt.Fprintf(&b, " peer=%s", ev.Peer)
	}
	if ev.RTTMs > 0 {
		fmt.Fprintf(&b, " rtt_ms=%d", ev.RTTMs)
	}
	if ev.Text != "" {
		fmt.Fprintf(&b, " %q", ev.Text)
	}
	if ev.Detail != "" {
		fmt.Fprintf(&b, " (%s)", ev.Detail)
	}
	return b.String()
}
