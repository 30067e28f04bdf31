package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// HistoryFilter selects entries for a session history query.
type HistoryFilter struct {
	SessionID string
	Subject   string
	From      time.Time // zero value = no lower bound
	To        time.Time // zero value = no upper bound
}

// HistorySummary holds decision counts for a queried history.
type HistorySummary struct {
	Total          int    `json:"total"`
	AllowCount     int    `json:"allow_count"`
	DenyCount      int    `json:"deny_count"`
	FirstTimestamp string `json:"first_timestamp"`
	LastTimestamp  string `json:"last_timestamp"`
}

// HistoryResult holds filtered entries and their summary.
type HistoryResult struct {
	SessionID string         `json:"session_id,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Entries   []Entry        `json:"entries"`
	Summary   HistorySummary `json:"summary"`
}

// History reads a JSONL audit log and returns entries matching the
// filter, in file order. Malformed lines abort the query; a log that
// does not parse should be verified, not silently skimmed.
func History(path string, filter HistoryFilter) (*HistoryResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("audit: open log: %w", err)
	}
	defer f.Close()

	result := &HistoryResult{
		SessionID: filter.SessionID,
		Subject:   filter.Subject,
	}

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		var entry Entry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("audit: parse line %d: %w", lineNum, err)
		}
		if !matches(entry, filter) {
			continue
		}
		result.Entries = append(result.Entries, entry)

		result.Summary.Total++
		switch entry.Decision {
		case "allow":
			result.Summary.AllowCount++
		case "deny":
			result.Summary.DenyCount++
		}
		if result.Summary.FirstTimestamp == "" {
			result.Summary.FirstTimestamp = entry.Timestamp
		}
		result.Summary.LastTimestamp = entry.Timestamp
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan log: %w", err)
	}

	return result, nil
}

func matches(entry Entry, filter HistoryFilter) bool {
	if filter.SessionID != "" && entry.SessionID != filter.SessionID {
		return false
	}
	if filter.Subject != "" && entry.Subject != filter.Subject {
		return false
	}
	if !filter.From.IsZero() || !filter.To.IsZero() {
		ts, err := time.Parse(TimestampFormat, entry.Timestamp)
		if err != nil {
			return false
		}
		if !filter.From.IsZero() && ts.Before(filter.From) {
			return false
		}
		if !filter.To.IsZero() && ts.After(filter.To) {
			return false
		}
	}
	return true
}

// FormatHistory renders a HistoryResult as a human-readable timeline.
func FormatHistory(result *HistoryResult) string {
	who := result.SessionID
	if who == "" {
		who = result.Subject
	}
	if len(result.Entries) == 0 {
		return fmt.Sprintf("History: %s | No entries found.\n", who)
	}

	const separator = "──────────────────────────────────────────────────────────────────"

	var b strings.Builder
	b.WriteString(fmt.Sprintf("History: %s | %s–%s UTC\n", who,
		formatTimeOnly(result.Summary.FirstTimestamp),
		formatTimeOnly(result.Summary.LastTimestamp)))
	b.WriteString(separator + "\n")

	for _, e := range result.Entries {
		b.WriteString(fmt.Sprintf("%-10s %-10s %-6s %-30s %s\n",
			formatTimeOnly(e.Timestamp),
			e.Stage,
			strings.ToUpper(e.Decision),
			truncate(e.Command, 30),
			e.Reason))
	}

	b.WriteString(separator + "\n")
	b.WriteString(fmt.Sprintf("%d entries: %d allow, %d deny\n",
		result.Summary.Total, result.Summary.AllowCount, result.Summary.DenyCount))
	return b.String()
}

func formatTimeOnly(ts string) string {
	t, err := time.Parse(TimestampFormat, ts)
	if err != nil {
		return ts
	}
	return t.Format("15:04:05")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
