package notify

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"fiscalbot/internal/alert"
	"fiscalbot/internal/store"
)

// Alert types with this prefix come from a legacy agent signal class that
// misfires too often to page anyone about.
const ignoredTypePrefix = "legacy_"

// Summary phrases that mark an alert as noise regardless of its type.
var ignoredPhrases = []string{
	"test alert",
	"unknown error",
}

const messageTimeFormat = "02.01.2006 15:04"

// Size-tier boundaries: up to this many alerts each gets its own line,
// above it the message collapses into a per-shop summary.
const listTierMax = 5

// Top shops listed in the summary tier.
const summaryTopShops = 5

// FormatOptions parameterizes rendering without making FormatBatch
// depend on config or clocks.
type FormatOptions struct {
	DashboardURL string
	Now          time.Time
}

// FormatBatch renders a queued alert batch into one chat message.
// It returns "" when filtering leaves nothing worth saying; the caller
// must skip sending in that case.
func FormatBatch(entries []store.QueueEntry, opt FormatOptions) string {
	kept := make([]store.QueueEntry, 0, len(entries))
	for _, e := range entries {
		if ignored(e) {
			continue
		}
		kept = append(kept, e)
	}
	if len(kept) == 0 {
		return ""
	}

	var b strings.Builder
	switch {
	case len(kept) == 1:
		formatSingle(&b, kept[0], opt)
	case len(kept) <= listTierMax:
		formatList(&b, kept)
	default:
		formatSummary(&b, kept)
	}
	text := strings.TrimRight(b.String(), "\n")
	if opt.DashboardURL != "" {
		text += "\n" + opt.DashboardURL
	}
	return text
}

func ignored(e store.QueueEntry) bool {
	if strings.HasPrefix(e.EventType, ignoredTypePrefix) {
		return true
	}
	summary := strings.ToLower(e.AlertSummary)
	for _, p := range ignoredPhrases {
		if strings.Contains(summary, p) {
			return true
		}
	}
	return false
}

func formatSingle(b *strings.Builder, e store.QueueEntry, opt FormatOptions) {
	now := opt.Now
	if now.IsZero() {
		now = time.Now()
	}
	fmt.Fprintf(b, "%s %s alert\n", e.Severity.Glyph(), e.Severity.Label())
	fmt.Fprintf(b, "Shop %d / POS %d\n", e.ShopNumber, e.POSNumber)
	b.WriteString(e.AlertSummary)
	b.WriteString("\n")
	b.WriteString(now.Format(messageTimeFormat))
}

func formatList(b *strings.Builder, entries []store.QueueEntry) {
	fmt.Fprintf(b, "%d alerts\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(b, "• %s Shop %d / POS %d: %s\n", e.Severity.Glyph(), e.ShopNumber, e.POSNumber, e.AlertSummary)
	}
}

func formatSummary(b *strings.Builder, entries []store.QueueEntry) {
	perShop := map[int]int{}
	perSeverity := map[alert.Severity]int{}
	for _, e := range entries {
		perShop[e.ShopNumber]++
		perSeverity[e.Severity]++
	}

	fmt.Fprintf(b, "%d alerts across %d shops\n", len(entries), len(perShop))
	for _, sev := range []alert.Severity{alert.SeverityCritical, alert.SeverityDanger, alert.SeverityWarn} {
		if n := perSeverity[sev]; n > 0 {
			fmt.Fprintf(b, "%s %s: %d\n", sev.Glyph(), sev.Label(), n)
		}
	}

	shops := make([]int, 0, len(perShop))
	for shop := range perShop {
		shops = append(shops, shop)
	}
	sort.Slice(shops, func(i, j int) bool {
		if perShop[shops[i]] != perShop[shops[j]] {
			return perShop[shops[i]] > perShop[shops[j]]
		}
		return shops[i] < shops[j]
	})

	top := shops
	if len(top) > summaryTopShops {
		top = top[:summaryTopShops]
	}
	for _, shop := range top {
		fmt.Fprintf(b, "Shop %d: %d alerts\n", shop, perShop[shop])
	}
	if rest := len(shops) - len(top); rest > 0 {
		fmt.Fprintf(b, "+%d more shops\n", rest)
	}
}
