package ingest

import (
	"math"
	"sort"
	"strings"
)

const (
	bucketMs    = 60_000 // one-minute analytics buckets
	topTableLen = 20
)

// ChatAnalytics aggregates message activity for one session.
type ChatAnalytics struct {
	TotalCount  int                        `json:"totalCount"`
	PerSender   map[string]SenderChatStats `json:"userStats"`
	Timeline    []CountBucket              `json:"timeline"`
	TopKeywords []KeywordCount             `json:"topKeywords"`
}

type SenderChatStats struct {
	MessageCount   int    `json:"count"`
	SuperChatCount int    `json:"scCount"`
	SenderID       string `json:"uid"`
}

type CountBucket struct {
	StartMs int64 `json:"start"`
	Count   int   `json:"count"`
}

type KeywordCount struct {
	Word  string `json:"word"`
	Count int    `json:"count"`
}

// MonetaryAnalytics aggregates revenue for one session. All values are in
// natural currency units, rounded to one decimal place after aggregation to
// suppress floating-point drift.
type MonetaryAnalytics struct {
	TotalValue float64                     `json:"totalValue"`
	PerSender  map[string]SenderMoneyStats `json:"userStats"`
	Timeline   []ValueBucket               `json:"timeline"`
	TopGifts   []GiftStat                  `json:"topGifts"`
}

type SenderMoneyStats struct {
	TotalValue     float64 `json:"totalValue"`
	GiftValue      float64 `json:"giftValue"`
	SuperChatValue float64 `json:"scValue"`
	SenderID       string  `json:"uid"`
}

type ValueBucket struct {
	StartMs int64   `json:"start"`
	Value   float64 `json:"value"`
}

type GiftStat struct {
	Name  string  `json:"name"`
	Count int64   `json:"count"`
	Value float64 `json:"value"`
}

// ComputeChatAnalytics aggregates chat and superchat events. Input must be
// sorted by timestamp; gifts are ignored here (they carry no text and are
// counted by the monetary side).
func ComputeChatAnalytics(events []Event) ChatAnalytics {
	a := ChatAnalytics{PerSender: map[string]SenderChatStats{}}
	buckets := map[int64]int{}
	keywords := map[string]int{}

	for _, ev := range events {
		if ev.Kind != EventChat && ev.Kind != EventSuperChat {
			continue
		}
		a.TotalCount++

		stats := a.PerSender[ev.Sender]
		stats.MessageCount++
		if ev.Kind == EventSuperChat {
			stats.SuperChatCount++
		}
		stats.SenderID = ev.SenderID
		a.PerSender[ev.Sender] = stats

		buckets[bucketStart(ev.TimestampMs)]++

		if ev.Kind == EventChat {
			for _, w := range strings.Fields(ev.Text) {
				// single-character tokens are noise, not keywords
				if len([]rune(w)) > 1 {
					keywords[w]++
				}
			}
		}
	}

	a.Timeline = countTimeline(buckets)
	a.TopKeywords = topKeywords(keywords)
	return a
}

// ComputeMonetaryAnalytics aggregates gift and superchat revenue. Input must
// be sorted by timestamp.
func ComputeMonetaryAnalytics(events []Event) MonetaryAnalytics {
	m := MonetaryAnalytics{PerSender: map[string]SenderMoneyStats{}}
	buckets := map[int64]float64{}
	gifts := map[string]*GiftStat{}

	for _, ev := range events {
		var value float64
		switch ev.Kind {
		case EventGift:
			value = ev.Price * float64(ev.GiftCount)
			g := gifts[ev.GiftName]
			if g == nil {
				g = &GiftStat{Name: ev.GiftName}
				gifts[ev.GiftName] = g
			}
			g.Count += ev.GiftCount
			g.Value += value
		case EventSuperChat:
			value = ev.Price
		default:
			continue
		}

		m.TotalValue += value
		stats := m.PerSender[ev.Sender]
		stats.TotalValue += value
		if ev.Kind == EventGift {
			stats.GiftValue += value
		} else {
			stats.SuperChatValue += value
		}
		stats.SenderID = ev.SenderID
		m.PerSender[ev.Sender] = stats

		buckets[bucketStart(ev.TimestampMs)] += value
	}

	m.TotalValue = round1(m.TotalValue)
	for name, stats := range m.PerSender {
		stats.TotalValue = round1(stats.TotalValue)
		stats.GiftValue = round1(stats.GiftValue)
		stats.SuperChatValue = round1(stats.SuperChatValue)
		m.PerSender[name] = stats
	}

	m.Timeline = make([]ValueBucket, 0, len(buckets))
	for start, v := range buckets {
		m.Timeline = append(m.Timeline, ValueBucket{StartMs: start, Value: round1(v)})
	}
	sort.Slice(m.Timeline, func(i, j int) bool { return m.Timeline[i].StartMs < m.Timeline[j].StartMs })

	m.TopGifts = make([]GiftStat, 0, len(gifts))
	for _, g := range gifts {
		g.Value = round1(g.Value)
		m.TopGifts = append(m.TopGifts, *g)
	}
	sort.Slice(m.TopGifts, func(i, j int) bool {
		if m.TopGifts[i].Value != m.TopGifts[j].Value {
			return m.TopGifts[i].Value > m.TopGifts[j].Value
		}
		return m.TopGifts[i].Name < m.TopGifts[j].Name
	})
	if len(m.TopGifts) > topTableLen {
		m.TopGifts = m.TopGifts[:topTableLen]
	}
	return m
}

func bucketStart(tsMs int64) int64 {
	return tsMs / bucketMs * bucketMs
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func countTimeline(buckets map[int64]int) []CountBucket {
	out := make([]CountBucket, 0, len(buckets))
	for start, n := range buckets {
		out = append(out, CountBucket{StartMs: start, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartMs < out[j].StartMs })
	return out
}

func topKeywords(keywords map[string]int) []KeywordCount {
	out := make([]KeywordCount, 0, len(keywords))
	for w, n := range keywords {
		out = append(out, KeywordCount{Word: w, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Word < out[j].Word
	})
	if len(out) > topTableLen {
		out = out[:topTableLen]
	}
	return out
}
