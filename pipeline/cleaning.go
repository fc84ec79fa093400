package pipeline

import (
	"errors"
	"math"
	"sort"
	"strings"
)

// CleaningRule 行级清洗规则：返回错误即丢弃该行，也可以原地修正
type CleaningRule interface {
	Apply(*RawRecord) error
	Name() string
}

// CleaningStats 清洗统计
type CleaningStats struct {
	TotalProcessed int64            `json:"total_processed"`
	Passed         int64            `json:"passed"`
	Rejected       int64            `json:"rejected"`
	Corrected      int64            `json:"corrected"`
	Filled         int64            `json:"filled"`
	Issues         map[string]int64 `json:"issues"`
}

// DataCleaner 数据清洗器，每次预处理创建一个
type DataCleaner struct {
	rules []CleaningRule
	stats CleaningStats
}

// NewDataCleaner 创建数据清洗器并添加默认规则
func NewDataCleaner() *DataCleaner {
	cleaner := &DataCleaner{
		stats: CleaningStats{Issues: make(map[string]int64)},
	}
	cleaner.AddRule(EntityKeyRule{})
	cleaner.AddRule(DateRule{})
	cleaner.AddRule(FiniteValueRule{})
	return cleaner
}

func (dc *DataCleaner) AddRule(rule CleaningRule) {
	dc.rules = append(dc.rules, rule)
}

// Clean 清洗数据，按实体分组；组内按日期排序、去重（保留首条）、前向填充，
// 填充后仍缺少必要字段的行被丢弃。输入切片不会被修改。
func (dc *DataCleaner) Clean(records []RawRecord) map[EntityKey][]RawRecord {
	groups := make(map[EntityKey][]RawRecord)

	for i := range records {
		dc.stats.TotalProcessed++
		rec := records[i]
		before := rec

		rejected := false
		for _, rule := range dc.rules {
			if err := rule.Apply(&rec); err != nil {
				dc.recordIssue(rule.Name())
				rejected = true
				break
			}
		}
		if rejected {
			dc.stats.Rejected++
			continue
		}
		if !sameRecord(&before, &rec) {
			dc.stats.Corrected++
		}

		key, _ := rec.Key()
		groups[key] = append(groups[key], rec)
	}

	for key, group := range groups {
		group = dc.dedupe(group)
		dc.stats.Filled += int64(FillMissing(group))

		kept := group[:0]
		for _, rec := range group {
			if !rec.Complete() {
				dc.recordIssue("incomplete_after_fill")
				dc.stats.Rejected++
				continue
			}
			kept = append(kept, rec)
		}
		if len(kept) == 0 {
			delete(groups, key)
			continue
		}
		dc.stats.Passed += int64(len(kept))
		groups[key] = kept
	}

	return groups
}

// dedupe 稳定排序后对同一日期只保留第一条
func (dc *DataCleaner) dedupe(group []RawRecord) []RawRecord {
	sort.SliceStable(group, func(i, j int) bool {
		return group[i].Date.Before(group[j].Date)
	})
	out := group[:0]
	for i := range group {
		if len(out) > 0 && out[len(out)-1].Date.Equal(group[i].Date) {
			dc.recordIssue("duplicate_date")
			dc.stats.Rejected++
			continue
		}
		out = append(out, group[i])
	}
	return out
}

func (dc *DataCleaner) recordIssue(issueType string) {
	dc.stats.Issues[issueType]++
}

// GetStats 获取统计信息
func (dc *DataCleaner) GetStats() CleaningStats {
	stats := dc.stats
	stats.Issues = make(map[string]int64, len(dc.stats.Issues))
	for k, v := range dc.stats.Issues {
		stats.Issues[k] = v
	}
	return stats
}

func sameRecord(a, b *RawRecord) bool {
	if a.Date != b.Date || a.Region != b.Region || a.Market != b.Market ||
		a.Commodity != b.Commodity || a.Season != b.Season {
		return false
	}
	af, bf := a.numericFields(), b.numericFields()
	for i := range af {
		x, y := *af[i], *bf[i]
		if x != y && !(math.IsNaN(x) && math.IsNaN(y)) {
			return false
		}
	}
	return true
}

// ============ 清洗规则实现 ============

// EntityKeyRule 实体键规则：去掉首尾空白，任一部分为空则丢弃
type EntityKeyRule struct{}

func (EntityKeyRule) Name() string {
	return "incomplete_entity_key"
}

func (EntityKeyRule) Apply(rec *RawRecord) error {
	key, ok := rec.Key()
	if !ok {
		return errors.New("entity key has an empty component")
	}
	rec.Region, rec.Market, rec.Commodity = key.Region, key.Market, key.Commodity
	return nil
}

// DateRule 日期规则：无法解析的日期被丢弃，其余归一到 UTC 零点
type DateRule struct{}

func (DateRule) Name() string {
	return "unparseable_date"
}

func (DateRule) Apply(rec *RawRecord) error {
	if rec.Date.IsZero() {
		return errors.New("date is missing or unparseable")
	}
	rec.Date = Day(rec.Date)
	return nil
}

// FiniteValueRule 无穷值按缺失处理，留给前向填充
type FiniteValueRule struct{}

func (FiniteValueRule) Name() string {
	return "non_finite_value"
}

func (FiniteValueRule) Apply(rec *RawRecord) error {
	for _, f := range rec.numericFields() {
		if math.IsInf(*f, 0) {
			*f = math.NaN()
		}
	}
	rec.Season = strings.TrimSpace(rec.Season)
	return nil
}

// FillMissing 前向填充：缺失的数值和季节沿日期轴取上一行的值，返回填充的字段数
func FillMissing(group []RawRecord) int {
	filled := 0
	for i := 1; i < len(group); i++ {
		prev := &group[i-1]
		curr := &group[i]

		pf, cf := prev.numericFields(), curr.numericFields()
		for j := range cf {
			if math.IsNaN(*cf[j]) && !math.IsNaN(*pf[j]) {
				*cf[j] = *pf[j]
				filled++
			}
		}
		if curr.Season == "" && prev.Season != "" {
			curr.Season = prev.Season
			filled++
		}
	}
	return filled
}
