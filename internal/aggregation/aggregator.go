// Package aggregation consolidates the data collection agents' results into one
// employee record and scores its quality.
//
// Scores are 0–100:
//
//	completeness = share of RequiredFields present and non-empty
//	consistency  = share of overlapping fields on which every source agrees
//	reliability  = source-weighted average of each source's own score
//	overall      = 0.40·completeness + 0.30·consistency + 0.30·reliability
//
// Failed sources contribute nothing to the record and 0 to reliability at
// full weight.
package aggregation

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/onboardly/control-plane/internal/config"
	"github.com/onboardly/control-plane/pkg/models"
)

// RequiredFields are the dotted paths a complete employee record carries.
var RequiredFields = []string{
	"personal_info.first_name",
	"personal_info.last_name",
	"personal_info.email",
	"employment.position",
	"employment.department",
	"employment.start_date",
	"compensation.salary",
	"documents.verified",
}

// Composite weights.
const (
	WeightCompleteness = 0.40
	WeightConsistency  = 0.30
	WeightReliability  = 0.30
)

// SourceWeights rank sources by importance. Identity and contract data
// outrank document metadata.
var SourceWeights = map[string]float64{
	models.AgentDataCollection: 0.40,
	models.AgentConfirmation:   0.40,
	models.AgentDocumentation:  0.20,
}

// defaultSourceWeight applies to sources outside SourceWeights.
const defaultSourceWeight = 0.20

// Decision is the outcome of the quality gate.
type Decision string

const (
	DecisionProceed       Decision = "proceed"
	DecisionManualReview  Decision = "manual_review"
	DecisionErrorHandling Decision = "error_handling"
)

// Aggregator scores data collection results against one threshold table.
type Aggregator struct {
	thresholds config.Thresholds
}

// New creates an Aggregator. Zero-valued thresholds fall back to defaults.
func New(th config.Thresholds) *Aggregator {
	if th == (config.Thresholds{}) {
		th = config.DefaultThresholds()
	}
	return &Aggregator{thresholds: th}
}

// Thresholds returns the table in use.
func (a *Aggregator) Thresholds() config.Thresholds { return a.thresholds }

// Aggregate merges and scores results keyed by agent id. Missing or nil
// results are treated as failed sources.
func (a *Aggregator) Aggregate(employeeID string, results map[string]models.AgentResult) *models.AggregationResult {
	sources := orderedSources(results)

	flat := make(map[string]interface{})
	reported := make(map[string]map[string]interface{}) // field → source → value
	scores := make(map[string]float64, len(sources))
	successful := 0
	allAboveMin := true

	for _, id := range sources {
		r := results[id]
		if r == nil || !r.Succeeded() {
			scores[id] = 0
			continue
		}
		successful++
		scores[id] = clamp(r.Score())
		if scores[id] < a.thresholds.SourceScoreMin {
			allAboveMin = false
		}

		cr, ok := r.(models.CollectionResult)
		if !ok {
			continue
		}
		for field, v := range cr.Fields() {
			if isEmpty(v) {
				continue
			}
			if _, exists := flat[field]; !exists {
				flat[field] = v
			}
			if reported[field] == nil {
				reported[field] = make(map[string]interface{})
			}
			reported[field][id] = v
		}
	}

	res := &models.AggregationResult{
		EmployeeRecord:    buildRecord(employeeID, flat),
		SourceScores:      scores,
		SuccessfulSources: successful,
	}

	// Completeness
	present := 0
	for _, f := range RequiredFields {
		if v, ok := flat[f]; ok && !isEmpty(v) {
			present++
		} else {
			res.MissingFields = append(res.MissingFields, f)
		}
	}
	res.CompletenessScore = round2(100 * float64(present) / float64(len(RequiredFields)))

	// Consistency
	res.ConsistencyScore, res.Mismatches = consistency(reported, successful)

	// Reliability
	var weighted, total float64
	for _, id := range sources {
		w := sourceWeight(id)
		weighted += w * scores[id]
		total += w
	}
	if total > 0 {
		res.ReliabilityScore = round2(weighted / total)
	}

	res.OverallQualityScore = round2(
		WeightCompleteness*res.CompletenessScore +
			WeightConsistency*res.ConsistencyScore +
			WeightReliability*res.ReliabilityScore)
	res.QualityRating = Rating(res.OverallQualityScore)
	res.ValidationPassed = successful >= a.thresholds.MinSources && allAboveMin
	res.ReadyForSequentialPipeline = res.OverallQualityScore >= a.thresholds.Quality && res.ValidationPassed
	return res
}

// Decide applies the quality gate to an aggregation result.
func (a *Aggregator) Decide(res *models.AggregationResult) Decision {
	return a.DecideScore(res.OverallQualityScore, res.ValidationPassed)
}

// DecideScore applies the gate to a bare score: below the hard floor the
// error chain is mandatory, at or above the quality threshold (with
// validation) the pipeline runs, and everything between is held for review.
func (a *Aggregator) DecideScore(quality float64, validationPassed bool) Decision {
	switch {
	case quality < a.thresholds.HardFloor:
		return DecisionErrorHandling
	case quality >= a.thresholds.Quality && validationPassed:
		return DecisionProceed
	default:
		return DecisionManualReview
	}
}

// PipelineSucceeded reports whether enough pipeline stages completed.
func (a *Aggregator) PipelineSucceeded(stagesCompleted int) bool {
	return stagesCompleted >= a.thresholds.PipelineMajority
}

// Rating bands an overall quality score.
func Rating(score float64) models.QualityRating {
	switch {
	case score >= 90:
		return models.RatingExcellent
	case score >= 75:
		return models.RatingGood
	case score >= 60:
		return models.RatingFair
	default:
		return models.RatingPoor
	}
}

// consistency scores agreement on fields reported by more than one source.
// Without any successful source there is nothing to corroborate and the
// score is 0; with sources but no overlaps it is 100.
func consistency(reported map[string]map[string]interface{}, successful int) (float64, []models.FieldMismatch) {
	if successful == 0 {
		return 0, nil
	}

	fields := make([]string, 0, len(reported))
	for f, bySource := range reported {
		if len(bySource) > 1 {
			fields = append(fields, f)
		}
	}
	if len(fields) == 0 {
		return 100, nil
	}
	sort.Strings(fields)

	var mismatches []models.FieldMismatch
	agreeing := 0
	for _, f := range fields {
		var first string
		agree := true
		i := 0
		for _, v := range reported[f] {
			n := normalizeValue(v)
			if i == 0 {
				first = n
			} else if n != first {
				agree = false
			}
			i++
		}
		if agree {
			agreeing++
			continue
		}
		mismatches = append(mismatches, models.FieldMismatch{Field: f, Values: reported[f]})
	}
	return round2(100 * float64(agreeing) / float64(len(fields))), mismatches
}

// normalizeValue canonicalizes a value for comparison: strings are trimmed
// and lower-cased, numbers formatted without trailing zeros.
func normalizeValue(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.ToLower(strings.Join(strings.Fields(t), " "))
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case nil:
		return ""
	default:
		return strings.ToLower(strings.TrimSpace(fmt.Sprint(t)))
	}
}

// buildRecord expands dotted paths into a nested record.
func buildRecord(employeeID string, flat map[string]interface{}) map[string]interface{} {
	rec := make(map[string]interface{})
	if employeeID != "" {
		rec["employee_id"] = employeeID
	}
	keys := make([]string, 0, len(flat))
	for k := range flat {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		setPath(rec, strings.Split(k, "."), flat[k])
	}
	return rec
}

func setPath(m map[string]interface{}, path []string, v interface{}) {
	for i, p := range path {
		if i == len(path)-1 {
			m[p] = v
			return
		}
		next, ok := m[p].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			m[p] = next
		}
		m = next
	}
}

// GetPath reads a dotted path from a nested record.
func GetPath(rec map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = rec
	for _, p := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// orderedSources lists the known collection agents first, then any others
// in name order, so merges are deterministic.
func orderedSources(results map[string]models.AgentResult) []string {
	out := append([]string(nil), models.DataCollectionAgents...)
	var extra []string
	for id := range results {
		if _, known := SourceWeights[id]; !known {
			extra = append(extra, id)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

func sourceWeight(id string) float64 {
	if w, ok := SourceWeights[id]; ok {
		return w
	}
	return defaultSourceWeight
}

func isEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case map[string]interface{}:
		return len(t) == 0
	case []interface{}:
		return len(t) == 0
	case []string:
		return len(t) == 0
	}
	return false
}

func clamp(s float64) float64 {
	if math.IsNaN(s) || s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
