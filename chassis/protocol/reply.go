package protocol

import (
	"encoding/csv"
	"errors"
	"fmt"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
)

// ErrMalformedReply - the checker answered with something we cannot grade from
var ErrMalformedReply = errors.New("malformed checker reply")

const (
	studentReportKey = "Student Report"
	qualificationKey = "Qualification Table Entry"
	reportDateKey    = "Report Date"
	legacyInfoKey    = "info"

	gradeColumn    = "Qualificació"
	maxGradeColumn = "Qualificació màxima"
	feedbackColumn = "Comentaris de retroalimentació"
)

// Correction - grading result persisted on the submission link
type Correction struct {
	Grade      *float64               `json:"grade"`
	MaxGrade   *float64               `json:"max_grade,omitempty"`
	Feedback   string                 `json:"feedback,omitempty"`
	ReportDate string                 `json:"report_date,omitempty"`
	Report     map[string]interface{} `json:"report"`
}

// JSON - convert struct to json
func (c *Correction) JSON() ([]byte, error) {
	return json.Marshal(c)
}

// ParseReply extracts the correction from a checker reply body.
func ParseReply(body []byte) (*Correction, error) {
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrMalformedReply)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedReply, err)
	}
	if raw, ok := doc[studentReportKey]; ok {
		return parseStudentReport(raw)
	}
	if raw, ok := doc[legacyInfoKey]; ok {
		return parseLegacyInfo(raw)
	}
	return nil, fmt.Errorf("%w: no %q in reply", ErrMalformedReply, studentReportKey)
}

func parseStudentReport(raw json.RawMessage) (*Correction, error) {
	var report map[string]interface{}
	if err := json.Unmarshal(raw, &report); err != nil || report == nil {
		return nil, fmt.Errorf("%w: %q is not an object", ErrMalformedReply, studentReportKey)
	}
	table, _ := report[qualificationKey].(string)
	if table == "" {
		return nil, fmt.Errorf("%w: no %q", ErrMalformedReply, qualificationKey)
	}
	correction, err := parseQualificationTable(table)
	if err != nil {
		return nil, err
	}
	correction.ReportDate, _ = report[reportDateKey].(string)
	correction.Report = report
	return correction, nil
}

func parseLegacyInfo(raw json.RawMessage) (*Correction, error) {
	var info map[string]interface{}
	if err := json.Unmarshal(raw, &info); err != nil || len(info) == 0 {
		return nil, fmt.Errorf("%w: empty %q", ErrMalformedReply, legacyInfoKey)
	}
	correction := &Correction{Report: info}
	if grade, ok := info["grade"].(float64); ok {
		correction.Grade = &grade
	}
	correction.Feedback, _ = info["details"].(string)
	return correction, nil
}

// stripFences drops markdown code fence lines around the CSV.
func stripFences(table string) string {
	lines := strings.Split(table, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") || trimmed == "" {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

func parseQualificationTable(table string) (*Correction, error) {
	reader := csv.NewReader(strings.NewReader(stripFences(table)))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: qualification table: %v", ErrMalformedReply, err)
	}
	if len(records) < 2 {
		return nil, fmt.Errorf("%w: qualification table has no rows", ErrMalformedReply)
	}
	header := records[0]
	column := func(name string) int {
		for i, h := range header {
			if strings.TrimSpace(h) == name {
				return i
			}
		}
		return -1
	}
	gradeIdx := column(gradeColumn)
	if gradeIdx < 0 {
		return nil, fmt.Errorf("%w: no %q column", ErrMalformedReply, gradeColumn)
	}
	row := records[1]
	if gradeIdx >= len(row) {
		return nil, fmt.Errorf("%w: short qualification row", ErrMalformedReply)
	}
	grade, err := parseDecimal(row[gradeIdx])
	if err != nil {
		return nil, fmt.Errorf("%w: grade %q", ErrMalformedReply, row[gradeIdx])
	}
	correction := &Correction{Grade: &grade}
	if idx := column(maxGradeColumn); idx >= 0 && idx < len(row) {
		if max, err := parseDecimal(row[idx]); err == nil {
			correction.MaxGrade = &max
		}
	}
	if idx := column(feedbackColumn); idx >= 0 && idx < len(row) {
		correction.Feedback = strings.ReplaceAll(strings.TrimSpace(row[idx]), "<br>", "\n")
	}
	return correction, nil
}

// parseDecimal accepts both "8.5" and "8,5".
func parseDecimal(value string) (float64, error) {
	value = strings.ReplaceAll(strings.TrimSpace(value), ",", ".")
	return strconv.ParseFloat(value, 64)
}
