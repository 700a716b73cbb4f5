package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// Format - wire format of the checker call body
type Format string

const (
	// FormatPositional - subject,year,task,student_id,student_dir,teacher_dir
	FormatPositional Format = "positional"
	// FormatJSON - the request document itself
	FormatJSON Format = "json"
)

var (
	// ErrMalformedRequest - body is not a JSON object
	ErrMalformedRequest = errors.New("malformed correction request")
	// ErrUnencodable - a field cannot be carried by the positional format
	ErrUnencodable = errors.New("request not encodable in positional format")
)

// FieldError lists required fields absent from a request.
type FieldError struct {
	Missing []string
}

func (e *FieldError) Error() string {
	return "missing required fields: " + strings.Join(e.Missing, ", ")
}

// CorrectionRequest - one "grade this submission" message
type CorrectionRequest struct {
	Subject    string `json:"subject"`
	Year       string `json:"year"`
	Task       string `json:"task"`
	TaskID     string `json:"task_id"`
	StudentID  string `json:"student_id"`
	Language   string `json:"language"`
	StudentDir string `json:"student_dir"`
	TeacherDir string `json:"teacher_dir"`
}

// text decodes JSON strings, numbers and null into a string.
type text string

func (t *text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || string(data) == "null":
		*t = ""
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = text(s)
	case data[0] == '-' || (data[0] >= '0' && data[0] <= '9'):
		*t = text(data)
	default:
		return fmt.Errorf("unexpected value %s", data)
	}
	return nil
}

// wireRequest accepts the current field names and the legacy ones.
type wireRequest struct {
	Subject      text `json:"subject"`
	CourseID     text `json:"course_id"`
	Year         text `json:"year"`
	AcademicYear text `json:"academic_year"`
	Task         text `json:"task"`
	Name         text `json:"name"`
	TaskID       text `json:"task_id"`
	PracticeID   text `json:"practice_id"`
	StudentID    text `json:"student_id"`
	Niub         text `json:"niub"`
	Language     text `json:"language"`
	StudentDir   text `json:"student_dir"`
	TeacherDir   text `json:"teacher_dir"`
}

func first(values ...text) string {
	for _, v := range values {
		if s := strings.TrimSpace(string(v)); s != "" {
			return s
		}
	}
	return ""
}

// ParseRequest decodes and validates a message body.
func ParseRequest(body []byte) (*CorrectionRequest, error) {
	var wire wireRequest
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	r := &CorrectionRequest{
		Subject:    first(wire.Subject, wire.CourseID),
		Year:       first(wire.Year, wire.AcademicYear),
		Task:       first(wire.Task, wire.Name),
		TaskID:     first(wire.TaskID, wire.PracticeID),
		StudentID:  first(wire.StudentID, wire.Niub),
		Language:   first(wire.Language),
		StudentDir: first(wire.StudentDir),
		TeacherDir: first(wire.TeacherDir),
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate - subject, year, task, task_id, student_id and language are required
func (r *CorrectionRequest) Validate() error {
	var missing []string
	required := []struct {
		name  string
		value string
	}{
		{"subject", r.Subject},
		{"year", r.Year},
		{"task", r.Task},
		{"task_id", r.TaskID},
		{"student_id", r.StudentID},
		{"language", r.Language},
	}
	for _, f := range required {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return &FieldError{Missing: missing}
	}
	return nil
}

// Positional - legacy checker body
func (r *CorrectionRequest) Positional() ([]byte, error) {
	fields := []string{r.Subject, r.Year, r.Task, r.StudentID, r.StudentDir, r.TeacherDir}
	for _, f := range fields {
		if strings.ContainsAny(f, ",\n") {
			return nil, fmt.Errorf("%w: %q", ErrUnencodable, f)
		}
	}
	return []byte(strings.Join(fields, ",")), nil
}

// JSON - convert struct to json
func (r *CorrectionRequest) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// Encode renders the checker call body in the given format.
func (r *CorrectionRequest) Encode(format Format) ([]byte, error) {
	switch format {
	case FormatJSON:
		return r.JSON()
	case FormatPositional, "":
		return r.Positional()
	default:
		return nil, fmt.Errorf("unknown rpc format %q", format)
	}
}

// ParsePositional decodes a legacy checker body.
func ParsePositional(body []byte) (*CorrectionRequest, error) {
	parts := strings.Split(string(body), ",")
	if len(parts) != 6 {
		return nil, fmt.Errorf("%w: expected 6 comma-separated values, got %d", ErrMalformedRequest, len(parts))
	}
	return &CorrectionRequest{
		Subject:    parts[0],
		Year:       parts[1],
		Task:       parts[2],
		StudentID:  parts[3],
		StudentDir: parts[4],
		TeacherDir: parts[5],
	}, nil
}

// String representation
func (r *CorrectionRequest) String() string {
	return fmt.Sprintf("student=%s task=%s(%s) subject=%s year=%s language=%s",
		r.StudentID, r.Task, r.TaskID, r.Subject, r.Year, r.Language)
}
