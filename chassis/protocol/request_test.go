package protocol

import (
	"errors"
	"reflect"
	"testing"
)

func TestParseRequestCurrentFields(t *testing.T) {
	body := []byte(`{"student_id":"niub12345678","task_id":"T1","task":"pr1","language":"python",
		"subject":"prog1","year":"2425","student_dir":"/s","teacher_dir":"/t"}`)
	req, err := ParseRequest(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := &CorrectionRequest{
		Subject: "prog1", Year: "2425", Task: "pr1", TaskID: "T1",
		StudentID: "niub12345678", Language: "python", StudentDir: "/s", TeacherDir: "/t",
	}
	if !reflect.DeepEqual(req, want) {
		t.Fatalf("got %+v, want %+v", req, want)
	}
}

func TestParseRequestLegacyFields(t *testing.T) {
	body := []byte(`{"niub":"niub1","practice_id":"8d6f","name":"pr2","language":"java",
		"course_id":"prog2","academic_year":2425}`)
	req, err := ParseRequest(body)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.StudentID != "niub1" || req.TaskID != "8d6f" || req.Task != "pr2" || req.Subject != "prog2" || req.Year != "2425" {
		t.Fatalf("legacy aliases not applied: %+v", req)
	}
}

func TestParseRequestMissingFields(t *testing.T) {
	body := []byte(`{"student_id":"niub12345678","task_id":"T1","task":"pr1","subject":"prog1","year":"2425"}`)
	_, err := ParseRequest(body)
	var fieldErr *FieldError
	if !errors.As(err, &fieldErr) {
		t.Fatalf("expected FieldError, got %v", err)
	}
	if !reflect.DeepEqual(fieldErr.Missing, []string{"language"}) {
		t.Fatalf("missing = %v", fieldErr.Missing)
	}
}

func TestParseRequestMalformed(t *testing.T) {
	for _, body := range []string{`not json`, `[1,2]`, `{"year":{}}`} {
		if _, err := ParseRequest([]byte(body)); !errors.Is(err, ErrMalformedRequest) {
			t.Fatalf("%s: expected ErrMalformedRequest, got %v", body, err)
		}
	}
}

func TestEncodePositional(t *testing.T) {
	req := &CorrectionRequest{Subject: "prog1", Year: "2425", Task: "pr1", StudentID: "niub1", StudentDir: "/s", TeacherDir: "/t"}
	body, err := req.Encode(FormatPositional)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(body) != "prog1,2425,pr1,niub1,/s,/t" {
		t.Fatalf("body = %q", body)
	}
	back, err := ParsePositional(body)
	if err != nil {
		t.Fatalf("parse positional: %v", err)
	}
	if back.Subject != req.Subject || back.StudentID != req.StudentID || back.TeacherDir != req.TeacherDir {
		t.Fatalf("positional round trip: %+v", back)
	}
}

func TestEncodePositionalRejectsCommas(t *testing.T) {
	req := &CorrectionRequest{Subject: "prog,1"}
	if _, err := req.Encode(FormatPositional); !errors.Is(err, ErrUnencodable) {
		t.Fatalf("expected ErrUnencodable, got %v", err)
	}
}

func TestParsePositionalWrongArity(t *testing.T) {
	if _, err := ParsePositional([]byte("a,b,c")); !errors.Is(err, ErrMalformedRequest) {
		t.Fatalf("expected ErrMalformedRequest, got %v", err)
	}
}
