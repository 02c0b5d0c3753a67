package labapi

import (
	"bytes"
	"encoding/json"
)

// Report statuses produced by the upstream rules engine.
const (
	StatusNormal   = "NORMAL"
	StatusAbnormal = "ABNORMAL"
	StatusCritical = "CRITICAL"
)

// SummaryRow is one status bucket from /reports/summary.
type SummaryRow struct {
	Status string `json:"status"`
	Count  int64  `json:"count"`
}

// LabRow is one test/status bucket from /reports/by-lab.
type LabRow struct {
	TestName     string `json:"test_name"`
	Status       string `json:"status"`
	PatientCount int64  `json:"patient_count"`
}

// GenderRow is one gender/status bucket from /reports/by-gender.
type GenderRow struct {
	Gender       string `json:"gender"`
	Status       string `json:"status,omitempty"`
	PatientCount int64  `json:"patient_count"`
}

// CriticalAlertRow is an unreviewed critical lab interpretation.
type CriticalAlertRow struct {
	SubjectID SubjectID `json:"subject_id"`
	HadmID    SubjectID `json:"hadm_id,omitempty"`
	TestName  string    `json:"test_name"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Reason    string    `json:"reason,omitempty"`
}

// LabResult is a single interpreted lab value for one subject.
type LabResult struct {
	SubjectID SubjectID `json:"subject_id"`
	HadmID    SubjectID `json:"hadm_id"`
	TestName  string    `json:"test_name"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Gender    string    `json:"gender"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason"`
}

// ChatAnswer is the reply to a subject-scoped question.
type ChatAnswer struct {
	Answer          string  `json:"answer"`
	ConfidenceScore float64 `json:"confidence_score"`
}

// AISummary is the generated synopsis for a subject. While generation is
// still running the upstream only sets Message.
type AISummary struct {
	Summary    string `json:"summary"`
	Disclaimer string `json:"disclaimer"`
	Message    string `json:"message,omitempty"`
}

// Ready reports whether the summary field is non-empty.
func (s AISummary) Ready() bool {
	return s.Summary != ""
}

type askRequest struct {
	Question string `json:"question"`
}

// SubjectID accepts both JSON numbers and strings; the upstream stores
// subject ids as integers but the chat routes treat them as path segments.
type SubjectID string

func (id *SubjectID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = SubjectID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = SubjectID(n.String())
	return nil
}

func (id SubjectID) String() string {
	return string(id)
}
