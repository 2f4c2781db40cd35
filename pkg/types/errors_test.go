package types

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestKindOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", errors.New("boom"), KindUnknown},
		{"sentinel", ErrInvalidParameter, KindValidation},
		{"wrapped", fmt.Errorf("%w: confidence 1.5", ErrInvalidParameter), KindValidation},
		{"double wrapped", fmt.Errorf("init: %w", fmt.Errorf("%w: no model", ErrModelInitialization)), KindModelInit},
		{"with cause", fmt.Errorf("%w: scan: %w", ErrFileOperation, os.ErrPermission), KindFileOperation},
		{"config", ErrConfigParse, KindConfig},
		{"not found", ErrImageFormat, KindNotFound},
	}

	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("%s: expected kind %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestWrappedErrorKeepsCause(t *testing.T) {
	err := fmt.Errorf("%w: scan: %w", ErrFileOperation, os.ErrPermission)

	if !errors.Is(err, ErrFileOperation) {
		t.Error("Expected errors.Is to find ErrFileOperation")
	}
	if !errors.Is(err, os.ErrPermission) {
		t.Error("Expected errors.Is to find the underlying cause")
	}
	if errors.Is(err, ErrModelInference) {
		t.Error("Did not expect ErrModelInference in chain")
	}
}

func TestIsFatal(t *testing.T) {
	fatal := []Kind{KindValidation, KindConfig, KindNotFound, KindModelInit, KindUnknown}
	for _, k := range fatal {
		if !IsFatal(k) {
			t.Errorf("Expected %v to be fatal", k)
		}
	}

	recoverable := []Kind{KindInference, KindFileOperation}
	for _, k := range recoverable {
		if IsFatal(k) {
			t.Errorf("Expected %v to be recoverable", k)
		}
	}
}

func TestRunStatsCloneIsIndependent(t *testing.T) {
	s := &RunStats{
		TotalImages:       1,
		Succeeded:         1,
		ClassDistribution: map[string]int{"bus": 2},
		Results: []ImageResult{{
			Task:       ImageTask{SourcePath: "/a.jpg"},
			Detections: []Detection{{ClassName: "bus"}},
		}},
	}

	c := s.Clone()
	c.ClassDistribution["bus"] = 99
	c.Results[0].Detections[0].ClassName = "person"

	if s.ClassDistribution["bus"] != 2 {
		t.Error("Clone shares class distribution with original")
	}
	if s.Results[0].Detections[0].ClassName != "bus" {
		t.Error("Clone shares detections with original")
	}
	if !c.Consistent() {
		t.Error("Expected clone to be consistent")
	}
}

func TestOutcomeString(t *testing.T) {
	if OutcomeSuccess.String() != "success" || OutcomeSkipped.String() != "skipped" || OutcomeFailed.String() != "failed" {
		t.Error("Unexpected outcome names")
	}
	b, _ := OutcomeFailed.MarshalText()
	if string(b) != "failed" {
		t.Errorf("Expected MarshalText to return failed, got %s", b)
	}
}
