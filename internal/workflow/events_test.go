package workflow

import (
	"errors"
	"testing"

	"github.com/linnemanlabs/quell/internal/incident"
)

func TestEventPlan_Targets(t *testing.T) {
	t.Parallel()

	tests := []struct {
		event   string
		payload map[string]any
		want    incident.State
	}{
		{EventDetectionReceived, nil, incident.StateDetectionReceived},
		{EventAnalysisStarted, nil, incident.StateAnalysisInProgress},
		{EventAnalysisComplete, map[string]any{"confidence_score": 0.8}, incident.StateAnalysisComplete},
		{EventRemediationRequested, nil, incident.StateRemediationRequested},
		{EventRemediationProposed, map[string]any{"actions": []any{map[string]any{"name": "a"}}}, incident.StateRemediationProposed},
		{EventApprovalRequested, nil, incident.StateRemediationApproved},
		{EventApprovalGranted, map[string]any{"approver": "alice"}, incident.StateRemediationApproved},
		{EventApprovalDenied, map[string]any{"approver": "bob"}, incident.StateClosed},
		{EventRemediationStarted, nil, incident.StateRemediationInProgress},
		{EventRemediationComplete, nil, incident.StateRemediationComplete},
		{EventIncidentResolved, nil, incident.StateResolved},
		{EventIncidentClosed, nil, incident.StateClosed},
		{EventWorkflowFailed, nil, incident.StateFailed},
	}
	for _, tt := range tests {
		t.Run(tt.event, func(t *testing.T) {
			t.Parallel()
			target, apply, err := eventPlan(tt.event, tt.payload)
			if err != nil {
				t.Fatalf("eventPlan: %v", err)
			}
			if target != tt.want {
				t.Errorf("target = %s, want %s", target, tt.want)
			}
			if apply == nil {
				t.Error("apply is nil")
			}
		})
	}
}

func TestEventPlan_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		event   string
		payload map[string]any
	}{
		{"unknown event", "made_up", nil},
		{"analysis_complete without confidence", EventAnalysisComplete, nil},
		{"confidence above one", EventAnalysisComplete, map[string]any{"confidence_score": 1.5}},
		{"confidence negative", EventAnalysisComplete, map[string]any{"confidence_score": -0.1}},
		{"confidence not a number", EventAnalysisComplete, map[string]any{"confidence_score": "high"}},
		{"proposed without actions", EventRemediationProposed, nil},
		{"proposed with empty actions", EventRemediationProposed, map[string]any{"actions": []any{}}},
		{"proposed with nameless action", EventRemediationProposed, map[string]any{"actions": []any{map[string]any{"params": map[string]any{}}}}},
		{"proposed with duplicate action", EventRemediationProposed, map[string]any{"actions": []any{
			map[string]any{"name": "block_ip"}, map[string]any{"name": "block_ip"},
		}}},
		{"proposed with non-object action", EventRemediationProposed, map[string]any{"actions": []any{"block_ip"}}},
		{"grant without approver", EventApprovalGranted, nil},
		{"denial without approver", EventApprovalDenied, map[string]any{"reason": "no"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := eventPlan(tt.event, tt.payload)
			if !errors.Is(err, ErrValidation) {
				t.Errorf("eventPlan = %v, want ErrValidation", err)
			}
		})
	}
}

func TestEventPlan_AnalysisCompleteApply(t *testing.T) {
	t.Parallel()

	_, apply, err := eventPlan(EventAnalysisComplete, map[string]any{
		"confidence_score": 0.85,
		"risk_score":       0.3,
		"verdict":          "malicious",
	})
	if err != nil {
		t.Fatalf("eventPlan: %v", err)
	}

	in := &incident.Incident{}
	if err := apply(in); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if in.Confidence != 0.85 || in.Risk != 0.3 {
		t.Errorf("scores = %v/%v, want 0.85/0.3", in.Confidence, in.Risk)
	}
	if in.Context["verdict"] != "malicious" {
		t.Error("free-form payload key did not land in context")
	}
	if _, ok := in.Context["confidence_score"]; ok {
		t.Error("reserved payload key leaked into context")
	}
}

func TestEventPlan_RemediationProposedApply(t *testing.T) {
	t.Parallel()

	_, apply, err := eventPlan(EventRemediationProposed, map[string]any{
		"actions": []any{
			map[string]any{"name": "block_ip", "params": map[string]any{"ip": "10.0.0.9"}},
			map[string]any{"name": "isolate_host"},
		},
		"risk_score": 0.4,
	})
	if err != nil {
		t.Fatalf("eventPlan: %v", err)
	}

	in := &incident.Incident{}
	if err := apply(in); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(in.Actions) != 2 || in.Actions[0].Name != "block_ip" || in.Actions[1].Name != "isolate_host" {
		t.Errorf("actions = %v", in.Actions)
	}
	if in.Actions[0].Params["ip"] != "10.0.0.9" {
		t.Error("action params lost")
	}
	if in.Risk != 0.4 {
		t.Errorf("risk = %v, want 0.4", in.Risk)
	}
}

func TestEventPlan_RemediationStartedApply(t *testing.T) {
	t.Parallel()

	_, apply, err := eventPlan(EventRemediationStarted, nil)
	if err != nil {
		t.Fatalf("eventPlan: %v", err)
	}

	in := &incident.Incident{Actions: []incident.Action{
		{Name: "a"},
		{Name: "b", Status: "running"},
	}}
	if err := apply(in); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if in.Actions[0].Status != "pending" {
		t.Errorf("blank status = %q, want pending", in.Actions[0].Status)
	}
	if in.Actions[1].Status != "running" {
		t.Error("an already-set status was overwritten")
	}
}

func TestEventPlan_WorkflowFailedApply(t *testing.T) {
	t.Parallel()

	_, apply, err := eventPlan(EventWorkflowFailed, map[string]any{"reason": "executor crashed"})
	if err != nil {
		t.Fatalf("eventPlan: %v", err)
	}
	in := &incident.Incident{}
	if err := apply(in); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if in.Context["failure_reason"] != "executor crashed" {
		t.Errorf("failure_reason = %v", in.Context["failure_reason"])
	}
}

func TestFloatField(t *testing.T) {
	t.Parallel()

	if v, ok, err := floatField(map[string]any{"x": 0.5}, "x"); v != 0.5 || !ok || err != nil {
		t.Errorf("float64: %v %v %v", v, ok, err)
	}
	if v, ok, err := floatField(map[string]any{"x": 2}, "x"); v != 2 || !ok || err != nil {
		t.Errorf("int: %v %v %v", v, ok, err)
	}
	if _, ok, err := floatField(map[string]any{}, "x"); ok || err != nil {
		t.Errorf("absent: %v %v", ok, err)
	}
	if _, _, err := floatField(map[string]any{"x": "nope"}, "x"); !errors.Is(err, ErrValidation) {
		t.Errorf("string: err = %v, want ErrValidation", err)
	}
}
