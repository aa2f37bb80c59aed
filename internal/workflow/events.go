package workflow

import (
	"fmt"

	"github.com/linnemanlabs/quell/internal/incident"
)

// eventPlan maps an inbound event to its target state and the payload
// mutation applied to the incident under its lease. Payload faults are
// reported as ErrValidation before any state is touched.
func eventPlan(event string, payload map[string]any) (incident.State, func(*incident.Incident) error, error) {
	switch event {
	case EventDetectionReceived:
		return incident.StateDetectionReceived, mergeContext(payload), nil

	case EventAnalysisStarted:
		return incident.StateAnalysisInProgress, mergeContext(payload), nil

	case EventAnalysisComplete:
		conf, ok, err := floatField(payload, "confidence_score")
		if err != nil {
			return "", nil, err
		}
		if !ok {
			return "", nil, fmt.Errorf("%w: analysis_complete needs confidence_score", ErrValidation)
		}
		if conf < 0 || conf > 1 {
			return "", nil, fmt.Errorf("%w: confidence_score %v outside [0, 1]", ErrValidation, conf)
		}
		risk, hasRisk, err := floatField(payload, "risk_score")
		if err != nil {
			return "", nil, err
		}
		merge := mergeContext(payload)
		return incident.StateAnalysisComplete, func(in *incident.Incident) error {
			in.Confidence = conf
			if hasRisk {
				in.Risk = risk
			}
			return merge(in)
		}, nil

	case EventRemediationRequested:
		return incident.StateRemediationRequested, mergeContext(payload), nil

	case EventRemediationProposed:
		actions, err := parseActions(payload)
		if err != nil {
			return "", nil, err
		}
		risk, hasRisk, err := floatField(payload, "risk_score")
		if err != nil {
			return "", nil, err
		}
		merge := mergeContext(payload)
		return incident.StateRemediationProposed, func(in *incident.Incident) error {
			in.Actions = actions
			if hasRisk {
				in.Risk = risk
			}
			return merge(in)
		}, nil

	case EventApprovalRequested:
		// gated edge; the engine decides between auto-approval and the
		// manual queue
		return incident.StateRemediationApproved, mergeContext(payload), nil

	case EventApprovalGranted:
		approver, _ := payload["approver"].(string)
		if approver == "" {
			return "", nil, fmt.Errorf("%w: approval_granted needs approver", ErrValidation)
		}
		return incident.StateRemediationApproved, func(in *incident.Incident) error {
			setContext(in, "approved_by", approver)
			in.PendingApprovalID = ""
			return nil
		}, nil

	case EventApprovalDenied:
		approver, _ := payload["approver"].(string)
		if approver == "" {
			return "", nil, fmt.Errorf("%w: approval_denied needs approver", ErrValidation)
		}
		reason, _ := payload["reason"].(string)
		return incident.StateClosed, func(in *incident.Incident) error {
			setContext(in, "denied_by", approver)
			if reason != "" {
				setContext(in, "denial_reason", reason)
			}
			in.PendingApprovalID = ""
			return nil
		}, nil

	case EventRemediationStarted:
		merge := mergeContext(payload)
		return incident.StateRemediationInProgress, func(in *incident.Incident) error {
			for i := range in.Actions {
				if in.Actions[i].Status == "" {
					in.Actions[i].Status = "pending"
				}
			}
			return merge(in)
		}, nil

	case EventRemediationComplete:
		return incident.StateRemediationComplete, mergeContext(payload), nil

	case EventIncidentResolved:
		return incident.StateResolved, mergeContext(payload), nil

	case EventIncidentClosed:
		return incident.StateClosed, mergeContext(payload), nil

	case EventWorkflowFailed:
		reason, _ := payload["reason"].(string)
		return incident.StateFailed, func(in *incident.Incident) error {
			if reason != "" {
				setContext(in, "failure_reason", reason)
			}
			return nil
		}, nil
	}
	return "", nil, fmt.Errorf("%w: unknown event %q", ErrValidation, event)
}

// reserved payload keys that land on typed incident fields rather than
// in the free-form context map.
var reservedPayloadKeys = map[string]bool{
	"confidence_score": true,
	"risk_score":       true,
	"actions":          true,
	"action":           true,
	"status":           true,
	"approver":         true,
}

func mergeContext(payload map[string]any) func(*incident.Incident) error {
	return func(in *incident.Incident) error {
		for k, v := range payload {
			if reservedPayloadKeys[k] {
				continue
			}
			setContext(in, k, v)
		}
		return nil
	}
}

func setContext(in *incident.Incident, key string, value any) {
	if in.Context == nil {
		in.Context = make(map[string]any)
	}
	in.Context[key] = value
}

func floatField(payload map[string]any, key string) (float64, bool, error) {
	v, ok := payload[key]
	if !ok {
		return 0, false, nil
	}
	switch n := v.(type) {
	case float64:
		return n, true, nil
	case float32:
		return float64(n), true, nil
	case int:
		return float64(n), true, nil
	case int64:
		return float64(n), true, nil
	}
	return 0, false, fmt.Errorf("%w: %s must be a number, got %T", ErrValidation, key, v)
}

// parseActions decodes the proposed remediation actions from a payload.
// Each entry needs a name; params are optional.
func parseActions(payload map[string]any) ([]incident.Action, error) {
	raw, ok := payload["actions"]
	if !ok {
		return nil, fmt.Errorf("%w: remediation_proposed needs actions", ErrValidation)
	}
	list, ok := raw.([]any)
	if !ok || len(list) == 0 {
		return nil, fmt.Errorf("%w: actions must be a non-empty list", ErrValidation)
	}
	actions := make([]incident.Action, 0, len(list))
	seen := make(map[string]bool, len(list))
	for i, e := range list {
		m, ok := e.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: actions[%d] must be an object", ErrValidation, i)
		}
		name, _ := m["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("%w: actions[%d] needs a name", ErrValidation, i)
		}
		if seen[name] {
			return nil, fmt.Errorf("%w: duplicate action %q", ErrValidation, name)
		}
		seen[name] = true
		a := incident.Action{Name: name}
		if params, ok := m["params"].(map[string]any); ok {
			a.Params = params
		}
		actions = append(actions, a)
	}
	return actions, nil
}
