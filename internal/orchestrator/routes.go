package orchestrator

import (
	"time"

	"github.com/nugget/huddle/internal/caller"
	"github.com/nugget/huddle/internal/registry"
	"github.com/nugget/huddle/internal/state"
)

// Route names. Specialist routes double as registry agent names.
const (
	RouteLoneliness      = "loneliness"
	RouteAnxiety         = "anxiety"
	RouteAccountability  = "accountability"
	RouteTherapy         = "therapy"
	RoutePrimary         = "primary"
	RoutePrimaryEnriched = "primary_enriched"
)

// turnView is everything a payload builder may read.
type turnView struct {
	req     *Request
	conv    *state.Conversation
	context []state.ContextEntry
	results map[string][]state.AgentResult // sync results handed over this turn
}

// ProfileSpecialist is the timeout profile shared by specialist routes.
const ProfileSpecialist = "specialist"

// route is a resolved downstream call.
type route struct {
	Name    string
	URL     string
	Payload any
	// Profile is the caller timeout profile; Timeout, when set, is the
	// agent's own registry timeout and takes precedence.
	Profile string
	Timeout time.Duration
}

func (r route) callOptions() []caller.CallOption {
	opts := []caller.CallOption{caller.WithProfile(r.Profile)}
	if r.Timeout > 0 {
		opts = append(opts, caller.WithTimeout(r.Timeout))
	}
	return opts
}

type payloadBuilder func(v turnView) map[string]any

// specialistRoutes is the fixed branch table keyed by detected_agent.
// Each specialist service has its own field names.
var specialistRoutes = map[string]payloadBuilder{
	RouteLoneliness:     lonelinessPayload,
	RouteAnxiety:        anxietyPayload,
	RouteAccountability: accountabilityPayload,
	RouteTherapy:        therapyPayload,
}

// resolveRoute picks the downstream for this turn. A specialist is used
// only when detected_agent names one in the branch table that the
// registry can locate; everything else goes to the primary service, or
// its enriched variant when sync results are being handed over.
func (o *Orchestrator) resolveRoute(v turnView) route {
	agent := v.req.DetectedAgent
	if build, ok := specialistRoutes[agent]; ok {
		if a, found := o.registry.Get(agent); found && a.URL != "" {
			return route{Name: agent, URL: a.URL, Payload: build(v), Profile: ProfileSpecialist, Timeout: a.Timeout}
		}
		o.logger.Warn("specialist not in registry, using primary", "detected_agent", agent)
	}

	if len(v.results) > 0 && o.primaryEnrichedURL != "" {
		return route{Name: RoutePrimaryEnriched, URL: o.primaryEnrichedURL, Payload: primaryPayload(v), Profile: RoutePrimaryEnriched}
	}
	return route{Name: RoutePrimary, URL: o.primaryURL, Payload: primaryPayload(v), Profile: RoutePrimary}
}

func currentCheckpoint(c *state.Conversation) (name, typ string, expected []string) {
	if cp := c.CurrentCheckpoint(); cp != nil {
		return cp.Name, cp.Type, cp.ExpectedInputs
	}
	return "", "", nil
}

func activeChecklist(c *state.Conversation) []string {
	if t := c.ActiveTask(); t != nil {
		return t.Names()
	}
	return []string{}
}

func history(entries []state.ContextEntry) []map[string]string {
	out := make([]map[string]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]string{"query": e.Query, "response": e.Response})
	}
	return out
}

func lonelinessPayload(v turnView) map[string]any {
	cp, _, _ := currentCheckpoint(v.conv)
	task := ""
	if t := v.conv.ActiveTask(); t != nil {
		task = t.Label
	}
	return map[string]any{
		"message":              v.req.Text,
		"session_id":           v.conv.ConversationID,
		"user_id":              v.conv.IndividualID,
		"conversation_history": history(v.context),
		"current_checkpoint":   cp,
		"checkpoints":          activeChecklist(v.conv),
		"task":                 task,
	}
}

func anxietyPayload(v turnView) map[string]any {
	cp, typ, expected := currentCheckpoint(v.conv)
	return map[string]any{
		"user_input":      v.req.Text,
		"conversation_id": v.conv.ConversationID,
		"individual_id":   v.conv.IndividualID,
		"history":         history(v.context),
		"checkpoint":      cp,
		"checkpoint_type": typ,
		"expected_inputs": expected,
	}
}

func accountabilityPayload(v turnView) map[string]any {
	var goals []map[string]any
	if t := v.conv.ActiveTask(); t != nil {
		for _, cp := range t.Checklist {
			goals = append(goals, map[string]any{
				"name":   cp.Name,
				"label":  cp.Label,
				"status": string(cp.Status),
			})
		}
	}
	return map[string]any{
		"text":            v.req.Text,
		"conversation_id": v.conv.ConversationID,
		"individual_id":   v.conv.IndividualID,
		"user_profile_id": v.conv.UserProfileID,
		"goals":           goals,
		"context":         history(v.context),
	}
}

func therapyPayload(v turnView) map[string]any {
	cp, _, _ := currentCheckpoint(v.conv)
	return map[string]any{
		"query":            v.req.Text,
		"session_id":       v.conv.ConversationID,
		"patient_id":       v.conv.IndividualID,
		"patient_verified": v.conv.PatientVerified,
		"call_log_id":      v.conv.CallLogID,
		"context":          history(v.context),
		"checkpoint":       cp,
	}
}

// primaryPayload carries the full task stack and every state flag.
func primaryPayload(v turnView) map[string]any {
	c := v.conv
	p := map[string]any{
		"text":                     v.req.Text,
		"conversation_id":          c.ConversationID,
		"individual_id":            c.IndividualID,
		"user_profile_id":          c.UserProfileID,
		"detected_agent":           c.DetectedAgent,
		"agent_instance_id":        c.AgentInstanceID,
		"call_log_id":              c.CallLogID,
		"plan":                     v.req.plan(),
		"context":                  history(v.context),
		"task_stack":               c.TaskStack,
		"checkpoint_progress":      c.CheckpointProgress(),
		"is_paused":                c.IsPaused,
		"pending_agent_invocation": c.PendingAgentInvocation,
		"resume_after_subtask":     c.ResumeAfterSubtask,
		"patient_verified":         c.PatientVerified,
		"sync_agent_results":       v.results,
		"async_agent_results":      c.AsyncAgentResults,
	}
	if v.req.Channel != "" {
		p["channel"] = v.req.Channel
	}
	return p
}

// servicesByType splits requested service names by registry type,
// dropping names the registry does not know.
func (o *Orchestrator) servicesByType(names []string) (syncNames, asyncNames, unknown []string) {
	for _, n := range names {
		if _, ok := o.registry.Get(n); !ok {
			unknown = append(unknown, n)
		}
	}
	return o.registry.Filter(names, registry.TypeSync), o.registry.Filter(names, registry.TypeAsync), unknown
}
