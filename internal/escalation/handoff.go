package escalation

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/onboardly/control-plane/internal/config"
	"github.com/onboardly/control-plane/internal/notify"
	"github.com/onboardly/control-plane/internal/store"
	"github.com/onboardly/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
)

// BundleFields are the sections a complete context bundle carries.
var BundleFields = []string{
	"employee_data",
	"error_timeline",
	"recovery_attempts",
	"classification",
	"agent_states",
	"incident",
}

// Handoff routes an unresolved incident to a human specialist.
type Handoff struct {
	store    store.Store
	notifier *notify.Service
	policy   *config.Policy
}

func NewHandoff(s store.Store, n *notify.Service, p *config.Policy) *Handoff {
	return &Handoff{store: s, notifier: n, policy: p}
}

// SpecialistRoleFor maps an error category and the failing stage to the
// responsible role.
func SpecialistRoleFor(category models.ErrorCategory, stage string) models.SpecialistRole {
	switch {
	case category == models.CategorySecurity:
		return models.SpecialistSecurity
	case category == models.CategoryDataQuality || category == models.CategoryValidation:
		return models.SpecialistHRManager
	case stage == models.AgentContractManagement:
		return models.SpecialistLegal
	case category == models.CategoryIntegration || category == models.CategoryTimeout:
		return models.SpecialistIT
	}
	return models.SpecialistCoordinator
}

// Run assigns a specialist, stores the context bundle, opens a ticket and
// notifies the specialist and stakeholders.
func (h *Handoff) Run(ctx context.Context, rec *Record) *models.HandoffResult {
	inc := rec.Incident
	result := &models.HandoffResult{}

	category := models.CategoryAgentFailure
	if rec.Classification != nil {
		category = rec.Classification.Category
	}
	role := SpecialistRoleFor(category, inc.Stage)
	specialist, matched := h.policy.SpecialistFor(role)
	if !matched {
		var ok bool
		if specialist, ok = h.policy.SpecialistFor(models.SpecialistCoordinator); !ok {
			specialist = models.Specialist{ID: "unassigned", Name: "Unassigned", Role: models.SpecialistCoordinator}
		}
	}
	result.Specialist = &specialist

	bundle := h.bundle(ctx, rec)
	result.ContextBundle = bundle
	result.ContextPreservationScore = preservation(bundle)

	priority := handoffPriority(rec)
	if rec.Recovery != nil && rec.Recovery.HandoffPriority != "" {
		priority = rec.Recovery.HandoffPriority
	}
	ticket := &models.EscalationTicket{
		ID:           NewTicketID(),
		SessionID:    inc.SessionID,
		EmployeeID:   inc.EmployeeID,
		Priority:     priority,
		Status:       "open",
		AssignedTo:   specialist.ID,
		AssignedRole: specialist.Role,
		Summary:      ticketSummary(rec),
		CreatedAt:    time.Now().UTC(),
	}
	result.Ticket = ticket
	rec.note(string(StageHandoff), "ticket_opened", ticket.ID)

	if inc.SessionID != "" {
		err := h.store.UpdateEmployeeData(ctx, inc.SessionID, map[string]interface{}{
			"handoff_bundle":    bundle,
			"escalation_ticket": ticket,
		}, models.DataProcessed)
		if err != nil {
			result.Error = fmt.Sprintf("store handoff bundle: %v", err)
		}
	}

	result.Notifications = h.notify(ctx, ticket, specialist, rec)
	delivered := 0
	for _, n := range result.Notifications {
		if n.Success {
			delivered++
		}
	}
	deliveryRate := 0.0
	if len(result.Notifications) > 0 {
		deliveryRate = float64(delivered) / float64(len(result.Notifications))
	}

	matchScore := 0.0
	if matched {
		matchScore = 1
	}
	result.HandoffQualityScore = round2(0.6*result.ContextPreservationScore + 20*matchScore + 20*deliveryRate)
	result.Success = result.Error == ""

	log.Info().
		Str("session_id", inc.SessionID).
		Str("ticket_id", ticket.ID).
		Str("role", string(specialist.Role)).
		Str("priority", string(priority)).
		Float64("quality", result.HandoffQualityScore).
		Msg("🧑‍💼 Escalation handed off")
	return result
}

func (h *Handoff) bundle(ctx context.Context, rec *Record) map[string]interface{} {
	inc := rec.Incident
	bundle := map[string]interface{}{
		"incident": map[string]interface{}{
			"source":        string(inc.Source),
			"message":       inc.Message,
			"category_hint": string(inc.Category),
			"failed_agents": append([]string(nil), inc.FailedAgents...),
			"stage":         inc.Stage,
			"payload":       models.CloneMap(inc.Payload),
			"detected_at":   inc.At,
		},
	}

	timeline := make([]interface{}, 0)
	for _, e := range rec.Timeline() {
		timeline = append(timeline, map[string]interface{}{
			"at": e.At, "stage": e.Stage, "event": e.Event, "detail": e.Detail,
		})
	}
	bundle["error_timeline"] = timeline

	if rec.Classification != nil {
		bundle["classification"] = rec.Classification
	}
	if rec.Recovery != nil && len(rec.Recovery.Attempts) > 0 {
		bundle["recovery_attempts"] = rec.Recovery.Attempts
	}

	if inc.SessionID == "" {
		return bundle
	}
	ec, err := h.store.GetEmployeeContext(ctx, inc.SessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", inc.SessionID).Msg("Handoff without session context")
		return bundle
	}
	if len(ec.RawData) > 0 {
		bundle["employee_data"] = ec.RawData
	}
	if len(ec.AgentStates) > 0 {
		states := make(map[string]interface{}, len(ec.AgentStates))
		for id, st := range ec.AgentStates {
			states[id] = map[string]interface{}{
				"status": string(st.Status),
				"errors": append([]string(nil), st.Errors...),
			}
		}
		bundle["agent_states"] = states
	}
	return bundle
}

func (h *Handoff) notify(ctx context.Context, ticket *models.EscalationTicket, specialist models.Specialist, rec *Record) []models.NotifyResult {
	payload := map[string]interface{}{
		"ticket_id":   ticket.ID,
		"employee_id": ticket.EmployeeID,
		"summary":     ticket.Summary,
	}
	results := h.notifier.Notify(ctx, notify.Message{
		Type:          notify.MessageEscalationAssigned,
		SessionID:     ticket.SessionID,
		TicketID:      ticket.ID,
		Recipient:     specialist.Email,
		RecipientRole: string(specialist.Role),
		Priority:      ticket.Priority,
		Subject:       fmt.Sprintf("[%s] Onboarding escalation %s", strings.ToUpper(string(ticket.Priority)), ticket.ID),
		Payload:       payload,
	})
	for _, s := range h.policy.Stakeholders {
		results = append(results, h.notifier.Notify(ctx, notify.Message{
			Type:          notify.MessageStakeholderUpdate,
			SessionID:     ticket.SessionID,
			TicketID:      ticket.ID,
			Recipient:     s.Email,
			RecipientRole: s.Role,
			Priority:      ticket.Priority,
			Subject:       fmt.Sprintf("Onboarding for %s escalated to %s", ticket.EmployeeID, specialist.Role),
			Payload:       payload,
		})...)
	}
	rec.note(string(StageHandoff), "notifications_sent", fmt.Sprintf("%d", len(results)))
	return results
}

// NewTicketID returns an id of the form ESC-XXXXXXXX.
func NewTicketID() string {
	return "ESC-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

func ticketSummary(rec *Record) string {
	inc := rec.Incident
	s := fmt.Sprintf("%s incident for employee %s", inc.Source, inc.EmployeeID)
	if c := rec.Classification; c != nil {
		s += fmt.Sprintf(": %s/%s", c.Category, c.Severity)
	}
	if rc := rec.Recovery; rc != nil && rc.EscalationReason != "" {
		s += " (" + rc.EscalationReason + ")"
	}
	return s
}

func preservation(bundle map[string]interface{}) float64 {
	present := 0
	for _, f := range BundleFields {
		if v, ok := bundle[f]; ok && v != nil {
			present++
		}
	}
	return round2(100 * float64(present) / float64(len(BundleFields)))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
