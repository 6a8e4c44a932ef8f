package agents

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/onboardly/control-plane/pkg/models"
)

// ── IT provisioning ─────────────────────────────────────────

// ITProvisioningAgent creates accounts and assigns equipment.
type ITProvisioningAgent struct{}

func NewITProvisioningAgent() *ITProvisioningAgent { return &ITProvisioningAgent{} }

func (a *ITProvisioningAgent) ID() string { return models.AgentITProvisioning }

func (a *ITProvisioningAgent) Process(ctx context.Context, req *models.AgentRequest) (models.AgentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	email := pathStr(req.EmployeeRecord, "personal_info.email")
	dept := pathStr(req.EmployeeRecord, "employment.department")
	if email == "" || dept == "" {
		return stageFailure(a.ID(), models.CategoryValidation, "it provisioning needs personal_info.email and employment.department"), nil
	}

	accounts := []string{"email:" + email, "sso:" + strings.SplitN(email, "@", 2)[0], "hr_portal"}
	equipment := []string{"laptop", "badge"}
	switch strings.ToLower(dept) {
	case "engineering":
		accounts = append(accounts, "github", "jira", "ci")
		equipment = append(equipment, "external_monitor")
	case "sales":
		accounts = append(accounts, "crm")
		equipment = append(equipment, "phone")
	case "finance":
		accounts = append(accounts, "erp")
	}

	return &models.ProvisioningResult{
		ResultBase:        base(a.ID(), true),
		ProvisioningScore: 100,
		Accounts:          accounts,
		Equipment:         equipment,
	}, nil
}

// ── Contract management ─────────────────────────────────────

// ContractManagementAgent drafts the employment contract.
type ContractManagementAgent struct{}

func NewContractManagementAgent() *ContractManagementAgent { return &ContractManagementAgent{} }

func (a *ContractManagementAgent) ID() string { return models.AgentContractManagement }

func (a *ContractManagementAgent) Process(ctx context.Context, req *models.AgentRequest) (models.AgentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	position := pathStr(req.EmployeeRecord, "employment.position")
	v, _ := pathValue(req.EmployeeRecord, "compensation.salary")
	salary, ok := number(v)
	if position == "" || !ok || salary <= 0 {
		return stageFailure(a.ID(), models.CategoryValidation, "contract needs employment.position and a positive compensation.salary"), nil
	}

	startDate := strings.ReplaceAll(pathStr(req.EmployeeRecord, "employment.start_date"), "-", "")
	id := "CTR-" + req.EmployeeID
	if startDate != "" {
		id += "-" + startDate
	}

	return &models.ContractResult{
		ResultBase:      base(a.ID(), true),
		ComplianceScore: 100,
		ContractID:      id,
		SalaryBand:      salaryBand(salary),
	}, nil
}

func salaryBand(salary float64) string {
	switch {
	case salary >= 150000:
		return "L4"
	case salary >= 100000:
		return "L3"
	case salary >= 60000:
		return "L2"
	default:
		return "L1"
	}
}

// ── Meeting coordination ────────────────────────────────────

// MeetingCoordinationAgent books the first-day orientation schedule.
type MeetingCoordinationAgent struct{}

func NewMeetingCoordinationAgent() *MeetingCoordinationAgent { return &MeetingCoordinationAgent{} }

func (a *MeetingCoordinationAgent) ID() string { return models.AgentMeetingCoordinator }

func (a *MeetingCoordinationAgent) Process(ctx context.Context, req *models.AgentRequest) (models.AgentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	day, err := time.Parse("2006-01-02", pathStr(req.EmployeeRecord, "employment.start_date"))
	if err != nil {
		return stageFailure(a.ID(), models.CategoryValidation, "meetings need a valid employment.start_date"), nil
	}

	at := func(hour int) time.Time { return day.Add(time.Duration(hour) * time.Hour) }
	meetings := []models.ScheduledMeeting{
		{Title: "Welcome and HR orientation", With: "hr", StartsAt: at(9), DurationM: 60},
	}
	// IT setup only makes sense once accounts exist.
	if prior, ok := req.PriorOutputs[models.AgentITProvisioning]; ok && prior.Succeeded() {
		meetings = append(meetings, models.ScheduledMeeting{Title: "Workstation and accounts setup", With: "it", StartsAt: at(10), DurationM: 45})
	}
	meetings = append(meetings, models.ScheduledMeeting{Title: "Manager 1:1", With: "manager", StartsAt: at(14), DurationM: 30})

	return &models.MeetingResult{
		ResultBase:      base(a.ID(), true),
		SchedulingScore: 100,
		Meetings:        meetings,
	}, nil
}

// ── Helpers ─────────────────────────────────────────────────

func stageFailure(agentID string, category models.ErrorCategory, msg string) *models.FailureResult {
	return models.NewFailureResult(agentID, category, msg)
}

func pathValue(rec map[string]interface{}, path string) (interface{}, bool) {
	var cur interface{} = rec
	for _, p := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if cur, ok = m[p]; !ok {
			return nil, false
		}
	}
	return cur, true
}

func pathStr(rec map[string]interface{}, path string) string {
	v, _ := pathValue(rec, path)
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

// number accepts the numeric shapes JSON decoding and callers produce.
func number(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}
