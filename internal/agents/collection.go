package agents

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/onboardly/control-plane/pkg/models"
)

var (
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[A-Za-z]{2,}$`)
	phonePattern = regexp.MustCompile(`^\+?[0-9 ()\-]{7,20}$`)
)

// ── Data collection ─────────────────────────────────────────

// DataCollectionAgent validates the employee's identity fields.
type DataCollectionAgent struct{}

func NewDataCollectionAgent() *DataCollectionAgent { return &DataCollectionAgent{} }

func (a *DataCollectionAgent) ID() string { return models.AgentDataCollection }

// Process checks names, email syntax and (when given) phone. The result
// fails when any identity field is missing or malformed.
func (a *DataCollectionAgent) Process(ctx context.Context, req *models.AgentRequest) (models.AgentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data := req.EmployeeData
	extracted := make(map[string]interface{})
	var issues []string
	checks, passed := 0, 0

	for _, f := range []string{"first_name", "last_name"} {
		checks++
		if v := str(data, f); v != "" {
			extracted["personal_info."+f] = v
			passed++
		} else {
			issues = append(issues, f+" is missing")
		}
	}

	checks++
	if email := str(data, "email"); emailPattern.MatchString(email) {
		extracted["personal_info.email"] = email
		passed++
	} else if email == "" {
		issues = append(issues, "email is missing")
	} else {
		issues = append(issues, "email "+email+" is invalid")
	}

	if phone := str(data, "phone"); phone != "" {
		checks++
		if phonePattern.MatchString(phone) {
			extracted["personal_info.phone"] = phone
			passed++
		} else {
			issues = append(issues, "phone "+phone+" is invalid")
		}
	}

	res := &models.DataCollectionResult{
		ResultBase:      base(a.ID(), len(issues) == 0),
		ValidationScore: percent(passed, checks),
		Extracted:       extracted,
		Issues:          issues,
	}
	if !res.Success {
		res.Error = &models.AgentFailure{Category: models.CategoryValidation, Message: strings.Join(issues, "; ")}
	}
	return res, nil
}

// ── Confirmation ────────────────────────────────────────────

// ConfirmationAgent confirms the contract terms of the offer.
type ConfirmationAgent struct{}

func NewConfirmationAgent() *ConfirmationAgent { return &ConfirmationAgent{} }

func (a *ConfirmationAgent) ID() string { return models.AgentConfirmation }

// Process validates position, department, start date and a positive salary.
func (a *ConfirmationAgent) Process(ctx context.Context, req *models.AgentRequest) (models.AgentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	contract := req.ContractData
	extracted := make(map[string]interface{})
	var issues []string
	passed := 0

	for _, f := range []string{"position", "department"} {
		if v := str(contract, f); v != "" {
			extracted["employment."+f] = v
			passed++
		} else {
			issues = append(issues, f+" is missing")
		}
	}

	if sd := str(contract, "start_date"); sd == "" {
		issues = append(issues, "start_date is missing")
	} else if _, err := time.Parse("2006-01-02", sd); err != nil {
		issues = append(issues, "start_date "+sd+" is not YYYY-MM-DD")
	} else {
		extracted["employment.start_date"] = sd
		passed++
	}

	if salary, ok := number(contract["salary"]); !ok {
		issues = append(issues, "salary is missing")
	} else if salary <= 0 {
		issues = append(issues, "salary must be positive")
	} else {
		extracted["compensation.salary"] = salary
		passed++
	}

	// The offer's email corroborates the one on file.
	email := str(contract, "email")
	if email == "" {
		email = str(req.EmployeeData, "email")
	}
	if emailPattern.MatchString(email) {
		extracted["personal_info.email"] = email
	}

	res := &models.ConfirmationResult{
		ResultBase:      base(a.ID(), len(issues) == 0),
		ComplianceScore: percent(passed, 4),
		Extracted:       extracted,
		Issues:          issues,
	}
	if !res.Success {
		res.Error = &models.AgentFailure{Category: models.CategoryValidation, Message: strings.Join(issues, "; ")}
	}
	return res, nil
}

// ── Documentation ───────────────────────────────────────────

// DocumentationAgent verifies the submitted documents.
type DocumentationAgent struct{}

func NewDocumentationAgent() *DocumentationAgent { return &DocumentationAgent{} }

func (a *DocumentationAgent) ID() string { return models.AgentDocumentation }

// Process rejects corrupted, invalid or empty documents and reads names from
// identification documents.
func (a *DocumentationAgent) Process(ctx context.Context, req *models.AgentRequest) (models.AgentResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res := &models.DocumentationResult{
		Extracted: make(map[string]interface{}),
	}
	if len(req.Documents) == 0 {
		res.ResultBase = base(a.ID(), false)
		res.Error = &models.AgentFailure{Category: models.CategoryDataQuality, Message: "no documents submitted"}
		return res, nil
	}

	for _, doc := range req.Documents {
		switch strings.ToLower(doc.Status) {
		case "corrupted", "invalid", "unreadable", "empty":
			res.DocumentsRejected = append(res.DocumentsRejected, doc.Name)
			continue
		}
		res.DocumentsVerified++
		if isIdentification(doc.Type) {
			for _, f := range []string{"first_name", "last_name"} {
				if v := str(doc.Fields, f); v != "" {
					res.Extracted["personal_info."+f] = v
				}
			}
		}
	}

	ok := len(res.DocumentsRejected) == 0
	res.ResultBase = base(a.ID(), ok)
	res.ValidationScore = percent(res.DocumentsVerified, len(req.Documents))
	res.Extracted["documents.verified"] = ok
	res.Extracted["documents.count"] = float64(len(req.Documents))
	if !ok {
		res.Error = &models.AgentFailure{
			Category: models.CategoryDataQuality,
			Message:  "rejected documents: " + strings.Join(res.DocumentsRejected, ", "),
		}
	}
	return res, nil
}

func isIdentification(docType string) bool {
	switch strings.ToLower(docType) {
	case "id", "identification", "passport", "drivers_license", "id_card":
		return true
	}
	return false
}

// ── Helpers ─────────────────────────────────────────────────

func base(agentID string, ok bool) models.ResultBase {
	return models.ResultBase{AgentID: agentID, Success: ok, CompletedAt: time.Now().UTC()}
}

func str(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return strings.TrimSpace(s)
}

func percent(n, of int) float64 {
	if of == 0 {
		return 0
	}
	return float64(n) * 100 / float64(of)
}
