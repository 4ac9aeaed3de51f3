package notification

import (
	"fmt"
	"strings"
	"sync"

	"github.com/ehr/intake/internal/domain/policy"
)

// Template defines the message sent when a patient reaches Stage.
type Template struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	Stage   policy.Stage `json:"stage"`
	Subject string       `json:"subject"`
	Body    string       `json:"body"`
	// DoctorOnly restricts recipients to responsible doctors.
	DoctorOnly bool `json:"doctor_only"`
}

// TemplateEngine holds the stage templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
	byStage   map[policy.Stage]string
}

// NewTemplateEngine creates a TemplateEngine with the built-in stage
// templates registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
		byStage:   make(map[policy.Stage]string),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      "recheck-requested",
			Name:    "Recheck Requested",
			Stage:   policy.StageAwaiting,
			Subject: "Recheck requested for {{patient_name}} ({{hn}})",
			Body:    "{{actor}} sent {{patient_name}} ({{hn}}) back to awaiting for a recheck.",
		},
		{
			ID:      "appointment-scheduled",
			Name:    "Appointment Scheduled",
			Stage:   policy.StageScheduled,
			Subject: "Blood draw scheduled for {{patient_name}} ({{hn}})",
			Body:    "{{actor}} scheduled {{patient_name}} ({{hn}}) for {{appointment_date}} at {{appointment_time}}.",
		},
		{
			ID:      "sample-drawn",
			Name:    "Sample Drawn",
			Stage:   policy.StageDrawn,
			Subject: "Sample drawn for {{patient_name}} ({{hn}})",
			Body:    "{{actor}} drew the sample for {{patient_name}} ({{hn}}).",
		},
		{
			ID:      "sample-in-transit",
			Name:    "Sample In Transit",
			Stage:   policy.StageInTransit,
			Subject: "Sample in transit for {{patient_name}} ({{hn}})",
			Body:    "The sample for {{patient_name}} ({{hn}}) is on its way to the lab. Sent by {{actor}}.",
		},
		{
			ID:      "sample-in-lab",
			Name:    "Sample In Lab",
			Stage:   policy.StageInLab,
			Subject: "Sample received by the lab for {{patient_name}} ({{hn}})",
			Body:    "{{actor}} received the sample for {{patient_name}} ({{hn}}) in the lab.",
		},
		{
			ID:         "lab-result-ready",
			Name:       "Lab Result Ready",
			Stage:      policy.StageComplete,
			Subject:    "Lab result ready for {{patient_name}} ({{hn}})",
			Body:       "The lab result for {{patient_name}} ({{hn}}) is ready for review. Completed by {{actor}}.",
			DoctorOnly: true,
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
		e.byStage[t.Stage] = t.ID
	}
}

// RegisterTemplate adds or replaces a template. A template with a stage
// becomes the template for that stage.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
	if t.Stage != "" {
		e.byStage[t.Stage] = t.ID
	}
}

// ForStage returns the template for stage, if one is registered.
func (e *TemplateEngine) ForStage(stage policy.Stage) (*Template, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	id, ok := e.byStage[stage]
	if !ok {
		return nil, false
	}
	t, ok := e.templates[id]
	if !ok {
		return nil, false
	}
	cp := *t
	return &cp, true
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}
