package domain

// Step is a position in the public registration flow.
type Step int

const (
	StepIdentity     Step = 1
	StepDynamicForm  Step = 2
	StepConfirmation Step = 3
)

func (s Step) String() string {
	switch s {
	case StepIdentity:
		return "identity"
	case StepDynamicForm:
		return "dynamic_form"
	case StepConfirmation:
		return "confirmation"
	default:
		return "unknown"
	}
}

// EventRecord is the event as returned by the upstream platform.
type EventRecord struct {
	ID           string         `json:"id"`
	Name         string         `json:"eventName"`
	Slug         string         `json:"eventSlug,omitempty"`
	StartDate    string         `json:"startDate,omitempty" format:"date-time"`
	EndDate      string         `json:"endDate,omitempty" format:"date-time"`
	Venue        string         `json:"venue,omitempty"`
	CompanyVisit bool           `json:"company_visit,omitempty"`
	VisitReason  []string       `json:"visitReason,omitempty"`
	Extra        map[string]any `json:"extra,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// FormField is one input of a dynamic registration form.
type FormField struct {
	Name     string   `json:"fieldName"`
	Label    string   `json:"fieldLabel,omitempty"`
	Type     string   `json:"fieldType"`
	Required bool     `json:"required,omitempty"`
	Options  []string `json:"options,omitempty"`
	Order    int      `json:"order,omitempty"`
}

// FormSettings carries form-level configuration edited in the builder.
type FormSettings struct {
	SubmitLabel     string `json:"submitLabel,omitempty"`
	SuccessMessage  string `json:"successMessage,omitempty"`
	ThemeColor      string `json:"themeColor,omitempty"`
	AllowFaceScan   bool   `json:"allowFaceScan,omitempty"`
	NotifyOnSubmit  bool   `json:"notifyOnSubmit,omitempty"`
	RedirectURL     string `json:"redirectUrl,omitempty"`
	ConfirmationQR  bool   `json:"confirmationQr,omitempty"`
	MaxRegistrants  int    `json:"maxRegistrants,omitempty"`
	ClosedMessage   string `json:"closedMessage,omitempty"`
	RequireApproval bool   `json:"requireApproval,omitempty"`
}

// FormDefinition is the dynamic form rendered at step 2.
type FormDefinition struct {
	ID       string       `json:"_id"`
	Name     string       `json:"formName"`
	UserType string       `json:"userType"`
	Fields   []FormField  `json:"formFields"`
	Settings FormSettings `json:"settings"`
}

// FormDraft is the form-builder working copy persisted by autosave.
type FormDraft struct {
	FormID   string       `json:"form_id"`
	Name     string       `json:"formName"`
	UserType string       `json:"userType"`
	Elements []FormField  `json:"elements"`
	Settings FormSettings `json:"settings"`
	SavedAt  string       `json:"saved_at,omitempty" format:"date-time"`
}

// Participant is the canonical registrant record normalized from the
// shapes the upstream API may return.
type Participant struct {
	ID        string         `json:"id"`
	EventID   string         `json:"event_id"`
	Email     string         `json:"email"`
	UserToken string         `json:"user_token,omitempty"`
	Fields    map[string]any `json:"fields,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// QRSession is the confirmation payload shown at step 3.
type QRSession struct {
	Participant Participant  `json:"participant"`
	Event       *EventRecord `json:"event,omitempty"`
	Base64Image string       `json:"base64Image,omitempty"`
	Token       string       `json:"token,omitempty"`
}

// SessionSnapshot is the persisted view of a registration session.
type SessionSnapshot struct {
	ID         string `json:"id"`
	EventToken string `json:"event_token,omitempty"`
	FormID     string `json:"form_id,omitempty"`
	Step       Step   `json:"step"`
	UserEmail  string `json:"user_email,omitempty"`
	Terminal   bool   `json:"terminal"`
	Message    string `json:"message,omitempty"`
	StateJSON  string `json:"state_json,omitempty"`
	CreatedAt  string `json:"created_at" format:"date-time"`
	UpdatedAt  string `json:"updated_at" format:"date-time"`
}
