package models

import "time"

type TemplateStatus string

const (
	TemplateActive    TemplateStatus = "ACTIVE"
	TemplateSuspended TemplateStatus = "SUSPENDED"
	TemplateRevoked   TemplateStatus = "REVOKED"
)

type FaceTemplate struct {
	EmployeeID              string         `json:"employee_id"`
	TemplateID              string         `json:"template_id"`
	FaceReferenceID         string         `json:"face_reference_id"`
	EnrollmentPhotoLocation string         `json:"enrollment_photo_location"`
	EnrolledAt              time.Time      `json:"enrolled_at"`
	LastUpdatedAt           time.Time      `json:"last_updated_at"`
	Status                  TemplateStatus `json:"status"`
}

// EnrollmentAuditEntry is one append-only row of the enrollment log.
type EnrollmentAuditEntry struct {
	EventBucket        int       `db:"event_bucket"`
	EventDate          string    `db:"event_date"`
	EventID            string    `db:"event_id"`
	EmployeeID         string    `db:"employee_id"`
	Action             string    `db:"action"`
	TemplateID         string    `db:"template_id"`
	PreviousTemplateID string    `db:"previous_template_id"`
	FaceReferenceID    string    `db:"face_reference_id"`
	DisplayName        string    `db:"display_name_encrypted"`
	DisplayNameDEK     string    `db:"display_name_dek"`
	DisplayNameKeyID   string    `db:"display_name_key_id"`
	SourceIP           string    `db:"source_ip"`
	CreatedAt          time.Time `db:"created_at"`
}

const (
	AuditActionEnroll = "ENROLL"
	AuditActionRevoke = "REVOKE"
)
