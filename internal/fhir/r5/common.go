// Package r5 provides the FHIR R5 data structures used to export radiology
// reports.
package r5

import "time"

// Meta contains metadata about a resource.
type Meta struct {
	VersionID   string     `json:"versionId,omitempty"`
	LastUpdated *time.Time `json:"lastUpdated,omitempty"`
	Source      string     `json:"source,omitempty"`
	Profile     []string   `json:"profile,omitempty"`
	Tag         []Coding   `json:"tag,omitempty"`
}

// Identifier represents a FHIR Identifier.
type Identifier struct {
	Use    string `json:"use,omitempty"` // usual | official | temp | secondary | old
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
}

// CodeableConcept represents a concept with text and codings.
type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// Coding represents a code from a terminology system.
type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// Reference represents a reference to another resource.
type Reference struct {
	Reference  string      `json:"reference,omitempty"`
	Type       string      `json:"type,omitempty"`
	Identifier *Identifier `json:"identifier,omitempty"`
	Display    string      `json:"display,omitempty"`
}

// Quantity represents a measured amount.
type Quantity struct {
	Value  float64 `json:"value"`
	Unit   string  `json:"unit,omitempty"`
	System string  `json:"system,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// Attachment carries inline or referenced content.
type Attachment struct {
	ContentType string `json:"contentType,omitempty"`
	Data        []byte `json:"data,omitempty"` // base64 on the wire
	Size        int64  `json:"size,omitempty"`
	Title       string `json:"title,omitempty"`
}

// Annotation represents a note or comment.
type Annotation struct {
	AuthorString string `json:"authorString,omitempty"`
	Text         string `json:"text"`
}

// Extension represents a FHIR extension.
type Extension struct {
	URL         string `json:"url"`
	ValueString string `json:"valueString,omitempty"`
	ValueCode   string `json:"valueCode,omitempty"`
}

// Code systems
const (
	SystemLOINC          = "http://loinc.org"
	SystemUCUM           = "http://unitsofmeasure.org"
	SystemDiagnosticSvc  = "http://terminology.hl7.org/CodeSystem/v2-0074"
	SystemObsCategory    = "http://terminology.hl7.org/CodeSystem/observation-category"
	SystemInterpretation = "http://terminology.hl7.org/CodeSystem/v3-ObservationInterpretation"
	SystemPatientID      = "urn:radportal:patient-id"
	SystemReportID       = "urn:radportal:report-id"
	SystemFindingName    = "urn:radportal:finding"
)

// DiagnosticReport statuses used by the exporter.
const (
	StatusPreliminary = "preliminary"
	StatusFinal       = "final"
)
