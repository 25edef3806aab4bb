package r5

import (
	"time"
)

// LOINC code for a chest X-ray study.
const (
	CodeChestXRay        = "36643-5"
	DisplayChestXRay     = "XR Chest 2 Views"
	CodeRadiology        = "RAD"
	CodeImaging          = "imaging"
	InterpretationPos    = "POS"
	InterpretationNeg    = "NEG"
	ExtensionAIStatus    = "urn:radportal:ai-status"
	ExtensionReportState = "urn:radportal:report-status"
)

// DiagnosticReport represents a FHIR R5 DiagnosticReport resource.
type DiagnosticReport struct {
	ResourceType       string            `json:"resourceType"`
	ID                 string            `json:"id,omitempty"`
	Meta               *Meta             `json:"meta,omitempty"`
	Extension          []Extension       `json:"extension,omitempty"`
	Identifier         []Identifier      `json:"identifier,omitempty"`
	Status             string            `json:"status"` // registered | partial | preliminary | final | amended | ...
	Category           []CodeableConcept `json:"category,omitempty"`
	Code               CodeableConcept   `json:"code"`
	Subject            *Reference        `json:"subject,omitempty"`
	EffectiveDateTime  *time.Time        `json:"effectiveDateTime,omitempty"`
	Issued             *time.Time        `json:"issued,omitempty"`
	ResultsInterpreter []Reference       `json:"resultsInterpreter,omitempty"`
	Result             []Reference       `json:"result,omitempty"`
	Note               []Annotation      `json:"note,omitempty"`
	Conclusion         string            `json:"conclusion,omitempty"`
	PresentedForm      []Attachment      `json:"presentedForm,omitempty"`
}

// NewDiagnosticReport creates a radiology DiagnosticReport for a chest X-ray.
func NewDiagnosticReport(id, status string) *DiagnosticReport {
	return &DiagnosticReport{
		ResourceType: "DiagnosticReport",
		ID:           id,
		Identifier:   []Identifier{{Use: "official", System: SystemReportID, Value: id}},
		Status:       status,
		Category: []CodeableConcept{{
			Coding: []Coding{{System: SystemDiagnosticSvc, Code: CodeRadiology, Display: "Radiology"}},
		}},
		Code: CodeableConcept{
			Coding: []Coding{{System: SystemLOINC, Code: CodeChestXRay, Display: DisplayChestXRay}},
			Text:   "Chest X-ray",
		},
	}
}

// Observation represents a FHIR R5 Observation, used here for one scored
// finding.
type Observation struct {
	ResourceType   string            `json:"resourceType"`
	ID             string            `json:"id,omitempty"`
	Status         string            `json:"status"`
	Category       []CodeableConcept `json:"category,omitempty"`
	Code           CodeableConcept   `json:"code"`
	Subject        *Reference        `json:"subject,omitempty"`
	ValueQuantity  *Quantity         `json:"valueQuantity,omitempty"`
	Interpretation []CodeableConcept `json:"interpretation,omitempty"`
}

// NewFindingObservation creates an Observation carrying a finding's
// probability and whether it was detected.
func NewFindingObservation(id, finding string, probability float64, detected bool) *Observation {
	interp := Coding{System: SystemInterpretation, Code: InterpretationNeg, Display: "Negative"}
	if detected {
		interp = Coding{System: SystemInterpretation, Code: InterpretationPos, Display: "Positive"}
	}
	return &Observation{
		ResourceType: "Observation",
		ID:           id,
		Status:       StatusPreliminary,
		Category: []CodeableConcept{{
			Coding: []Coding{{System: SystemObsCategory, Code: CodeImaging, Display: "Imaging"}},
		}},
		Code: CodeableConcept{
			Coding: []Coding{{System: SystemFindingName, Code: finding}},
			Text:   finding,
		},
		ValueQuantity:  &Quantity{Value: probability, Unit: "probability", System: SystemUCUM, Code: "1"},
		Interpretation: []CodeableConcept{{Coding: []Coding{interp}}},
	}
}
