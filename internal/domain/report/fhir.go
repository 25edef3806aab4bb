package report

import (
	"sort"
	"strconv"
	"time"

	"github.com/drfirst/radportal/internal/fhir/r5"
)

// buildFHIRBundle maps a report to a collection of a DiagnosticReport, its
// Patient and one Observation per scored finding. Public bundles omit the
// interpreting radiologist and the AI status.
func buildFHIRBundle(r *Report, p *Patient, public bool, now time.Time) *r5.Bundle {
	status := r5.StatusPreliminary
	if r.Status == StatusFinalized {
		status = r5.StatusFinal
	}

	subject := &r5.Reference{Reference: "Patient/" + r.PatientID, Type: "Patient"}
	dr := r5.NewDiagnosticReport(r.ID, status)
	dr.Subject = subject
	created := r.CreatedAt
	updated := r.UpdatedAt
	dr.EffectiveDateTime = &created
	dr.Issued = &updated
	dr.Meta = &r5.Meta{LastUpdated: &updated}
	dr.Conclusion = r.FinalReport
	dr.Extension = []r5.Extension{{URL: r5.ExtensionReportState, ValueCode: string(r.Status)}}
	if !public {
		dr.Extension = append(dr.Extension, r5.Extension{URL: r5.ExtensionAIStatus, ValueCode: string(r.AIStatus)})
		if r.RadiologistID != "" {
			dr.ResultsInterpreter = []r5.Reference{{
				Type:       "Practitioner",
				Identifier: &r5.Identifier{Value: r.RadiologistID},
			}}
		}
	}
	if len(r.ImageData) > 0 {
		dr.PresentedForm = []r5.Attachment{{
			ContentType: r.ImageContentType,
			Data:        r.ImageData,
			Size:        int64(len(r.ImageData)),
			Title:       "X-ray image",
		}}
	}

	bundle := r5.NewCollection(now)

	var observations []*r5.Observation
	for i, name := range sortedFindingNames(r.PathologyResults) {
		f := r.PathologyResults[name]
		obs := r5.NewFindingObservation(r.ID+"-finding-"+strconv.Itoa(i+1), name, f.Probability, f.Detected)
		obs.Subject = subject
		if status == r5.StatusFinal {
			obs.Status = r5.StatusFinal
		}
		observations = append(observations, obs)
		dr.Result = append(dr.Result, r5.Reference{Reference: "Observation/" + obs.ID})
	}

	bundle.Add("DiagnosticReport/"+dr.ID, dr)
	name := ""
	gender := ""
	if p != nil {
		name = p.Name
		if !public {
			gender = r5.AdministrativeGender(p.Gender)
			if p.ClinicalNotes != "" {
				dr.Note = []r5.Annotation{{Text: p.ClinicalNotes}}
			}
		}
	}
	patient := r5.NewPatient(r.PatientID, name)
	patient.Gender = gender
	bundle.Add("Patient/"+r.PatientID, patient)
	for _, obs := range observations {
		bundle.Add("Observation/"+obs.ID, obs)
	}
	return bundle
}

func sortedFindingNames(p PathologyResults) []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
