package r5

import "time"

// Patient represents a FHIR R5 Patient resource.
type Patient struct {
	ResourceType string       `json:"resourceType"`
	ID           string       `json:"id,omitempty"`
	Identifier   []Identifier `json:"identifier,omitempty"`
	Name         []HumanName  `json:"name,omitempty"`
	Gender       string       `json:"gender,omitempty"` // male | female | other | unknown
	Extension    []Extension  `json:"extension,omitempty"`
}

// HumanName represents a human name.
type HumanName struct {
	Use  string `json:"use,omitempty"`
	Text string `json:"text,omitempty"`
}

// NewPatient returns a Patient resource keyed by the clinic's patient id.
func NewPatient(patientID, name string) *Patient {
	p := &Patient{
		ResourceType: "Patient",
		ID:           patientID,
		Identifier:   []Identifier{{Use: "usual", System: SystemPatientID, Value: patientID}},
	}
	if name != "" {
		p.Name = []HumanName{{Use: "official", Text: name}}
	}
	return p
}

// AdministrativeGender maps free-form gender text onto the FHIR value set.
func AdministrativeGender(g string) string {
	switch g {
	case "male", "Male", "M", "m":
		return "male"
	case "female", "Female", "F", "f":
		return "female"
	case "":
		return ""
	case "other", "Other":
		return "other"
	default:
		return "unknown"
	}
}

// Bundle is a collection of resources.
type Bundle struct {
	ResourceType string        `json:"resourceType"`
	Type         string        `json:"type"` // collection | document | ...
	Timestamp    time.Time     `json:"timestamp"`
	Entry        []BundleEntry `json:"entry"`
}

// BundleEntry wraps one resource in a Bundle.
type BundleEntry struct {
	FullURL  string      `json:"fullUrl,omitempty"`
	Resource interface{} `json:"resource"`
}

// NewCollection creates a collection Bundle.
func NewCollection(at time.Time) *Bundle {
	return &Bundle{ResourceType: "Bundle", Type: "collection", Timestamp: at}
}

// Add appends a resource with a urn:uuid style full url.
func (b *Bundle) Add(fullURL string, resource interface{}) {
	b.Entry = append(b.Entry, BundleEntry{FullURL: fullURL, Resource: resource})
}
