package registry

import (
	"github.com/ehr/fhirsearch/internal/platform/fhir"
)

var allTypes = []string{
	"Condition", "DiagnosticReport", "Encounter", "Group", "MedicationRequest",
	"Observation", "Organization", "Patient", "Practitioner", "Provenance",
}

func str(res, name, path string) ParamDef {
	return ParamDef{Resource: res, Name: name, Type: TypeString, Path: path}
}

func tok(res, name, path string) ParamDef {
	return ParamDef{Resource: res, Name: name, Type: TypeToken, Path: path}
}

func date(res, name, path string) ParamDef {
	return ParamDef{Resource: res, Name: name, Type: TypeDate, Path: path}
}

func ref(res, name, path string, targets ...string) ParamDef {
	return ParamDef{Resource: res, Name: name, Type: TypeReference, Path: path, Targets: targets}
}

func qty(res, name, path string) ParamDef {
	return ParamDef{Resource: res, Name: name, Type: TypeQuantity, Path: path}
}

func composite(res, name, root string, comps ...Component) ParamDef {
	return ParamDef{Resource: res, Name: name, Type: TypeComposite, Path: root, Components: comps}
}

// DefaultDefs returns the built-in search parameter definitions.
func DefaultDefs() []ParamDef {
	defs := []ParamDef{
		// Patient
		str("Patient", "name", "name"),
		str("Patient", "family", "name.family"),
		str("Patient", "given", "name.given"),
		str("Patient", "address", "address"),
		str("Patient", "address-city", "address.city"),
		tok("Patient", "identifier", "identifier"),
		tok("Patient", "gender", "gender"),
		tok("Patient", "active", "active"),
		tok("Patient", "telecom", "telecom"),
		date("Patient", "birthdate", "birthDate"),
		ref("Patient", "general-practitioner", "generalPractitioner", "Practitioner", "Organization"),
		ref("Patient", "organization", "managingOrganization", "Organization"),
		ref("Patient", "link", "link.other", "Patient"),

		// Practitioner
		str("Practitioner", "name", "name"),
		str("Practitioner", "family", "name.family"),
		tok("Practitioner", "identifier", "identifier"),
		tok("Practitioner", "active", "active"),
		tok("Practitioner", "telecom", "telecom"),

		// Organization
		str("Organization", "name", "name|alias"),
		tok("Organization", "identifier", "identifier"),
		tok("Organization", "type", "type"),
		tok("Organization", "active", "active"),
		ref("Organization", "partof", "partOf", "Organization"),

		// Group
		str("Group", "name", "name"),
		tok("Group", "type", "type"),
		tok("Group", "code", "code"),
		{Resource: "Group", Name: "quantity", Type: TypeNumber, Path: "quantity"},
		ref("Group", "member", "member.entity", "Patient", "Practitioner", "Group"),

		// Encounter
		tok("Encounter", "status", "status"),
		tok("Encounter", "class", "class"),
		tok("Encounter", "type", "type"),
		date("Encounter", "date", "period"),
		ref("Encounter", "subject", "subject", "Patient", "Group"),
		ref("Encounter", "patient", "subject", "Patient"),
		ref("Encounter", "participant", "participant.individual", "Practitioner"),
		ref("Encounter", "service-provider", "serviceProvider", "Organization"),

		// Observation
		tok("Observation", "code", "code"),
		tok("Observation", "status", "status"),
		tok("Observation", "category", "category"),
		tok("Observation", "identifier", "identifier"),
		tok("Observation", "combo-code", "code|component.code"),
		tok("Observation", "component-code", "component.code"),
		tok("Observation", "value-concept", "valueCodeableConcept"),
		str("Observation", "value-string", "valueString"),
		qty("Observation", "value-quantity", "valueQuantity"),
		qty("Observation", "component-value-quantity", "component.valueQuantity"),
		date("Observation", "date", "effectiveDateTime|effectivePeriod|effectiveInstant"),
		date("Observation", "value-date", "valueDateTime|valuePeriod"),
		ref("Observation", "subject", "subject", "Patient", "Group"),
		ref("Observation", "patient", "subject", "Patient"),
		ref("Observation", "encounter", "encounter", "Encounter"),
		ref("Observation", "performer", "performer", "Practitioner", "Organization", "Patient"),
		ref("Observation", "derived-from", "derivedFrom", "Observation", "DiagnosticReport"),
		ref("Observation", "has-member", "hasMember", "Observation"),
		composite("Observation", "code-value-quantity", "",
			Component{Name: "code", Type: TypeToken, Path: "code"},
			Component{Name: "value-quantity", Type: TypeQuantity, Path: "valueQuantity"}),
		composite("Observation", "code-value-concept", "",
			Component{Name: "code", Type: TypeToken, Path: "code"},
			Component{Name: "value-concept", Type: TypeToken, Path: "valueCodeableConcept"}),
		composite("Observation", "code-value-string", "",
			Component{Name: "code", Type: TypeToken, Path: "code"},
			Component{Name: "value-string", Type: TypeString, Path: "valueString"}),
		composite("Observation", "code-value-date", "",
			Component{Name: "code", Type: TypeToken, Path: "code"},
			Component{Name: "value-date", Type: TypeDate, Path: "valueDateTime|valuePeriod"}),
		composite("Observation", "component-code-value-quantity", "component",
			Component{Name: "component-code", Type: TypeToken, Path: "code"},
			Component{Name: "component-value-quantity", Type: TypeQuantity, Path: "valueQuantity"}),
		composite("Observation", "component-code-value-concept", "component",
			Component{Name: "component-code", Type: TypeToken, Path: "code"},
			Component{Name: "component-value-concept", Type: TypeToken, Path: "valueCodeableConcept"}),

		// Condition
		tok("Condition", "code", "code"),
		tok("Condition", "clinical-status", "clinicalStatus"),
		tok("Condition", "category", "category"),
		date("Condition", "onset-date", "onsetDateTime|onsetPeriod"),
		date("Condition", "recorded-date", "recordedDate"),
		ref("Condition", "subject", "subject", "Patient", "Group"),
		ref("Condition", "patient", "subject", "Patient"),
		ref("Condition", "encounter", "encounter", "Encounter"),
		ref("Condition", "asserter", "asserter", "Practitioner", "Patient"),

		// DiagnosticReport
		tok("DiagnosticReport", "code", "code"),
		tok("DiagnosticReport", "status", "status"),
		tok("DiagnosticReport", "category", "category"),
		date("DiagnosticReport", "date", "effectiveDateTime|effectivePeriod"),
		ref("DiagnosticReport", "subject", "subject", "Patient", "Group"),
		ref("DiagnosticReport", "patient", "subject", "Patient"),
		ref("DiagnosticReport", "encounter", "encounter", "Encounter"),
		ref("DiagnosticReport", "result", "result", "Observation"),
		ref("DiagnosticReport", "performer", "performer", "Practitioner", "Organization"),

		// MedicationRequest
		tok("MedicationRequest", "status", "status"),
		tok("MedicationRequest", "intent", "intent"),
		tok("MedicationRequest", "code", "medicationCodeableConcept"),
		date("MedicationRequest", "authoredon", "authoredOn"),
		ref("MedicationRequest", "subject", "subject", "Patient", "Group"),
		ref("MedicationRequest", "patient", "subject", "Patient"),
		ref("MedicationRequest", "encounter", "encounter", "Encounter"),
		ref("MedicationRequest", "requester", "requester", "Practitioner", "Organization", "Patient"),

		// Provenance
		date("Provenance", "recorded", "recorded"),
		{Resource: "Provenance", Name: "policy", Type: TypeURI, Path: "policy"},
		ref("Provenance", "target", "target", allTypes...),
		ref("Provenance", "patient", "target", "Patient"),
		ref("Provenance", "agent", "agent.who", "Practitioner", "Organization", "Patient"),
		ref("Provenance", "entity", "entity.what", allTypes...),
	}
	return defs
}

// Default returns a registry built from DefaultDefs and the Patient compartment.
func Default() *Registry {
	r, err := New(DefaultDefs(), fhir.PatientCompartment)
	if err != nil {
		panic("registry: invalid default definitions: " + err.Error())
	}
	return r
}
