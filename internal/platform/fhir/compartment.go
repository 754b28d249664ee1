package fhir

// CompartmentDefinition maps resource types that belong to a compartment
// to the search parameters that link them.
type CompartmentDefinition struct {
	// Type is the compartment type (e.g., "Patient").
	Type string
	// Resources maps resource type -> reference search parameters that point
	// at the compartment owner.
	Resources map[string][]string
}

// PatientCompartment covers the resource types known to the default
// search parameter registry.
var PatientCompartment = CompartmentDefinition{
	Type: "Patient",
	Resources: map[string][]string{
		"Condition":         {"patient", "subject"},
		"DiagnosticReport":  {"patient", "subject"},
		"Encounter":         {"patient", "subject"},
		"Group":             {"member"},
		"MedicationRequest": {"patient", "subject"},
		"Observation":       {"patient", "subject", "performer"},
		"Patient":           {"link"},
		"Provenance":        {"patient"},
	},
}

// Params returns the linking search parameters for a resource type.
func (c *CompartmentDefinition) Params(resourceType string) []string {
	return c.Resources[resourceType]
}

// Contains checks if a resource type is part of the compartment.
func (c *CompartmentDefinition) Contains(resourceType string) bool {
	_, ok := c.Resources[resourceType]
	return ok
}
