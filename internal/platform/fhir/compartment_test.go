package fhir

import "testing"

func TestCompartmentDefinition_Params(t *testing.T) {
	tests := []struct {
		resourceType string
		want         []string
	}{
		{"Observation", []string{"patient", "subject", "performer"}},
		{"Group", []string{"member"}},
		{"Practitioner", nil},
	}
	for _, tt := range tests {
		t.Run(tt.resourceType, func(t *testing.T) {
			got := PatientCompartment.Params(tt.resourceType)
			if len(got) != len(tt.want) {
				t.Fatalf("Params(%s) = %v, want %v", tt.resourceType, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("Params(%s)[%d] = %s, want %s", tt.resourceType, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestCompartmentDefinition_Contains(t *testing.T) {
	if !PatientCompartment.Contains("Encounter") {
		t.Error("expected Encounter in Patient compartment")
	}
	if PatientCompartment.Contains("Organization") {
		t.Error("did not expect Organization in Patient compartment")
	}
}
