package ingest

import "strings"

// Each opportunity contributes up to two vectors, one per embedded field.
const (
	titleSuffix       = "#title"
	descriptionSuffix = "#description"
)

// TitleKey is the vector index key of an opportunity's title embedding.
func TitleKey(opportunityID string) string { return opportunityID + titleSuffix }

// DescriptionKey is the vector index key of an opportunity's description embedding.
func DescriptionKey(opportunityID string) string { return opportunityID + descriptionSuffix }

// OpportunityID maps a vector index key back to its opportunity.
func OpportunityID(key string) (string, bool) {
	if id, ok := strings.CutSuffix(key, titleSuffix); ok {
		return id, true
	}
	if id, ok := strings.CutSuffix(key, descriptionSuffix); ok {
		return id, true
	}
	return "", false
}
