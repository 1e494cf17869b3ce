// Package element extracts atomic claims from a trace, propagates landmark associations across
// related claims and stores them as element nodes.
package element

import (
	"encoding/json"
	"strings"

	"trace-landscape/backend/internal/graph"
)

// Family is the grammatical family of a claim
type Family string

const (
	FamilyTransaction Family = "transaction"
	FamilyDescriptive Family = "descriptive"
	FamilyNormative   Family = "normative"
	FamilyEvaluative  Family = "evaluative"
)

// TransactionClaim is something the author did, consumed or produced
type TransactionClaim struct {
	ID                  string   `json:"id" description:"local claim id such as tra_1" validate:"required"`
	Type                string   `json:"type" description:"input, output or transformation" validate:"oneof=input output transformation"`
	Verb                string   `json:"verb" description:"main verb in infinitive form"`
	Object              string   `json:"object" description:"what the verb acts on"`
	Content             string   `json:"content" description:"the claim restated as one sentence" validate:"required"`
	DateOffset          string   `json:"date_offset" description:"YESTERDAY, TWO_DAYS_AGO, TODAY_MORNING, TODAY_AFTERNOON, TOMORROW, LAST_WEEK, NEXT_WEEK or empty"`
	Tags                []int    `json:"tags" description:"ids of the referenced landmark tags"`
	RelatedTransactions []string `json:"related_transactions" description:"ids of transaction claims this one is related to"`
	SubtaskOf           string   `json:"subtask_of" description:"id of the transaction claim this one is a subtask of, or empty"`
}

// DescriptiveClaim states what something is
type DescriptiveClaim struct {
	ID         string   `json:"id" description:"local claim id such as des_1" validate:"required"`
	Type       string   `json:"type" description:"unit, question or theme" validate:"oneof=unit question theme"`
	Content    string   `json:"content" description:"the claim restated as one sentence" validate:"required"`
	DateOffset string   `json:"date_offset" description:"relative date marker or empty"`
	Tags       []int    `json:"tags" description:"ids of the referenced landmark tags"`
	Units      []string `json:"units" description:"for themes only, ids of the descriptive unit claims the theme contains"`
}

// NormativeClaim states what should be done
type NormativeClaim struct {
	ID         string `json:"id" description:"local claim id such as nor_1" validate:"required"`
	Type       string `json:"type" description:"plan, obligation, recommendation or principle" validate:"oneof=plan obligation recommendation principle"`
	Verb       string `json:"verb" description:"main verb in infinitive form"`
	Content    string `json:"content" description:"the claim restated as one sentence" validate:"required"`
	DateOffset string `json:"date_offset" description:"relative date marker or empty"`
}

// EvaluativeClaim states how the author feels or judges
type EvaluativeClaim struct {
	ID         string `json:"id" description:"local claim id such as eva_1" validate:"required"`
	Type       string `json:"type" description:"emotion, energy, quality or interest" validate:"oneof=emotion energy quality interest"`
	Content    string `json:"content" description:"the claim restated as one sentence" validate:"required"`
	Intensity  int    `json:"intensity" description:"strength from 1 to 5, 0 when unknown" validate:"gte=0,lte=5"`
	DateOffset string `json:"date_offset" description:"relative date marker or empty"`
}

// Extraction is the structured reply of one claim-extraction call
type Extraction struct {
	Transactions []TransactionClaim `json:"transactions" validate:"dive"`
	Descriptions []DescriptiveClaim `json:"descriptions" validate:"dive"`
	Norms        []NormativeClaim   `json:"norms" validate:"dive"`
	Evaluations  []EvaluativeClaim  `json:"evaluations" validate:"dive"`
}

// Claim is the family-independent view propagation and creation work on
type Claim struct {
	ID         string
	Family     Family
	Subtype    string
	Title      string
	DateOffset string
	Tags       []int
	// Neighbors are declared related claim ids; only transaction and theme claims carry them
	Neighbors []string
	// Raw is the serialized family-specific claim
	Raw string
}

// Kind maps the claim's family and subtype to its element node kind
func (c Claim) Kind() (graph.NodeKind, bool) {
	kind := graph.NodeKind(string(c.Family) + "_" + c.Subtype)
	return kind, kind.IsElement()
}

// Claims flattens an extraction into one batch, families in a fixed order
func (x *Extraction) Claims() []Claim {
	var claims []Claim
	for _, t := range x.Transactions {
		neighbors := append([]string(nil), t.RelatedTransactions...)
		if t.SubtaskOf != "" {
			neighbors = append(neighbors, t.SubtaskOf)
		}
		claims = append(claims, Claim{
			ID:         t.ID,
			Family:     FamilyTransaction,
			Subtype:    t.Type,
			Title:      buildTitle(t.Verb, t.Object, t.Content),
			DateOffset: t.DateOffset,
			Tags:       t.Tags,
			Neighbors:  neighbors,
			Raw:        raw(t),
		})
	}
	for _, d := range x.Descriptions {
		var neighbors []string
		if d.Type == "theme" {
			neighbors = d.Units
		}
		claims = append(claims, Claim{
			ID:         d.ID,
			Family:     FamilyDescriptive,
			Subtype:    d.Type,
			Title:      buildTitle("", "", d.Content),
			DateOffset: d.DateOffset,
			Tags:       d.Tags,
			Neighbors:  neighbors,
			Raw:        raw(d),
		})
	}
	for _, n := range x.Norms {
		claims = append(claims, Claim{
			ID:         n.ID,
			Family:     FamilyNormative,
			Subtype:    n.Type,
			Title:      buildTitle(n.Verb, "", n.Content),
			DateOffset: n.DateOffset,
			Raw:        raw(n),
		})
	}
	for _, e := range x.Evaluations {
		claims = append(claims, Claim{
			ID:         e.ID,
			Family:     FamilyEvaluative,
			Subtype:    e.Type,
			Title:      buildTitle("", "", e.Content),
			DateOffset: e.DateOffset,
			Raw:        raw(e),
		})
	}
	return claims
}

// maxTitleRunes bounds element titles
const maxTitleRunes = 120

// buildTitle prefers "verb object", falling back to the content
func buildTitle(verb, object, content string) string {
	title := strings.TrimSpace(strings.TrimSpace(verb) + " " + strings.TrimSpace(object))
	if verb == "" || object == "" {
		title = strings.TrimSpace(content)
	}
	if title == "" {
		title = strings.TrimSpace(verb)
	}
	runes := []rune(title)
	if len(runes) > maxTitleRunes {
		return strings.TrimSpace(string(runes[:maxTitleRunes])) + "…"
	}
	return title
}

func raw(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
