// Package catalog holds the curated table of well-known Census variables
// and the phrase map used to resolve common natural-language queries
// without a remote lookup.
package catalog

import "strings"

// Descriptor identifies one queryable statistical column.
type Descriptor struct {
	ID       string   `json:"id"`
	Label    string   `json:"label"`
	Concept  string   `json:"concept"`
	Keywords []string `json:"keywords,omitempty"`
}

// curated is the hand-maintained set of well-known ACS variables.
// Order matters: search results preserve this order.
var curated = []Descriptor{
	{
		ID:       "B01003_001E",
		Label:    "Total Population",
		Concept:  "TOTAL POPULATION",
		Keywords: []string{"total", "population", "people", "residents"},
	},
	{
		ID:       "B19013_001E",
		Label:    "Median Household Income",
		Concept:  "MEDIAN HOUSEHOLD INCOME IN THE PAST 12 MONTHS",
		Keywords: []string{"median", "household", "income", "earnings"},
	},
	{
		ID:       "B01002_001E",
		Label:    "Median Age",
		Concept:  "MEDIAN AGE BY SEX",
		Keywords: []string{"median", "age"},
	},
	{
		ID:       "B25077_001E",
		Label:    "Median Home Value",
		Concept:  "MEDIAN VALUE (DOLLARS)",
		Keywords: []string{"median", "home", "house", "value", "price"},
	},
	{
		ID:       "B25064_001E",
		Label:    "Median Gross Rent",
		Concept:  "MEDIAN GROSS RENT (DOLLARS)",
		Keywords: []string{"median", "gross", "rent"},
	},
	{
		ID:       "B17001_002E",
		Label:    "Population Below Poverty Level",
		Concept:  "POVERTY STATUS IN THE PAST 12 MONTHS BY SEX BY AGE",
		Keywords: []string{"poverty", "poor", "below", "level"},
	},
	{
		ID:       "B23025_005E",
		Label:    "Unemployed Population",
		Concept:  "EMPLOYMENT STATUS FOR THE POPULATION 16 YEARS AND OVER",
		Keywords: []string{"unemployed", "unemployment", "jobless"},
	},
	{
		ID:       "B15003_022E",
		Label:    "Bachelor's Degree Holders",
		Concept:  "EDUCATIONAL ATTAINMENT FOR THE POPULATION 25 YEARS AND OVER",
		Keywords: []string{"bachelors", "bachelor", "degree", "college", "education"},
	},
	{
		ID:       "B25003_003E",
		Label:    "Renter Occupied Housing Units",
		Concept:  "TENURE",
		Keywords: []string{"renter", "renters", "occupied", "tenure", "housing"},
	},
	{
		ID:       "B08303_001E",
		Label:    "Travel Time To Work",
		Concept:  "TRAVEL TIME TO WORK",
		Keywords: []string{"travel", "commute", "time", "work"},
	},
}

// phrases maps normalized natural-language phrases to curated variable ids.
// Lookup is dataset/year independent.
var phrases = map[string]string{
	"population":              "B01003_001E",
	"total population":        "B01003_001E",
	"median household income": "B19013_001E",
	"household income":        "B19013_001E",
	"income":                  "B19013_001E",
	"median age":              "B01002_001E",
	"median home value":       "B25077_001E",
	"home value":              "B25077_001E",
	"median rent":             "B25064_001E",
	"median gross rent":       "B25064_001E",
	"rent":                    "B25064_001E",
	"poverty":                 "B17001_002E",
	"poverty rate":            "B17001_002E",
	"unemployment":            "B23025_005E",
	"unemployment rate":       "B23025_005E",
	"bachelors degree":        "B15003_022E",
	"college education":       "B15003_022E",
	"renters":                 "B25003_003E",
	"commute time":            "B08303_001E",
}

var byID = func() map[string]Descriptor {
	m := make(map[string]Descriptor, len(curated))
	for _, d := range curated {
		m[d.ID] = d
	}
	return m
}()

// All returns the curated descriptors in catalog order.
func All() []Descriptor {
	out := make([]Descriptor, len(curated))
	copy(out, curated)
	return out
}

// LookupID returns the curated descriptor with the given variable id.
func LookupID(id string) (Descriptor, bool) {
	d, ok := byID[id]
	return d, ok
}

// LookupPhrase resolves a normalized (trimmed, lowercased) phrase to its
// mapped descriptor.
func LookupPhrase(phrase string) (Descriptor, bool) {
	id, ok := phrases[strings.ToLower(strings.TrimSpace(phrase))]
	if !ok {
		return Descriptor{}, false
	}
	return byID[id], true
}

// MatchKeywords returns curated descriptors for which every token is
// either a substring of the label (case-insensitive) or present in the
// keyword set. An empty token list matches nothing.
func MatchKeywords(tokens []string) []Descriptor {
	if len(tokens) == 0 {
		return nil
	}
	var out []Descriptor
	for _, d := range curated {
		if matchesAll(d, tokens) {
			out = append(out, d)
		}
	}
	return out
}

func matchesAll(d Descriptor, tokens []string) bool {
	label := strings.ToLower(d.Label)
	for _, tok := range tokens {
		if strings.Contains(label, tok) {
			continue
		}
		found := false
		for _, kw := range d.Keywords {
			if kw == tok {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
