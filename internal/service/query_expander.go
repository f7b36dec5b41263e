package service

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/cargohub/hub/internal/canonical"
	"github.com/cargohub/hub/internal/models"
)

// maxPhraseWords is the longest dictionary phrase the tokenizer tries to merge.
const maxPhraseWords = 3

// phrases are multi-word domain terms kept together as one term.
var phrases = map[string]bool{
	"home items":      true,
	"in transit":      true,
	"en transito":     true,
	"en camino":       true,
	"articulos hogar": true,
	"sports goods":    true,
	"san jose":        true,
	"santo domingo":   true,
}

// stopwords are dropped from the original terms so they never earn an exact-match boost.
var stopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "for": true, "to": true, "and": true, "or": true,
	"with": true, "from": true, "in": true, "on": true, "by": true, "than": true, "that": true,
	"de": true, "del": true, "la": true, "el": true, "los": true, "las": true, "en": true, "con": true,
	"y": true, "o": true, "para": true, "por": true, "que": true, "un": true, "una": true,
	"envio": true, "envios": true, "shipment": true, "shipments": true,
}

// stateTerms map query terms to the state they name.
var stateTerms = map[string]models.ShipmentState{
	"delivered":   models.ShipmentStateDelivered,
	"entregado":   models.ShipmentStateDelivered,
	"entregados":  models.ShipmentStateDelivered,
	"entregada":   models.ShipmentStateDelivered,
	"pending":     models.ShipmentStatePending,
	"pendiente":   models.ShipmentStatePending,
	"pendientes":  models.ShipmentStatePending,
	"in transit":  models.ShipmentStateInTransit,
	"en transito": models.ShipmentStateInTransit,
	"en camino":   models.ShipmentStateInTransit,
	"cancelled":   models.ShipmentStateCancelled,
	"canceled":    models.ShipmentStateCancelled,
	"cancelado":   models.ShipmentStateCancelled,
	"cancelados":  models.ShipmentStateCancelled,
}

// categoryTerms map query terms to the product category they name.
var categoryTerms = map[string]models.ProductCategory{
	"electronics":     models.ProductCategoryElectronics,
	"electronicos":    models.ProductCategoryElectronics,
	"electronica":     models.ProductCategoryElectronics,
	"laptop":          models.ProductCategoryElectronics,
	"celular":         models.ProductCategoryElectronics,
	"phone":           models.ProductCategoryElectronics,
	"clothing":        models.ProductCategoryClothing,
	"ropa":            models.ProductCategoryClothing,
	"clothes":         models.ProductCategoryClothing,
	"home items":      models.ProductCategoryHome,
	"articulos hogar": models.ProductCategoryHome,
	"hogar":           models.ProductCategoryHome,
	"sports":          models.ProductCategorySports,
	"sports goods":    models.ProductCategorySports,
	"deportes":        models.ProductCategorySports,
	"deportivos":      models.ProductCategorySports,
}

// cityTerms map city names to their province.
var cityTerms = map[string]string{
	"quito":         "pichincha",
	"guayaquil":     "guayas",
	"cuenca":        "azuay",
	"ambato":        "tungurahua",
	"manta":         "manabi",
	"portoviejo":    "manabi",
	"loja":          "loja",
	"machala":       "el oro",
	"ibarra":        "imbabura",
	"riobamba":      "chimborazo",
	"santo domingo": "santo domingo de los tsachilas",
}

// synonyms are appended to the expanded text for recall. Keys are normalized terms.
var synonyms = map[string][]string{
	"delivered":   {"entregado", "received"},
	"entregado":   {"delivered", "received"},
	"entregados":  {"delivered", "received"},
	"entregada":   {"delivered", "received"},
	"pending":     {"pendiente", "waiting"},
	"pendiente":   {"pending", "waiting"},
	"pendientes":  {"pending", "waiting"},
	"in transit":  {"en transito", "shipped", "on the way"},
	"en transito": {"in transit", "shipped"},
	"en camino":   {"in transit", "shipped"},
	"cancelled":   {"cancelado", "canceled"},
	"canceled":    {"cancelled", "cancelado"},
	"cancelado":   {"cancelled", "canceled"},

	"electronics":     {"electronicos", "electronic devices"},
	"electronicos":    {"electronics", "electronic devices"},
	"electronica":     {"electronics"},
	"laptop":          {"computer", "notebook", "electronics"},
	"computadora":     {"computer", "laptop", "electronics"},
	"celular":         {"phone", "smartphone", "electronics"},
	"phone":           {"celular", "smartphone", "electronics"},
	"clothing":        {"ropa", "apparel"},
	"ropa":            {"clothing", "apparel"},
	"clothes":         {"clothing", "ropa"},
	"home items":      {"hogar", "household"},
	"hogar":           {"home items", "household"},
	"articulos hogar": {"home items", "household"},
	"sports":          {"deportes", "sporting goods"},
	"deportes":        {"sports", "sporting goods"},
	"deportivos":      {"sports", "sporting goods"},

	"heavy":   {"large", "bulky"},
	"pesado":  {"heavy", "large", "bulky"},
	"large":   {"big", "bulky"},
	"grande":  {"large", "big"},
	"light":   {"small", "lightweight"},
	"liviano": {"light", "small", "lightweight"},
	"ligero":  {"light", "small", "lightweight"},
	"small":   {"little", "compact"},
	"pequeno": {"small", "compact"},
}

var (
	thresholdRe = regexp.MustCompile(
		`(?:(weight|weighing|weighs|peso|pesa|value|valued|valor|worth|cost|costo|precio)\s+)?(?:of\s+|de\s+)?` +
			`(greater than|more than|over|above|at least|mayor a|mayor que|mas de|superior a|` +
			`less than|under|below|at most|menor a|menor que|menos de|inferior a)\s+` +
			`(\$\s*)?(\d+(?:[.,]\d+)?)\s*(kg|kgs|kilos?|kilogramos?|usd|dollars?|dolares)?`)
	nationalIDRe = regexp.MustCompile(`(?:^|\D)(\d{10})(?:\D|$)`)
)

var lowerComparators = map[string]bool{
	"less than": true, "under": true, "below": true, "at most": true,
	"menor a": true, "menor que": true, "menos de": true, "inferior a": true,
}

var valueWords = map[string]bool{
	"value": true, "valued": true, "valor": true, "worth": true, "cost": true, "costo": true, "precio": true,
}

// QueryExpander rewrites a user query for recall and extracts filter hints. It is deterministic for a
// fixed clock.
type QueryExpander struct {
	now func() time.Time
}

// ExpanderOption configures a QueryExpander.
type ExpanderOption func(*QueryExpander)

// WithClock sets the clock used for temporal hints.
func WithClock(now func() time.Time) ExpanderOption {
	return func(e *QueryExpander) {
		e.now = now
	}
}

// NewQueryExpander creates a QueryExpander.
func NewQueryExpander(opts ...ExpanderOption) *QueryExpander {
	e := &QueryExpander{now: time.Now}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Expand returns the expanded text, original terms, synonyms, filter hints and context of query.
// An empty query expands to an empty result.
func (e *QueryExpander) Expand(query string) models.ExpandedQuery {
	out := models.ExpandedQuery{
		OriginalTerms: []string{},
		AddedSynonyms: []string{},
		Context:       []string{},
	}

	normalized := canonical.Normalize(query)
	if normalized == "" {
		return out
	}

	terms := mergePhrases(strings.Fields(normalized))
	seen := make(map[string]bool, len(terms))

	for _, term := range terms {
		if stopwords[term] || seen[term] {
			continue
		}

		seen[term] = true
		out.OriginalTerms = append(out.OriginalTerms, term)
	}

	for _, term := range out.OriginalTerms {
		for _, syn := range synonyms[term] {
			if seen[syn] {
				continue
			}

			seen[syn] = true
			out.AddedSynonyms = append(out.AddedSynonyms, syn)
		}
	}

	hints := &out.SuggestedFilters
	e.attributeHints(out.OriginalTerms, hints, &out.Context)
	thresholdHints(strings.ToLower(query), hints)
	e.temporalHints(normalized, hints)

	if m := nationalIDRe.FindStringSubmatch(query); m != nil {
		id := m[1]
		hints.BuyerNationalID = &id
	}

	parts := []string{strings.TrimSpace(query)}
	if len(out.AddedSynonyms) > 0 {
		parts = append(parts, strings.Join(out.AddedSynonyms, " "))
	}

	if len(out.Context) > 0 {
		parts = append(parts, strings.Join(out.Context, " "))
	}

	out.ExpandedText = strings.Join(parts, " ")

	return out
}

// mergePhrases joins consecutive tokens that form a dictionary phrase, longest match first.
func mergePhrases(tokens []string) []string {
	out := make([]string, 0, len(tokens))

	for i := 0; i < len(tokens); {
		merged := false

		for n := min(maxPhraseWords, len(tokens)-i); n > 1; n-- {
			candidate := strings.Join(tokens[i:i+n], " ")
			if phrases[candidate] {
				out = append(out, candidate)
				i += n
				merged = true

				break
			}
		}

		if !merged {
			out = append(out, tokens[i])
			i++
		}
	}

	return out
}

// attributeHints suggests state, city, province and categories named in the terms and adds their
// indexed-text labels to context.
func (e *QueryExpander) attributeHints(terms []string, hints *models.SuggestedFilters, context *[]string) {
	addContext := func(s string) {
		if !slices.Contains(*context, s) {
			*context = append(*context, s)
		}
	}

	for _, term := range terms {
		if state, ok := stateTerms[term]; ok && hints.State == nil {
			hints.State = &state
			addContext("state " + state.Label())
		}

		if province, ok := cityTerms[term]; ok && hints.City == nil {
			city := term
			hints.City = &city
			hints.Province = &province
			addContext("city " + city)
		}

		if category, ok := categoryTerms[term]; ok && !slices.Contains(hints.Categories, category) {
			hints.Categories = append(hints.Categories, category)
			addContext("categories " + category.Label())
		}
	}
}

// thresholdHints detects "weight greater than N kg" style comparisons. Units or a leading keyword pick
// between weight and value; weight is assumed otherwise.
func thresholdHints(lower string, hints *models.SuggestedFilters) {
	lower = foldAccents(lower)

	for _, m := range thresholdRe.FindAllStringSubmatch(lower, -1) {
		keyword, comparator, dollar, number, unit := m[1], m[2], m[3], m[4], m[5]

		v, err := strconv.ParseFloat(strings.ReplaceAll(number, ",", "."), 64)
		if err != nil {
			continue
		}

		isValue := valueWords[keyword] || dollar != "" ||
			unit == "usd" || strings.HasPrefix(unit, "dollar") || unit == "dolares"
		isMax := lowerComparators[comparator]

		switch {
		case isValue && isMax:
			hints.ValueMax = &v
		case isValue:
			hints.ValueMin = &v
		case isMax:
			hints.WeightMax = &v
		default:
			hints.WeightMin = &v
		}
	}
}

// foldAccents strips the accents the threshold patterns care about without touching punctuation.
func foldAccents(s string) string {
	return strings.NewReplacer("á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ñ", "n").Replace(s)
}

// temporalHints maps relative time phrases to a date window ending now.
func (e *QueryExpander) temporalHints(normalized string, hints *models.SuggestedFilters) {
	now := e.now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	startOfMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())

	padded := " " + normalized + " "
	has := func(phrases ...string) bool {
		for _, p := range phrases {
			if strings.Contains(padded, " "+p+" ") {
				return true
			}
		}

		return false
	}

	var from, to time.Time

	switch {
	case has("today", "hoy"):
		from, to = startOfDay, now
	case has("yesterday", "ayer"):
		from, to = startOfDay.AddDate(0, 0, -1), startOfDay.Add(-time.Nanosecond)
	case has("last week", "past week", "semana pasada", "ultima semana"):
		from, to = startOfDay.AddDate(0, 0, -7), now
	case has("this week", "esta semana"):
		offset := (int(now.Weekday()) + 6) % 7
		from, to = startOfDay.AddDate(0, 0, -offset), now
	case has("last month", "past month", "mes pasado", "ultimo mes"):
		from, to = startOfMonth.AddDate(0, -1, 0), startOfMonth.Add(-time.Nanosecond)
	case has("this month", "este mes"):
		from, to = startOfMonth, now
	case has("this year", "este ano"):
		from, to = time.Date(now.Year(), 1, 1, 0, 0, 0, 0, now.Location()), now
	default:
		return
	}

	hints.DateFrom = &from
	hints.DateTo = &to
}
