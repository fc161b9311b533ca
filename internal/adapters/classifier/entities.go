// Package classifier - entities.go extracts structured entities from
// Mexican legal documents with curated regex patterns.
package classifier

import "regexp"

var (
	expedienteRe = regexp.MustCompile(
		`(?i)(?:expediente|toca|causa|juicio|amparo)\s*(?:número|num\.?|no\.?)?\s*([\w\-/]+/\d{4}(?:/[A-Z0-9\-]+)?)`)

	folioRe = regexp.MustCompile(
		`(?i)(?:folio|registro)\s*(?:número|num\.?|no\.?)?\s+([A-Z0-9][A-Z0-9\-/]{2,})`)

	fechaTextRe = regexp.MustCompile(
		`(?i)\b\d{1,2}\s+de\s+(?:enero|febrero|marzo|abril|mayo|junio|julio|agosto|septiembre|octubre|noviembre|diciembre)\s+de\s+\d{4}\b`)

	fechaNumRe = regexp.MustCompile(`\b\d{1,2}[/\-]\d{1,2}[/\-]\d{4}\b`)

	parteRe = regexp.MustCompile(
		`(?i)(?:quejoso|quejosa|promovente|actor|actora|demandante|demandado|demandada)[:\s]+([A-ZÁÉÍÓÚÑ][^\n,;.]{2,60})`)

	articuloRe = regexp.MustCompile(`(?i)\bart[ií]culo\s+(\d+[\w.]*)`)
)

const maxPerKind = 20

// ExtractEntities pulls expediente numbers, folios, dates, parties and
// cited articles out of normalized text. Never fails; an empty map means
// nothing matched.
func ExtractEntities(text string) map[string][]string {
	out := make(map[string][]string)

	collect := func(key string, re *regexp.Regexp, group int) {
		seen := make(map[string]bool)
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			v := m[group]
			if v == "" || seen[v] {
				continue
			}
			seen[v] = true
			out[key] = append(out[key], v)
			if len(out[key]) >= maxPerKind {
				break
			}
		}
	}

	collect("expediente", expedienteRe, 1)
	collect("folio", folioRe, 1)
	collect("fecha", fechaTextRe, 0)
	collect("fecha", fechaNumRe, 0)
	collect("parte", parteRe, 1)
	collect("articulo", articuloRe, 1)

	for k, v := range out {
		if len(v) == 0 {
			delete(out, k)
		}
	}
	return out
}
