package content

import "maps"

// declared holds the built-in text of editable slots by page, keyed like
// Store.GetValue. It shows until an editor saves the slot.
var declared = map[string]map[string]string{
	"home": {
		"hero.title":    "Prenez soin de vos équipes",
		"hero.subtitle": "Des box bien-être et un suivi de la qualité de vie au travail.",
		"cta.contact":   "Nous contacter",
	},
	"about": {
		"team.title": "Notre équipe",
	},
	"contact": {
		"form.intro": "Une question sur nos offres ? Écrivez-nous.",
	},
}

// Defaults returns the declared defaults of page. The map is a copy.
func Defaults(page string) map[string]string {
	return maps.Clone(declared[page])
}
