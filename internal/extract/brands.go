package extract

import (
	"sort"
	"strings"
)

// knownBrands is matched against listing titles. "VW" is deliberately
// absent; it is handled as a token so it maps to Volkswagen.
var knownBrands = []string{
	"Alfa Romeo", "Audi", "BMW", "Chevrolet", "Citroën", "Dacia", "Fiat",
	"Ford", "Honda", "Hyundai", "Jaguar", "Jeep", "Kia", "Land Rover",
	"Lexus", "Mazda", "Mercedes-Benz", "Mercedes", "Mini", "Mitsubishi",
	"Nissan", "Opel", "Peugeot", "Porsche", "Renault", "Seat", "Skoda",
	"Smart", "Subaru", "Suzuki", "Tesla", "Toyota", "Volkswagen", "Volvo",
}

// brandsByLength orders the catalog longest first so "Mercedes-Benz" wins
// over "Mercedes".
var brandsByLength = func() []string {
	b := append([]string(nil), knownBrands...)
	sort.SliceStable(b, func(i, j int) bool {
		return len([]rune(b[i])) > len([]rune(b[j]))
	})
	return b
}()

func brandInTitle(title string) (string, bool) {
	lower := strings.ToLower(title)
	for _, b := range brandsByLength {
		if strings.Contains(lower, strings.ToLower(b)) {
			return b, true
		}
	}
	return "", false
}

func hasVWToken(title string) bool {
	for _, f := range strings.FieldsFunc(strings.ToLower(title), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	}) {
		if f == "vw" {
			return true
		}
	}
	return false
}

func catalogBrand(word string) (string, bool) {
	for _, b := range knownBrands {
		if strings.EqualFold(word, b) {
			return b, true
		}
	}
	return "", false
}
