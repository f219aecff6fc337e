package cache

import "github.com/atelierops/pipewatch/pkg/model"

// invalidationRules maps a change classification to the source-backed keys
// it clears. The derived alerts key is appended by rulesFor whenever any of
// its inputs is cleared.
var invalidationRules = map[model.Classification][]Key{
	model.ClassSpendSource:      {KeySpend},
	model.ClassHealthSource:     {KeyHealth},
	model.ClassSmokeTestSource:  {KeyTests},
	model.ClassTestResultSource: {KeyTests},
}

// rulesFor resolves a classification to the full set of keys to clear.
func rulesFor(class model.Classification) []Key {
	base, ok := invalidationRules[class]
	if !ok {
		return nil
	}
	keys := make([]Key, 0, len(base)+1)
	keys = append(keys, base...)
	for _, k := range base {
		if isDependency(k, KeyAlerts) {
			keys = append(keys, KeyAlerts)
			break
		}
	}
	return keys
}

// isDependency reports whether dep is an input of derived.
func isDependency(dep, derived Key) bool {
	for _, d := range dependencies[derived] {
		if d == dep {
			return true
		}
	}
	return false
}
