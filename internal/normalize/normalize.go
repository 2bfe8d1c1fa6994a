// Package normalize maps raw, loosely-typed API records onto the four fixed
// table shapes.
//
// Normalization never fails. Records that do not belong to a category, or
// that lack a usable uniqueName, are dropped; fields with a missing or
// unexpected shape take their declared default. Records are not deduplicated
// here: when a uniqueName repeats, the first statement to run wins at load time.
package normalize

import (
	"fmt"
	"strings"

	"wfbase/wfetl/internal/fetch"
)

// Result is the outcome of normalizing one category
type Result struct {
	Category Category
	Records  []Record
	Dropped  int // raw records filtered out or missing identity
}

// Normalize dispatches to the category's normalizer
func Normalize(c Category, raws []fetch.RawRecord) (Result, error) {
	var records []Record
	switch c {
	case CategoryWarframe:
		records = toRecords(Warframes(raws))
	case CategoryWeapon:
		records = toRecords(Weapons(raws))
	case CategoryMod:
		records = toRecords(Mods(raws))
	case CategoryArcane:
		records = toRecords(Arcanes(raws))
	default:
		return Result{}, fmt.Errorf("unknown category %q", c)
	}
	return Result{Category: c, Records: records, Dropped: len(raws) - len(records)}, nil
}

// Warframes keeps records classified as Warframes that carry a health attribute.
// Skins and helmets share the classification but have no stats.
func Warframes(raws []fetch.RawRecord) []Warframe {
	out := make([]Warframe, 0, len(raws))
	for _, r := range raws {
		if r.Category() != "Warframes" && r["type"] != "Warframe" {
			continue
		}
		if !hasKey(r, "health") {
			continue
		}
		key, ok := uniqueName(r)
		if !ok {
			continue
		}
		out = append(out, Warframe{
			UniqueName:  key,
			Name:        stringField(r, "name"),
			Armor:       numberField(r, "armor"),
			Health:      numberField(r, "health"),
			Shields:     numberField(r, "shield"),
			Energy:      numberField(r, "power"),
			SprintSpeed: numberField(r, "sprint"),
			RawJson:     rawJSON(r),
		})
	}
	return out
}

var weaponTypes = map[string]bool{"Primary": true, "Secondary": true, "Melee": true}

// Weapons keeps Primary, Secondary and Melee records
func Weapons(raws []fetch.RawRecord) []Weapon {
	out := make([]Weapon, 0, len(raws))
	for _, r := range raws {
		category := r.Category()
		if !weaponTypes[category] {
			continue
		}
		key, ok := uniqueName(r)
		if !ok {
			continue
		}
		impact, puncture, slash := damageValues(r)
		out = append(out, Weapon{
			UniqueName:     key,
			Name:           stringField(r, "name"),
			Type:           category,
			MasteryRank:    intField(r, "masteryReq"),
			Impact:         impact,
			Puncture:       puncture,
			Slash:          slash,
			CritChance:     numberField(r, "critChance"),
			CritMultiplier: numberField(r, "critMult"),
			StatusChance:   numberField(r, "procChance"),
			FireRate:       numberField(r, "fireRate"),
			MagazineSize:   intField(r, "magazineSize"),
			ReloadTime:     numberField(r, "reloadTime"),
			Multishot:      numberField(r, "multishot"),
			RawJson:        rawJSON(r),
		})
	}
	return out
}

// damageValues extracts per-hit physical damage.
//
// The source is inconsistent across item types and schema versions: "damage"
// is usually a mapping keyed by damage type, older records carry
// "damagePerShot" instead, and either may be a positional list. Only mapping
// shapes are read; "damagePerShot" is consulted only when "damage" is present
// but not a mapping. A record with no "damage" key at all yields 0.0, as does
// anything unusable.
func damageValues(r fetch.RawRecord) (impact, puncture, slash float64) {
	damage, ok := asMap(r["damage"])
	if !ok && hasKey(r, "damage") {
		damage, ok = asMap(r["damagePerShot"])
	}
	if !ok {
		return 0, 0, 0
	}
	return damageComponent(damage, "impact"), damageComponent(damage, "puncture"), damageComponent(damage, "slash")
}

func damageComponent(damage map[string]any, name string) float64 {
	v, ok := lookupFold(damage, name)
	if !ok {
		return 0
	}
	f, ok := toFloat(v)
	if !ok || f < 0 {
		return 0
	}
	return f
}

// Mods keeps records classified as Mods
func Mods(raws []fetch.RawRecord) []Mod {
	out := make([]Mod, 0, len(raws))
	for _, r := range raws {
		if r.Category() != "Mods" {
			continue
		}
		key, ok := uniqueName(r)
		if !ok {
			continue
		}
		out = append(out, Mod{
			UniqueName: key,
			Name:       stringField(r, "name"),
			ModType:    stringField(r, "type"),
			Polarity:   stringField(r, "polarity"),
			MaxRank:    intField(r, "fusionLimit"),
			RawJson:    rawJSON(r),
		})
	}
	return out
}

// Arcanes keeps records classified as Arcanes
func Arcanes(raws []fetch.RawRecord) []Arcane {
	out := make([]Arcane, 0, len(raws))
	for _, r := range raws {
		if r.Category() != "Arcanes" {
			continue
		}
		key, ok := uniqueName(r)
		if !ok {
			continue
		}
		out = append(out, Arcane{
			UniqueName: key,
			Name:       stringField(r, "name"),
			ItemType:   stringField(r, "type"),
			MaxRank:    arcaneMaxRank(r),
			RawJson:    rawJSON(r),
		})
	}
	return out
}

// arcaneMaxRank derives the top rank from levelStats, which holds one entry
// per rank starting at the unranked base (rank 0).
func arcaneMaxRank(r fetch.RawRecord) int {
	stats, ok := r["levelStats"].([]any)
	if !ok || len(stats) == 0 {
		return 0
	}
	return len(stats) - 1
}

// Summary formats a one-line count for log output
func (r Result) Summary() string {
	return fmt.Sprintf("%s: %d kept, %d dropped", strings.ToLower(r.Category.Table()), len(r.Records), r.Dropped)
}
