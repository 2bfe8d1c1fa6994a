package normalize

import (
	"encoding/json"
	"fmt"
)

// Category identifies one of the four record kinds. Its value doubles as the
// interchange file stem.
type Category string

const (
	CategoryWarframe Category = "warframes"
	CategoryWeapon   Category = "weapons"
	CategoryMod      Category = "mods"
	CategoryArcane   Category = "arcanes"
)

// Categories lists every category in pipeline order
var Categories = []Category{CategoryWarframe, CategoryWeapon, CategoryMod, CategoryArcane}

func (c Category) String() string { return string(c) }

// Table returns the destination table name
func (c Category) Table() string {
	switch c {
	case CategoryWarframe:
		return "Warframes"
	case CategoryWeapon:
		return "Weapons"
	case CategoryMod:
		return "Mods"
	case CategoryArcane:
		return "Arcanes"
	default:
		return ""
	}
}

// FileName returns the interchange file name for this category
func (c Category) FileName() string { return string(c) + ".json" }

// Record is a normalized row ready for statement synthesis.
// Columns and Values are parallel and always in table column order.
type Record interface {
	Key() string
	Columns() []string
	Values() []any
}

// Warframe is a normalized row of the Warframes table
type Warframe struct {
	UniqueName  string   `json:"UniqueName"`
	Name        *string  `json:"Name"`
	Armor       *float64 `json:"Armor"`
	Health      *float64 `json:"Health"`
	Shields     *float64 `json:"Shields"`
	Energy      *float64 `json:"Energy"`
	SprintSpeed *float64 `json:"SprintSpeed"`
	RawJson     string   `json:"RawJson"`
}

var warframeColumns = []string{"UniqueName", "Name", "Armor", "Health", "Shields", "Energy", "SprintSpeed", "RawJson"}

func (w Warframe) Key() string       { return w.UniqueName }
func (w Warframe) Columns() []string { return warframeColumns }
func (w Warframe) Values() []any {
	return []any{w.UniqueName, w.Name, w.Armor, w.Health, w.Shields, w.Energy, w.SprintSpeed, w.RawJson}
}

// Weapon is a normalized row of the Weapons table.
// Impact, Puncture and Slash are never null.
type Weapon struct {
	UniqueName     string   `json:"UniqueName"`
	Name           *string  `json:"Name"`
	Type           string   `json:"Type"` // Primary, Secondary or Melee
	MasteryRank    *int     `json:"MasteryRank"`
	Impact         float64  `json:"Impact"`
	Puncture       float64  `json:"Puncture"`
	Slash          float64  `json:"Slash"`
	CritChance     *float64 `json:"CritChance"`
	CritMultiplier *float64 `json:"CritMultiplier"`
	StatusChance   *float64 `json:"StatusChance"`
	FireRate       *float64 `json:"FireRate"`
	MagazineSize   *int     `json:"MagazineSize"`
	ReloadTime     *float64 `json:"ReloadTime"`
	Multishot      *float64 `json:"Multishot"`
	RawJson        string   `json:"RawJson"`
}

var weaponColumns = []string{
	"UniqueName", "Name", "Type", "MasteryRank", "Impact", "Puncture", "Slash",
	"CritChance", "CritMultiplier", "StatusChance", "FireRate", "MagazineSize",
	"ReloadTime", "Multishot", "RawJson",
}

func (w Weapon) Key() string       { return w.UniqueName }
func (w Weapon) Columns() []string { return weaponColumns }
func (w Weapon) Values() []any {
	return []any{
		w.UniqueName, w.Name, w.Type, w.MasteryRank, w.Impact, w.Puncture, w.Slash,
		w.CritChance, w.CritMultiplier, w.StatusChance, w.FireRate, w.MagazineSize,
		w.ReloadTime, w.Multishot, w.RawJson,
	}
}

// Mod is a normalized row of the Mods table
type Mod struct {
	UniqueName string  `json:"UniqueName"`
	Name       *string `json:"Name"`
	ModType    *string `json:"ModType"` // e.g. "Warframe Mod", "Rifle Mod"
	Polarity   *string `json:"Polarity"`
	MaxRank    *int    `json:"MaxRank"`
	RawJson    string  `json:"RawJson"`
}

var modColumns = []string{"UniqueName", "Name", "ModType", "Polarity", "MaxRank", "RawJson"}

func (m Mod) Key() string       { return m.UniqueName }
func (m Mod) Columns() []string { return modColumns }
func (m Mod) Values() []any {
	return []any{m.UniqueName, m.Name, m.ModType, m.Polarity, m.MaxRank, m.RawJson}
}

// Arcane is a normalized row of the Arcanes table
type Arcane struct {
	UniqueName string  `json:"UniqueName"`
	Name       *string `json:"Name"`
	ItemType   *string `json:"ItemType"`
	MaxRank    int     `json:"MaxRank"`
	RawJson    string  `json:"RawJson"`
}

var arcaneColumns = []string{"UniqueName", "Name", "ItemType", "MaxRank", "RawJson"}

func (a Arcane) Key() string       { return a.UniqueName }
func (a Arcane) Columns() []string { return arcaneColumns }
func (a Arcane) Values() []any {
	return []any{a.UniqueName, a.Name, a.ItemType, a.MaxRank, a.RawJson}
}

// ColumnsFor returns the column list of a category's table
func ColumnsFor(c Category) []string {
	switch c {
	case CategoryWarframe:
		return warframeColumns
	case CategoryWeapon:
		return weaponColumns
	case CategoryMod:
		return modColumns
	case CategoryArcane:
		return arcaneColumns
	default:
		return nil
	}
}

// Decode parses a processed interchange array for the given category
func Decode(c Category, data []byte) ([]Record, error) {
	switch c {
	case CategoryWarframe:
		return decodeAs[Warframe](data)
	case CategoryWeapon:
		return decodeAs[Weapon](data)
	case CategoryMod:
		return decodeAs[Mod](data)
	case CategoryArcane:
		return decodeAs[Arcane](data)
	default:
		return nil, fmt.Errorf("unknown category %q", c)
	}
}

func decodeAs[T Record](data []byte) ([]Record, error) {
	var rows []T
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("decoding processed records: %w", err)
	}
	return toRecords(rows), nil
}

func toRecords[T Record](rows []T) []Record {
	out := make([]Record, len(rows))
	for i, r := range rows {
		out[i] = r
	}
	return out
}
