package fetch

// FilterByCategory keeps the items whose classification field equals category,
// in source order. The input slice is not modified.
//
// The source has no fully-populated arcanes endpoint, so arcanes are carved
// out of the generic items collection with this.
func FilterByCategory(items []RawRecord, category string) []RawRecord {
	out := make([]RawRecord, 0)
	for _, item := range items {
		if item.Category() == category {
			out = append(out, item)
		}
	}
	return out
}
