// libbam: a library for reading, writing, and indexing SAM/BAM files.
// Copyright (c) 2018-2024 Antony Holmes.

package sam

// An AlignmentFilter is a predicate over alignment records. Iterators
// skip records for which a filter returns false.
type AlignmentFilter func(aln *Alignment) bool

// FilterRequireFlags accepts records that have all the given FLAG bits
// set, like samtools view -f.
func FilterRequireFlags(flag uint16) AlignmentFilter {
	return func(aln *Alignment) bool { return aln.FlagEvery(flag) }
}

// FilterExcludeFlags accepts records that have none of the given FLAG
// bits set, like samtools view -F.
func FilterExcludeFlags(flag uint16) AlignmentFilter {
	return func(aln *Alignment) bool { return aln.FlagNotAny(flag) }
}

var (
	// FilterMappedReads accepts records that are mapped.
	FilterMappedReads = FilterExcludeFlags(Unmapped)

	// FilterUnmappedReads accepts records that are unmapped.
	FilterUnmappedReads = FilterRequireFlags(Unmapped)

	// FilterProperPairs accepts paired records whose aligner marked the
	// pair as properly aligned.
	FilterProperPairs = FilterRequireFlags(Multiple | Proper)

	// FilterFirstOfProperPair accepts the first read of each properly
	// aligned pair.
	FilterFirstOfProperPair = FilterRequireFlags(Multiple | Proper | First)

	// FilterPrimaryAlignments accepts records that are neither
	// secondary nor supplementary.
	FilterPrimaryAlignments = FilterExcludeFlags(Secondary | Supplementary)

	// FilterNonDuplicates accepts records not marked as duplicates.
	FilterNonDuplicates = FilterExcludeFlags(Duplicate)
)

// FilterMinimumMappingQuality accepts records whose mapping quality is
// at least the given value.
func FilterMinimumMappingQuality(mapq byte) AlignmentFilter {
	return func(aln *Alignment) bool { return aln.MAPQ >= mapq }
}

// AddREFID returns a filter that accepts every record, as a side
// effect storing its reference index in Temps. CoordinateLess and the
// coordinate sort depend on it.
func AddREFID(hdr *Header) AlignmentFilter {
	dict := hdr.dictTable()
	return func(aln *Alignment) bool {
		refid, found := dict[aln.RNAME]
		if !found {
			refid = -1
		}
		aln.SetREFID(refid)
		return true
	}
}

// ComposeFilters combines filters into one that accepts a record only
// when all of them do. Nil entries are ignored.
func ComposeFilters(filters ...AlignmentFilter) AlignmentFilter {
	return func(aln *Alignment) bool {
		for _, filter := range filters {
			if (filter != nil) && !filter(aln) {
				return false
			}
		}
		return true
	}
}
