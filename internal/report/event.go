package report

// Kind says which counter an Event feeds.
type Kind int

const (
	// KindRecords counts base-copied records.
	KindRecords Kind = iota
	// KindLinks counts backfilled records.
	KindLinks
	// KindErrors carries an error tally.
	KindErrors
)

func (k Kind) String() string {
	switch k {
	case KindRecords:
		return "records"
	case KindLinks:
		return "links"
	case KindErrors:
		return "errors"
	}
	return "unknown"
}

// Event is one progress fact about a table. Done events mark that one
// consumer of the table finished the records or links pass.
type Event struct {
	Table  string
	Kind   Kind
	Count  int
	Errors map[string]int
	Done   bool
}

// Records reports n base-copied records.
func Records(table string, n int) Event {
	return Event{Table: table, Kind: KindRecords, Count: n}
}

// Links reports n backfilled records.
func Links(table string, n int) Event {
	return Event{Table: table, Kind: KindLinks, Count: n}
}

// Errors reports a tally of failures by code.
func Errors(table string, tally map[string]int) Event {
	return Event{Table: table, Kind: KindErrors, Errors: tally}
}

// RecordsDone marks one consumer as finished with the base copy.
func RecordsDone(table string) Event {
	return Event{Table: table, Kind: KindRecords, Done: true}
}

// LinksDone marks one consumer as finished with the backfill.
func LinksDone(table string) Event {
	return Event{Table: table, Kind: KindLinks, Done: true}
}
