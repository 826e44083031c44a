package schema

import "fmt"

// Tier is the replication order class of a table.
type Tier int

const (
	// Tier1 tables have no link columns and are copied first.
	Tier1 Tier = iota + 1
	// Tier2 tables only link to tables without links.
	Tier2
	// Tier3 tables link to tables that have links themselves. They are
	// copied without those links and backfilled afterwards.
	Tier3
)

func (t Tier) String() string {
	switch t {
	case Tier1:
		return "tier1"
	case Tier2:
		return "tier2"
	case Tier3:
		return "tier3"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Tiers lists the tiers in replication order.
var Tiers = []Tier{Tier1, Tier2, Tier3}

// Plan maps every table of a schema to exactly one tier. Table order inside a
// tier follows schema order.
type Plan struct {
	Tier1 []string
	Tier2 []string
	Tier3 []string

	byTable map[string]Tier
}

// Tables returns the tables of one tier.
func (p *Plan) Tables(t Tier) []string {
	switch t {
	case Tier1:
		return p.Tier1
	case Tier2:
		return p.Tier2
	case Tier3:
		return p.Tier3
	}
	return nil
}

// TierOf returns the tier of a table. The boolean is false for unknown tables.
func (p *Plan) TierOf(table string) (Tier, bool) {
	t, ok := p.byTable[table]
	return t, ok
}

// IsTier3 reports whether the table needs a backfill pass.
func (p *Plan) IsTier3(table string) bool {
	t, ok := p.byTable[table]
	return ok && t == Tier3
}

// Len returns the number of classified tables.
func (p *Plan) Len() int {
	return len(p.byTable)
}

// Classify partitions the schema's tables into tiers.
//
// For each table, L is its number of link columns. R is accumulated over
// those link columns: for each, every table whose name matches the link
// target contributes its own link column count. L == 0 gives tier1, R == 0
// gives tier2, anything else tier3. A table linking to itself always has
// R > 0 and lands in tier3.
//
// R sums over all matching targets rather than checking each target on its
// own; only R == 0 matters, so the result equals "some target has links".
func Classify(s *Schema) *Plan {
	p := &Plan{byTable: make(map[string]Tier, len(s.Tables))}
	for _, t := range s.Tables {
		local, remote := 0, 0
		for _, c := range t.Columns {
			if !c.IsLink() {
				continue
			}
			local++
			target := c.Target()
			for _, other := range s.Tables {
				if other.Name != target {
					continue
				}
				for _, oc := range other.Columns {
					if oc.IsLink() {
						remote++
					}
				}
			}
		}

		var tier Tier
		switch {
		case local == 0:
			tier = Tier1
			p.Tier1 = append(p.Tier1, t.Name)
		case remote == 0:
			tier = Tier2
			p.Tier2 = append(p.Tier2, t.Name)
		default:
			tier = Tier3
			p.Tier3 = append(p.Tier3, t.Name)
		}
		p.byTable[t.Name] = tier
	}
	return p
}
