package fleet

// Region is one entry in the region catalog.
type Region struct {
	ID   string
	Name string
}

// Catalog is the static list of regions the fleet may span. Order matters:
// round-robin allocation walks the catalog in order.
type Catalog struct {
	regions []Region
}

func NewCatalog(regions ...Region) *Catalog {
	return &Catalog{regions: regions}
}

func DefaultCatalog() *Catalog {
	return NewCatalog(
		Region{"us-east-1", "N. Virginia"},
		Region{"us-west-1", "N. California"},
		Region{"ap-south-1", "Mumbai"},
		Region{"ap-northeast-2", "Seoul"},
		Region{"ap-southeast-2", "Sydney"},
		Region{"ap-northeast-1", "Tokyo"},
		Region{"ca-central-1", "Canada"},
		Region{"eu-west-1", "Ireland"},
		Region{"sa-east-1", "Sao Paulo"},
		Region{"us-west-2", "Oregon"},
		Region{"us-east-2", "Ohio"},
		Region{"ap-southeast-1", "Singapore"},
		Region{"eu-west-2", "London"},
		Region{"eu-central-1", "Frankfurt"},
	)
}

func (c *Catalog) Regions() []Region { return c.regions }

func (c *Catalog) IDs() []string {
	ids := make([]string, len(c.regions))
	for i, r := range c.regions {
		ids[i] = r.ID
	}
	return ids
}

// Name returns the display name for a region, or the id itself when the
// region is not in the catalog.
func (c *Catalog) Name(id string) string {
	for _, r := range c.regions {
		if r.ID == id {
			return r.Name
		}
	}
	return id
}

// Counts distributes total instances over the catalog round-robin, one per
// region per pass, starting from the first region.
func (c *Catalog) Counts(total int) map[string]int {
	counts := map[string]int{}
	for _, r := range c.regions {
		counts[r.ID] = 0
	}
	remaining := total
	for remaining > 0 {
		for _, r := range c.regions {
			counts[r.ID]++
			remaining--
			if remaining == 0 {
				break
			}
		}
	}
	return counts
}
