package platform

// Catalog returns the known MindMirror services. Registry seeding
// starts from this list; manifests can extend or override it.
func Catalog() []ServiceSpec {
	specs := []ServiceSpec{
		{
			Name:        "agent",
			Description: "LLM-backed coaching and insight generation over user content",
			Secrets:     []SecretRef{{Name: "openai-api-key"}},
			DependsOn:   []string{"journal", "users"},
		},
		{
			Name:        "journal",
			Description: "Journal entry capture and retrieval",
			Secrets:     []SecretRef{{Name: "database-url"}},
			OwnedTables: []string{"journal_entries"},
		},
		{
			Name:        "habits",
			Description: "Habit definitions and completion tracking",
			Secrets:     []SecretRef{{Name: "database-url"}},
			OwnedTables: []string{"habits"},
		},
		{
			Name:        "meals",
			Description: "Meal logging and nutrition records",
			Secrets:     []SecretRef{{Name: "database-url"}},
			OwnedTables: []string{"meals"},
		},
		{
			Name:        "movements",
			Description: "Movement and exercise tracking",
			Secrets:     []SecretRef{{Name: "database-url"}},
			OwnedTables: []string{"movements"},
		},
		{
			Name:        "practices",
			Description: "Scheduled practice instances and completion state",
			Secrets:     []SecretRef{{Name: "database-url"}},
			OwnedTables: []string{"practice_instances"},
		},
		{
			Name:        "users",
			Description: "Account records, auth integration, and voucher redemption",
			Secrets:     []SecretRef{{Name: "database-url"}, {Name: "supabase-service-key"}},
			OwnedTables: []string{"users", "vouchers"},
		},
	}

	for i := range specs {
		specs[i].ApplyDefaults()
	}

	return specs
}

// CatalogSpec returns the catalog entry for a service name.
func CatalogSpec(name string) (ServiceSpec, bool) {
	for _, spec := range Catalog() {
		if spec.Name == name {
			return spec, true
		}
	}
	return ServiceSpec{}, false
}
