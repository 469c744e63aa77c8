package migrations

// registeredMigrations accumulates every Migration an init() in this
// package (e.g. 001_initial_schema.go) registers at load time, so
// cmd/migrate never has to list migration files by hand.
var registeredMigrations []*Migration

// RegisterMigration registers a migration
func RegisterMigration(m *Migration) {
	registeredMigrations = append(registeredMigrations, m)
}

// GetRegisteredMigrations returns all registered migrations
func GetRegisteredMigrations() []*Migration {
	return registeredMigrations
}
