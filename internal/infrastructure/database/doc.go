// Package database opens the service's SQLite file and keeps its schema
// current.
//
// The database holds the discovery journal. Open applies WAL mode and the
// busy timeout from config, and Migrate applies the SQL files the
// migrations package embeds:
//
//	db, err := database.Open(database.FromConfig(cfg.Database))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
//
// Migrations are additive. New columns are nullable or defaulted, and
// every .up.sql ships with a .down.sql so `graylogic-ble migrate down` can
// step back one version. Tests can open MemoryPath.
package database
