package migrations

import (
	"database/sql"
	"log/slog"
	"strings"

	"gorm.io/gorm"
)

// legacyVoting is only used to inspect the votings table.
type legacyVoting struct {
	TallyState string
}

func (legacyVoting) TableName() string {
	return "votings"
}

// BackfillTallyState derives tally_state for rows written before the column
// existed and replaces SQL NULL JSON columns with their empty JSON form.
func BackfillTallyState(db *gorm.DB) error {
	slog.Info("running migration: backfill voting tally state")

	if !db.Migrator().HasTable(&legacyVoting{}) {
		slog.Info("migration skipped: votings table missing")
		return nil
	}
	if !db.Migrator().HasColumn(&legacyVoting{}, "tally_state") {
		if err := db.Migrator().AddColumn(&legacyVoting{}, "TallyState"); err != nil {
			slog.Error("migration failed", "step", "add tally_state", "error", err)
			return err
		}
	}

	if err := db.Exec("UPDATE votings SET tally_state = 'open' WHERE tally_state IS NULL OR tally_state = ''").Error; err != nil {
		slog.Error("migration failed", "step", "empty state", "error", err)
		return err
	}

	var rows []struct {
		ID       uint
		Tally    sql.NullString
		PostProc sql.NullString
	}
	if err := db.Raw("SELECT id, tally, post_proc FROM votings WHERE tally_state = 'open'").Scan(&rows).Error; err != nil {
		slog.Error("migration failed", "step", "scan open votings", "error", err)
		return err
	}
	for _, r := range rows {
		state := ""
		switch {
		case r.PostProc.Valid && strings.Contains(r.PostProc.String, "IDENTITY"):
			state = "postprocessed"
		case hasJSON(r.Tally):
			state = "tallied"
		}
		if state == "" {
			continue
		}
		if err := db.Exec("UPDATE votings SET tally_state = ? WHERE id = ?", state, r.ID).Error; err != nil {
			slog.Error("migration failed", "step", "derive state", "id", r.ID, "error", err)
			return err
		}
		slog.Info("derived tally state", "id", r.ID, "state", state)
	}

	for _, stmt := range []string{
		"UPDATE votings SET tally = 'null' WHERE tally IS NULL",
		"UPDATE votings SET post_proc = '{}' WHERE post_proc IS NULL",
	} {
		if err := db.Exec(stmt).Error; err != nil {
			slog.Error("migration failed", "step", "fill null json", "error", err)
			return err
		}
	}
	return nil
}

func hasJSON(s sql.NullString) bool {
	v := strings.TrimSpace(s.String)
	return s.Valid && v != "" && v != "null"
}
