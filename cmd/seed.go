package cmd

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/outboundly/campaigngw/internal/config"
	"github.com/outboundly/campaigngw/internal/db"
	"github.com/outboundly/campaigngw/internal/model"
	"github.com/outboundly/campaigngw/internal/util"
	"github.com/spf13/cobra"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the database with a demo campaign",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		sqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.PoolOpts{
			MaxOpenConns: cfg.MySQL.MaxOpenConns,
			MaxIdleConns: cfg.MySQL.MaxIdleConns,
			PingTimeout:  cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer sqlDB.Close()

		log.Println(">> Seeding demo campaign...")

		if err := seedCampaign(sqlDB); err != nil {
			return err
		}

		log.Println(">> Seed completed")
		return nil
	},
}

func seedCampaign(dbx *sqlx.DB) error {
	campaignID := util.NewULID()
	window, _ := json.Marshal(model.SendingWindow{
		StartTime: "09:00",
		EndTime:   "18:00",
		Days:      []int{1, 2, 3, 4, 5},
	})
	scheduledAt := time.Now().Add(2 * time.Minute)

	const cq = `
INSERT INTO campaigns
    (id, name, status, gateway_token, message_type, message_text,
     scheduled_at, delay_min, delay_max, randomize_order, sending_window)
VALUES
    (?,  ?,    ?,      ?,             ?,            ?,
     ?,            ?,         ?,         ?,               ?)
`
	tx, err := dbx.Beginx()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(cq,
		campaignID, "Demo launch blast", model.StatusScheduled,
		"demo-token-0123456789abcdef", model.MessageTypeText,
		"Hi {name}, our new plans are live. Reply STOP to opt out.",
		scheduledAt, 2, 6, false, window,
	); err != nil {
		return fmt.Errorf("insert campaign: %w", err)
	}

	const kq = `
INSERT INTO contacts (id, campaign_id, phone, name, variables, position)
VALUES (?, ?, ?, ?, ?, ?)
`
	demo := []struct {
		phone, name string
		vars        map[string]string
	}{
		{"+15550000001", "Alice", map[string]string{"plan": "Pro"}},
		{"+15550000002", "Bob", map[string]string{"plan": "Starter"}},
		{"+15550000003", "Carol", nil},
	}
	for i, c := range demo {
		var vars []byte
		if c.vars != nil {
			vars, _ = json.Marshal(c.vars)
		}
		if _, err := tx.Exec(kq, util.NewULID(), campaignID, c.phone, c.name, vars, i); err != nil {
			return fmt.Errorf("insert contact %q: %w", c.phone, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	log.Printf(">> campaign %s scheduled at %s", campaignID, scheduledAt.Format(time.RFC3339))
	return nil
}
