package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rgalvao/switchboard/internal/config"
	"github.com/rgalvao/switchboard/internal/db"
	"github.com/rgalvao/switchboard/internal/models"
	"github.com/spf13/cobra"
)

func newOperatorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Manage operators",
	}

	cmd.AddCommand(newOperatorAddCmd())
	cmd.AddCommand(newOperatorListCmd())
	return cmd
}

func newOperatorAddCmd() *cobra.Command {
	var (
		configPath string
		id         string
		name       string
		segmentID  uint
		role       string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register an operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperatorAdd(cmd, configPath, id, name, segmentID, role)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	cmd.Flags().StringVar(&id, "id", "", "operator identifier")
	cmd.Flags().StringVar(&name, "name", "", "operator display name")
	cmd.Flags().UintVar(&segmentID, "segment", 0, "segment the operator serves")
	cmd.Flags().StringVar(&role, "role", models.RoleOperator, "role: operator, supervisor or admin")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("name")
	return cmd
}

func runOperatorAdd(cmd *cobra.Command, configPath, id, name string, segmentID uint, role string) error {
	switch role {
	case models.RoleOperator, models.RoleSupervisor, models.RoleAdmin:
	default:
		return fmt.Errorf("invalid role %q", role)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return err
	}

	op := models.Operator{
		ID:        id,
		Name:      name,
		SegmentID: segmentID,
		Role:      role,
	}
	if err := gormDB.Create(&op).Error; err != nil {
		return fmt.Errorf("create operator: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Operator %s registered (%s, segment %d, role %s)\n", op.ID, op.Name, op.SegmentID, op.Role)
	return nil
}

func newOperatorListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List operators",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperatorList(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

func runOperatorList(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return err
	}

	var operators []models.Operator
	if err := gormDB.Order("segment_id, id").Find(&operators).Error; err != nil {
		return fmt.Errorf("list operators: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSEGMENT\tROLE\tONLINE\tLAST SEEN")
	for _, op := range operators {
		online := "no"
		if op.Online {
			online = "yes"
		}
		lastSeen := "-"
		if !op.LastSeen.IsZero() {
			lastSeen = op.LastSeen.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", op.ID, op.Name, op.SegmentID, op.Role, online, lastSeen)
	}
	return w.Flush()
}
