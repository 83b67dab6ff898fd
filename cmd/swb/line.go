package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rgalvao/switchboard/internal/alert"
	"github.com/rgalvao/switchboard/internal/channel/gateway"
	"github.com/rgalvao/switchboard/internal/config"
	"github.com/rgalvao/switchboard/internal/db"
	"github.com/rgalvao/switchboard/internal/dispatch"
	"github.com/rgalvao/switchboard/internal/models"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func newLineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "line",
		Short: "Manage provider lines",
	}

	cmd.AddCommand(newLineAddCmd())
	cmd.AddCommand(newLineListCmd())
	cmd.AddCommand(newLineBanCmd())
	return cmd
}

func newLineAddCmd() *cobra.Command {
	var (
		configPath string
		number     string
		channelID  string
		segmentID  uint
		dailyCap   int
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a provider line",
		Long:  "Registers a line and prompts for its provider credential. The credential is read from the terminal without echo.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLineAdd(cmd, configPath, number, channelID, segmentID, dailyCap)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	cmd.Flags().StringVar(&number, "number", "", "line phone number")
	cmd.Flags().StringVar(&channelID, "channel-id", "", "provider channel identifier")
	cmd.Flags().UintVar(&segmentID, "segment", 0, "segment the line serves")
	cmd.Flags().IntVar(&dailyCap, "daily-cap", 0, "daily send cap (0 uses the desk default)")
	cmd.MarkFlagRequired("number")
	cmd.MarkFlagRequired("channel-id")
	return cmd
}

func runLineAdd(cmd *cobra.Command, configPath, number, channelID string, segmentID uint, dailyCap int) error {
	out := cmd.OutOrStdout()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return err
	}

	fmt.Fprint(out, "Provider credential: ")
	credential, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(out)
	if err != nil {
		return fmt.Errorf("read credential: %w", err)
	}

	line := models.Line{
		Number:     number,
		SegmentID:  segmentID,
		Status:     models.LineActive,
		ChannelID:  channelID,
		Credential: string(credential),
		DailyCap:   dailyCap,
	}
	if err := gormDB.Create(&line).Error; err != nil {
		return fmt.Errorf("create line: %w", err)
	}
	fmt.Fprintf(out, "Line %d registered (%s, channel %s)\n", line.ID, line.Number, line.ChannelID)
	return nil
}

func newLineListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List provider lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLineList(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

func runLineList(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return err
	}

	var lines []models.Line
	if err := gormDB.Order("id").Find(&lines).Error; err != nil {
		return fmt.Errorf("list lines: %w", err)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNUMBER\tSEGMENT\tSTATUS\tCHANNEL\tDAILY CAP")
	for _, l := range lines {
		dailyCap := "default"
		if l.DailyCap > 0 {
			dailyCap = fmt.Sprintf("%d", l.DailyCap)
		}
		fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n", l.ID, l.Number, l.SegmentID, l.Status, l.ChannelID, dailyCap)
	}
	return w.Flush()
}

func newLineBanCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "ban <line-id>",
		Short: "Ban a line and migrate its conversations",
		Long:  "Marks the line banned and moves its active conversations to a replacement line in the same segment, if one exists.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLineBan(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "switchboard.yaml", "path to Switchboard config file")
	return cmd
}

func runLineBan(cmd *cobra.Command, configPath, arg string) error {
	out := cmd.OutOrStdout()

	var id uint
	if _, err := fmt.Sscanf(arg, "%d", &id); err != nil {
		return fmt.Errorf("invalid line id %q", arg)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	gormDB, err := db.Connect(cfg.DB)
	if err != nil {
		return err
	}

	adapter := gateway.New(cfg.Provider)
	defer adapter.Close()

	d, err := dispatch.New(dispatch.Opts{
		DB:      gormDB,
		Adapter: adapter,
		Alerts:  alert.NewManager(nil),
	})
	if err != nil {
		return err
	}

	migrated, err := d.BanLine(id)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Line %d banned; %d conversation rows migrated\n", id, migrated)
	return nil
}
