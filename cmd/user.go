package cmd

import (
	"context"
	"fmt"
	"github.com/arcward/askbot/askbot"
	"github.com/spf13/cobra"
	"io"
	"strconv"
	"time"
)

const notifyTimeout = 15 * time.Second

var premiumOff bool

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userPremiumCmd = &cobra.Command{
	Use:   "premium <user id>",
	Short: "Grant (or with --off, revoke) premium status",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		db, closeDB, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		u, err := askbot.SetUserPremium(ctx, db, args[0], !premiumOff)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s premium: %t\n", u, u.Premium)
		notifyUserUpdated(ctx, out, db, u.ID)
		return nil
	},
}

var userUsageCmd = &cobra.Command{
	Use:   "usage <user id> <n>",
	Short: "Set the number of answers a non-premium user has left",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid usage %q: %w", args[1], err)
		}

		ctx := cmd.Context()
		db, closeDB, err := openDB(ctx)
		if err != nil {
			return err
		}
		defer closeDB()

		u, err := askbot.SetUserAskUsage(ctx, db, args[0], n)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s ask usage: %d\n", u, u.AskUsage)
		notifyUserUpdated(ctx, out, db, u.ID)
		return nil
	},
}

func openDB(ctx context.Context) (askbot.DBI, func(), error) {
	db, err := askbot.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("error opening database: %w", err)
	}
	closeDB := func() {
		if sqlDB, e := db.DB(); e == nil {
			_ = sqlDB.Close()
		}
	}
	return askbot.NewDatabase(db, nil, cfg.DatabaseType == "postgres"), closeDB, nil
}

// notifyUserUpdated tells running bots to reload the user. This only
// reaches other processes with postgres.
func notifyUserUpdated(ctx context.Context, out io.Writer, db askbot.DBI, userID string) {
	notifier, err := askbot.NewDBNotifier(cfg.DatabaseType, cfg.Database, db, nil)
	if err != nil {
		fmt.Fprintf(out, "unable to notify running bots: %v\n", err)
		return
	}
	notifyCtx, cancel := context.WithTimeout(ctx, notifyTimeout)
	defer cancel()
	if notifier.UserUpdated(notifyCtx, userID) {
		fmt.Fprintln(out, "notified running bots")
		return
	}
	fmt.Fprintln(out, "running bots were not notified, restart them to pick up the change")
}

func init() {
	userPremiumCmd.Flags().BoolVar(&premiumOff, "off", false, "Revoke premium status")
	userCmd.AddCommand(userPremiumCmd, userUsageCmd)
	rootCmd.AddCommand(userCmd)
}
