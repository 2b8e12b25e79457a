package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/frahmantamala/library-management/internal/core/events"
	"github.com/frahmantamala/library-management/pkg/logger"
	"github.com/spf13/cobra"
)

var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Event management commands",
	Long:  `Publish auth events by hand, e.g. to sign a user out of every device`,
}

var publishEventCmd = &cobra.Command{
	Use:   "publish",
	Short: "Publish a user logged out event",
	Long:  `Publish a user logged out event. With RabbitMQ configured the event goes to the broker, otherwise the fan-out runs in this process.`,
	Run: func(cmd *cobra.Command, args []string) {
		publishLogoutEvent(eventUserID)
	},
}

var eventUserID int64

func publishLogoutEvent(userID int64) {
	if userID <= 0 {
		fmt.Fprintln(os.Stderr, "--user-id is required")
		os.Exit(1)
	}

	config, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logger.LoggerWrapper()

	deps, err := initializeDependencies(config, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.Close()

	event := events.NewUserLoggedOutEvent(userID, time.Now())
	logger.Info("publishing event", "event_type", event.EventType(), "event_id", event.EventID(), "user_id", userID)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// The in-process bus is asynchronous; run the handlers inline so the
	// command does not exit before they finish.
	if deps.Broker == nil {
		err = deps.Bus.PublishSync(ctx, event)
	} else {
		err = deps.Publisher.Publish(ctx, event)
	}
	if err != nil {
		logger.Error("failed to publish event", "error", err)
		os.Exit(1)
	}

	logger.Info("event published successfully")
}

func init() {
	publishEventCmd.Flags().Int64Var(&eventUserID, "user-id", 0, "User whose sessions are revoked")

	eventCmd.AddCommand(publishEventCmd)

	rootCmd.AddCommand(eventCmd)
}
