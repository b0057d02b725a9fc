package main

import (
	"fmt"
	"strings"

	"github.com/atelier-run/atelier/pkg/client"
	"github.com/spf13/cobra"
)

var (
	serverAddr string
	authToken  string
	orgID      string
)

func apiClient() *client.Client {
	return client.New(serverAddr, authToken)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Manage runs",
}

var runSubmitCmd = &cobra.Command{
	Use:   "submit [prompt]",
	Short: "Submit a new run",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		prompt := strings.Join(args, " ")
		resp, err := apiClient().Submit(orgID, prompt)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Run submitted\n  ID: %s\n  State: %s\n", resp.RunID, resp.Status)
		return nil
	},
}

var runStatusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show a run's state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		view, err := apiClient().GetRun(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("ID:      %s\n", view.ID)
		fmt.Printf("State:   %s\n", view.State)
		fmt.Printf("Cost:    $%s\n", view.Cost)
		fmt.Printf("Created: %s\n", view.CreatedAt.Format("2006-01-02 15:04:05"))
		if view.LastError != nil {
			fmt.Printf("Error:   [%s] %s\n", view.LastError.Kind, view.LastError.Message)
		}
		if view.Result != "" {
			fmt.Printf("Result:\n%s\n", view.Result)
		}
		return nil
	},
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		views, err := apiClient().ListRuns()
		if err != nil {
			return err
		}
		if len(views) == 0 {
			fmt.Println("No runs")
			return nil
		}
		fmt.Printf("%-36s  %-12s  %-10s  %s\n", "ID", "STATE", "COST", "PROMPT")
		for _, v := range views {
			prompt := v.Prompt
			if len(prompt) > 40 {
				prompt = prompt[:37] + "..."
			}
			fmt.Printf("%-36s  %-12s  $%-9s  %s\n", v.ID, v.State, v.Cost, prompt)
		}
		return nil
	},
}

var runCancelCmd = &cobra.Command{
	Use:   "cancel [run-id]",
	Short: "Cancel a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient().Cancel(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Run %s cancelled\n", resp.RunID)
		return nil
	},
}

var runRetryCmd = &cobra.Command{
	Use:   "retry [run-id]",
	Short: "Retry a failed run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		resp, err := apiClient().Retry(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Run %s queued for retry\n", resp.RunID)
		return nil
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Show server health",
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := apiClient().Health()
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	},
}

func init() {
	runCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://localhost:8420", "Server address")
	runCmd.PersistentFlags().StringVar(&authToken, "token", "", "Bearer token")
	runCmd.PersistentFlags().StringVar(&orgID, "org", "default", "Organization id")
	healthCmd.Flags().StringVar(&serverAddr, "server", "http://localhost:8420", "Server address")
	healthCmd.Flags().StringVar(&authToken, "token", "", "Bearer token")

	runCmd.AddCommand(runSubmitCmd)
	runCmd.AddCommand(runStatusCmd)
	runCmd.AddCommand(runListCmd)
	runCmd.AddCommand(runCancelCmd)
	runCmd.AddCommand(runRetryCmd)
}
