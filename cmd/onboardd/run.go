package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/onboardly/control-plane/pkg/models"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	requestFile string
	failOnError bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Orchestrate one onboarding request and print the result",
	Long:  `Reads an orchestration request (JSON) from --file, or stdin with "-", runs it to completion and prints the consolidated result.`,
	RunE:  runOnce,
}

var overviewCmd = &cobra.Command{
	Use:   "overview",
	Short: "Print the system overview and session list",
	RunE:  runOverview,
}

func init() {
	runCmd.Flags().StringVarP(&requestFile, "file", "f", "", "Request JSON file, - for stdin")
	runCmd.Flags().BoolVar(&failOnError, "fail", false, "Exit non-zero when the onboarding did not succeed")
	_ = runCmd.MarkFlagRequired("file")
}

func runOnce(cmd *cobra.Command, args []string) error {
	req, err := readRequest(requestFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	srv, err := newServer(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer srv.Close()
	defer srv.ShutdownFunc(ctx)

	res, err := srv.Engine.Orchestrate(ctx, req)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), res); err != nil {
		return err
	}
	log.Info().Str("session_id", res.SessionID).Bool("success", res.Success).Msg("Run finished")
	if failOnError && !res.Success {
		return fmt.Errorf("onboarding for %s did not succeed", res.EmployeeID)
	}
	return nil
}

func runOverview(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	srv, err := newServer(ctx)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer srv.Close()
	defer srv.ShutdownFunc(ctx)

	return printJSON(cmd.OutOrStdout(), map[string]interface{}{
		"overview": srv.Store.GetSystemOverview(ctx),
		"sessions": srv.Store.ListSessions(ctx),
	})
}

func readRequest(path string) (*models.OrchestrationRequest, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open request: %w", err)
		}
		defer f.Close()
		r = f
	}
	var req models.OrchestrationRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &req, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
