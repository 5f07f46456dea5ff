package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/user/logsift/internal/types"
)

func init() {
	rootCmd.AddCommand(topicsCmd)
	topicsCmd.AddCommand(topicsListCmd, topicsCandidatesCmd, topicsConfirmCmd, topicsRejectCmd, topicsDeprecateCmd)

	topicsConfirmCmd.Flags().String("name", "", "topic name (defaults to the candidate's suggestion)")
	topicsConfirmCmd.Flags().String("description", "", "topic description (defaults to the candidate's description)")
}

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "Manage the topic vocabulary",
}

var topicsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all topics",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		a, err := buildApp(cfg, 0)
		if err != nil {
			return err
		}
		defer a.Close()

		topics, err := a.topics.List(context.Background())
		if err != nil {
			return fmt.Errorf("list topics: %w", err)
		}
		if len(topics) == 0 {
			fmt.Println("No topics yet.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tDEPRECATED\tDESCRIPTION")
		for _, t := range topics {
			desc := t.Description
			if len(desc) > 60 {
				desc = desc[:57] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%v\t%s\n", t.ID, t.Name, t.Deprecated, desc)
		}
		return w.Flush()
	},
}

var topicsCandidatesCmd = &cobra.Command{
	Use:   "candidates",
	Short: "List pending topic candidates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		a, err := buildApp(cfg, 0)
		if err != nil {
			return err
		}
		defer a.Close()

		candidates, err := a.topics.Candidates(context.Background())
		if err != nil {
			return fmt.Errorf("list candidates: %w", err)
		}
		if len(candidates) == 0 {
			fmt.Println("No pending candidates.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSUGGESTED NAME\tRECORDS\tDESCRIPTION")
		for _, c := range candidates {
			desc := c.Description
			if len(desc) > 60 {
				desc = desc[:57] + "..."
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", c.ID, c.SuggestedName, len(c.Records), desc)
		}
		return w.Flush()
	},
}

var topicsConfirmCmd = &cobra.Command{
	Use:   "confirm <candidate-id>",
	Short: "Confirm a candidate, creating its topic and linking queued records",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		a, err := buildApp(cfg, 0)
		if err != nil {
			return err
		}
		defer a.Close()

		name, _ := cmd.Flags().GetString("name")
		description, _ := cmd.Flags().GetString("description")

		topicID, err := a.orchestrator.ConfirmCandidate(context.Background(), types.CandidateID(args[0]), name, description)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Candidate %s confirmed as topic %s.\n", args[0], topicID)
		return nil
	},
}

var topicsRejectCmd = &cobra.Command{
	Use:   "reject <candidate-id>",
	Short: "Reject a pending candidate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		a, err := buildApp(cfg, 0)
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.orchestrator.RejectCandidate(context.Background(), types.CandidateID(args[0])); err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Candidate %s rejected.\n", args[0])
		return nil
	},
}

var topicsDeprecateCmd = &cobra.Command{
	Use:   "deprecate <topic-id>",
	Short: "Remove a topic from matching while keeping existing links",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		a, err := buildApp(cfg, 0)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := context.Background()
		if err := a.topics.Deprecate(ctx, types.TopicID(args[0])); err != nil {
			return err
		}
		// Records linked to the deprecated topic keep the link but get
		// flagged so a later run can reconsider them.
		entries, err := a.truth.ListByTopic(ctx, types.TopicID(args[0]))
		if err != nil {
			return fmt.Errorf("list linked records: %w", err)
		}
		for _, e := range entries {
			if _, err := a.truth.MarkNeedsReclassification(ctx, e.Identity); err != nil {
				return fmt.Errorf("flag record %s: %w", e.Identity, err)
			}
		}
		fmt.Fprintf(os.Stdout, "Topic %s deprecated; %d linked records flagged for reclassification.\n", args[0], len(entries))
		return nil
	},
}
