package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"codecollab/pkg/domain"
	"codecollab/pkg/store"
)

type cli struct {
	open       opener
	configPath string
	backend    string
}

func newRootCmd(open opener) *cobra.Command {
	c := &cli{open: open}
	root := &cobra.Command{
		Use:   "collabctl",
		Short: "Operator tool for realtime chat projects",
		Long: `collabctl manages projects and their members and reads chat history
directly from the storage backend used by the realtime service.

Examples:
  collabctl project create --name demo --member u-alice --member u-bob
  collabctl project add-member 64b7f0c2a1b2c3d4e5f60718 u-carol
  collabctl history 64b7f0c2a1b2c3d4e5f60718 --json`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&c.configPath, "config", os.Getenv("CONFIG_PATH"), "Realtime config file (default config.yaml)")
	root.PersistentFlags().StringVar(&c.backend, "backend", "", "Override the storage backend: mongo, postgres or memory")

	root.AddCommand(c.projectCmd(), c.historyCmd())
	return root
}

func (c *cli) projectCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Project and membership management",
	}

	var name string
	var members []string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a project and print its id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(name) == "" {
				return fmt.Errorf("--name is required")
			}
			return c.withStores(cmd, func(ctx context.Context, projects store.ProjectStore, _ store.ChatStore) error {
				p := domain.Project{
					ID:        domain.NewProjectID(),
					Name:      strings.TrimSpace(name),
					Members:   members,
					CreatedAt: time.Now().UTC(),
				}
				if err := projects.CreateProject(ctx, p); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), p.ID)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "Project name")
	create.Flags().StringArrayVar(&members, "member", nil, "Member user id (repeatable)")

	addMember := &cobra.Command{
		Use:   "add-member <projectId> <userId>...",
		Short: "Add users to a project",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			projectID := args[0]
			if !domain.ValidProjectID(projectID) {
				return fmt.Errorf("invalid project id %q", projectID)
			}
			return c.withStores(cmd, func(ctx context.Context, projects store.ProjectStore, _ store.ChatStore) error {
				return projects.AddMembers(ctx, projectID, args[1:])
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <projectId>",
		Short: "Print a project and its members",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStores(cmd, func(ctx context.Context, projects store.ProjectStore, _ store.ChatStore) error {
				p, ok, err := projects.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return store.ErrProjectNotFound
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "id:      %s\n", p.ID)
				fmt.Fprintf(out, "name:    %s\n", p.Name)
				fmt.Fprintf(out, "created: %s\n", p.CreatedAt.Format(time.RFC3339))
				fmt.Fprintf(out, "members: %s\n", strings.Join(p.Members, ", "))
				return nil
			})
		},
	}

	cmd.AddCommand(create, addMember, show)
	return cmd
}

func (c *cli) historyCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history <projectId>",
		Short: "Print the ordered chat log of a project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withStores(cmd, func(ctx context.Context, _ store.ProjectStore, chats store.ChatStore) error {
				entries, err := chats.ListEntriesByProject(ctx, args[0])
				if err != nil {
					return err
				}
				if asJSON {
					if entries == nil {
						entries = []domain.ChatEntry{}
					}
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					return enc.Encode(entries)
				}
				return printHistory(cmd.OutOrStdout(), entries)
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print entries as JSON")
	return cmd
}

func printHistory(w io.Writer, entries []domain.ChatEntry) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", e.CreatedAt.UTC().Format(time.RFC3339Nano), authorLabel(e.Author), e.Body)
	}
	return tw.Flush()
}

func authorLabel(a domain.Author) string {
	if a.Kind == domain.AuthorUser {
		if a.Email != "" {
			return a.Email
		}
		return a.UserID
	}
	return string(a.Kind)
}

func (c *cli) withStores(cmd *cobra.Command, fn func(ctx context.Context, projects store.ProjectStore, chats store.ChatStore) error) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()
	path := c.configPath
	if path == "" {
		path = "config.yaml"
	}
	stores, err := c.open(ctx, path, c.backend)
	if err != nil {
		return err
	}
	defer stores.Close(context.Background())
	return fn(ctx, stores.Projects, stores.Chats)
}
