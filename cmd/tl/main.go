package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"treeline/internal/config"
	"treeline/internal/db"
	"treeline/internal/domain"
	"treeline/internal/engine"
	"treeline/internal/hierarchy"
	"treeline/internal/migrate"
	"treeline/internal/repo"
	"treeline/internal/server"
	treelinesdk "treeline/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Treeline CLI",
	Long: `Treeline fetches epic hierarchies from an issue tracker and extracts
acceptance criteria from their descriptions.

- Workspace: a .treeline directory holding the local tracker database.
- Issues: epics and stories with parent links, epic links, and typed links.
- Tree: 'tl tree <key>' walks the hierarchy below an epic, following
  parent fields, epic links, and issue links, with cycle detection.
- Criteria: 'tl criteria <key>' aggregates acceptance criteria across
  the whole tree.
- Event log: diary of changes, view with 'tl log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TREELINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("verbose", false, "verbose logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(issueCmd())
	rootCmd.AddCommand(treeCmd())
	rootCmd.AddCommand(criteriaCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(authCmd())
}

func issueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Manage issues in the local tracker",
	}
	cmd.AddCommand(issueCreateCmd())
	cmd.AddCommand(issueShowCmd())
	cmd.AddCommand(issueListCmd())
	cmd.AddCommand(issueLinkCmd())
	cmd.AddCommand(issueDeleteCmd())
	return cmd
}

func issueCreateCmd() *cobra.Command {
	var key, summary, description, status, parent, epic string
	var labels []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an issue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if summary == "" {
				return fmt.Errorf("--summary required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				is, err := e.CreateIssue(ctx, engine.IssueCreateOptions{
					Key:         key,
					Summary:     summary,
					Description: description,
					Status:      status,
					Labels:      labels,
					ParentKey:   parent,
					EpicLink:    epic,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(is)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "issue key (assigned when empty)")
	cmd.Flags().StringVar(&summary, "summary", "", "issue summary")
	cmd.Flags().StringVar(&description, "description", "", "issue description")
	cmd.Flags().StringVar(&status, "status", "", "open|in_progress|done|closed")
	cmd.Flags().StringVar(&parent, "parent", "", "parent issue key")
	cmd.Flags().StringVar(&epic, "epic", "", "epic link key")
	cmd.Flags().StringSliceVar(&labels, "label", nil, "labels")
	return cmd
}

func issueShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Show an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				is, err := r.GetIssue(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(is)
			})
		},
	}
	return cmd
}

func issueListCmd() *cobra.Command {
	var status, parent string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List issues",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListIssues(ctx, repo.IssueFilters{Status: status, ParentKey: parent, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Summary", "Status", "Parent", "Epic"})
				for _, is := range items {
					tw.AppendRow(table.Row{is.Key, is.Summary, is.Status, deref(is.ParentKey), deref(is.EpicLink)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().StringVar(&parent, "parent", "", "parent key filter")
	cmd.Flags().IntVar(&limit, "limit", 0, "max rows")
	return cmd
}

func issueLinkCmd() *cobra.Command {
	var linkType string
	cmd := &cobra.Command{
		Use:   "link <source-key> <target-key>",
		Short: "Link two issues",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				link, err := e.LinkIssues(ctx, args[0], args[1], linkType, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(link)
			})
		},
	}
	cmd.Flags().StringVar(&linkType, "type", "parent of", "link type")
	return cmd
}

func issueDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete an issue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteIssue(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func treeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tree <root-key>",
		Short: "Fetch and print an epic hierarchy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fetcher, err := newFetcher(cmd)
			if err != nil {
				return err
			}
			res := fetcher.FetchHierarchy(cmd.Context(), args[0])
			if viper.GetBool("json") {
				return printJSON(res)
			}
			if res.Root != nil {
				fmt.Printf("%s [%s] %s\n", res.Root.Key, res.Root.Status, res.Root.Summary)
				for i, c := range res.Root.Children {
					printEpicTree(c, "", i == len(res.Root.Children)-1)
				}
			}
			printResultStats(res)
			return nil
		},
	}
	addFetchFlags(cmd)
	return cmd
}

func criteriaCmd() *cobra.Command {
	var merge bool
	cmd := &cobra.Command{
		Use:   "criteria <root-key>",
		Short: "Extract acceptance criteria across a hierarchy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fetcher, err := newFetcher(cmd)
			if err != nil {
				return err
			}
			res := fetcher.FetchHierarchy(cmd.Context(), args[0])
			criteria := res.Criteria
			if merge {
				criteria = hierarchy.MergeDuplicates(criteria)
			}
			if viper.GetBool("json") {
				return printJSON(criteria)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"ID", "Criterion", "Source"})
			for _, c := range criteria {
				tw.AppendRow(table.Row{c.ID, c.Description, c.SourceEpic})
			}
			tw.Render()
			if len(res.Errors) > 0 {
				fmt.Printf("%d errors during fetch; run with --json for details\n", len(res.Errors))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&merge, "merge-duplicates", false, "merge near-identical criteria")
	addFetchFlags(cmd)
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default treeline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			return os.WriteFile(path, []byte(config.GenerateDefault("http://127.0.0.1:8080")), 0o644)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if cfg == nil {
				fmt.Println("no treeline.yml found; defaults in effect")
				return nil
			}
			return printJSONOrTable(cfg)
		},
	})
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn)
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("TREELINE_JWT_SECRET"),
				Logger:    newLogger(),
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Treeline API on http://%s%s (OpenAPI at %s/openapi.json)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func authCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Credentials for the HTTP API",
	}
	cmd.AddCommand(authTokenCmd())
	cmd.AddCommand(authApikeyCmd())
	return cmd
}

func authTokenCmd() *cobra.Command {
	var baseURL string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a dev JWT from a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := treelinesdk.New(baseURL)
			token, err := client.DevLogin(cmd.Context(), viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "http://127.0.0.1:8080", "tracker base URL")
	return cmd
}

func authApikeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				fmt.Printf("api key (store it now, it is not shown again): %s\n", raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key name")
	return cmd
}

// --- fetch wiring ---

func addFetchFlags(cmd *cobra.Command) {
	cmd.Flags().String("base-url", "", "tracker base URL (overrides treeline.yml)")
	cmd.Flags().Int("max-depth", 0, "maximum traversal depth")
	cmd.Flags().Int("parallel", 0, "parallel fetches per level")
	cmd.Flags().String("circular", "", "circular reference handling: warn|skip|error")
}

func newFetcher(cmd *cobra.Command) (*hierarchy.Fetcher, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	hcfg := hierarchy.DefaultConfig()
	baseURL := "http://127.0.0.1:8080"
	apiKey := os.Getenv("TREELINE_API_KEY")
	if cfg != nil {
		if cfg.Tracker.BaseURL != "" {
			baseURL = cfg.Tracker.BaseURL
		}
		if cfg.Tracker.APIKey != "" && apiKey == "" {
			apiKey = cfg.Tracker.APIKey
		}
		if cfg.Fetch.MaxDepth > 0 {
			hcfg.MaxDepth = cfg.Fetch.MaxDepth
		}
		if cfg.Fetch.ParallelFetches > 0 {
			hcfg.ParallelFetches = cfg.Fetch.ParallelFetches
		}
		if cfg.Fetch.CircularRefs != "" {
			hcfg.CircularRefHandling = hierarchy.CircularMode(cfg.Fetch.CircularRefs)
		}
		if cfg.Fetch.IncludeEpicLink != nil {
			hcfg.IncludeEpicLink = *cfg.Fetch.IncludeEpicLink
		}
		if cfg.Fetch.IncludeParentField != nil {
			hcfg.IncludeParentField = *cfg.Fetch.IncludeParentField
		}
		if cfg.Fetch.EpicLinkField != "" {
			hcfg.EpicLinkFieldID = cfg.Fetch.EpicLinkField
		}
		if cfg.Fetch.MaxResults > 0 {
			hcfg.MaxResults = cfg.Fetch.MaxResults
		}
	}
	if v, _ := cmd.Flags().GetString("base-url"); v != "" {
		baseURL = v
	}
	if cmd.Flags().Changed("max-depth") {
		hcfg.MaxDepth, _ = cmd.Flags().GetInt("max-depth")
	}
	if cmd.Flags().Changed("parallel") {
		hcfg.ParallelFetches, _ = cmd.Flags().GetInt("parallel")
	}
	if v, _ := cmd.Flags().GetString("circular"); v != "" {
		hcfg.CircularRefHandling = hierarchy.CircularMode(v)
	}
	client := treelinesdk.New(baseURL)
	client.APIKey = apiKey
	return hierarchy.NewFetcher(client, hcfg, newLogger())
}

func newLogger() *zap.Logger {
	if viper.GetBool("verbose") {
		log, _ := zap.NewDevelopment()
		return log
	}
	log, _ := zap.NewProduction()
	return log
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn))
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printEpicTree(n *hierarchy.EpicNode, prefix string, last bool) {
	connector := "├── "
	newPrefix := prefix + "│   "
	if last {
		connector = "└── "
		newPrefix = prefix + "    "
	}
	fmt.Printf("%s%s%s [%s] %s\n", prefix, connector, n.Key, n.Status, n.Summary)
	for i, c := range n.Children {
		printEpicTree(c, newPrefix, i == len(n.Children)-1)
	}
}

func printResultStats(res *hierarchy.RecursionResult) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendRow(table.Row{"Total epics", res.TotalEpics})
	tw.AppendRow(table.Row{"Max depth", res.MaxDepthReached})
	tw.AppendRow(table.Row{"Criteria", len(res.Criteria)})
	tw.AppendRow(table.Row{"Circular refs", len(res.CircularRefs)})
	tw.AppendRow(table.Row{"Errors", len(res.Errors)})
	tw.AppendRow(table.Row{"Duration", res.Duration.Round(time.Millisecond)})
	tw.Render()
	for _, c := range res.CircularRefs {
		fmt.Printf("cycle: %s\n", strings.Join(c.Path, " -> "))
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
