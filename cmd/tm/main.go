package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"taskmesh/internal/config"
	"taskmesh/internal/db"
	"taskmesh/internal/dialog"
	"taskmesh/internal/domain"
	"taskmesh/internal/engine"
	"taskmesh/internal/federation"
	"taskmesh/internal/migrate"
	"taskmesh/internal/repo"
	"taskmesh/internal/server"
	taskmeshsdk "taskmesh/sdk/go"
)

var rootCmd = &cobra.Command{
	Use:   "tm",
	Short: "Taskmesh node CLI",
	Long: `Taskmesh runs a federated task-exchange node.
Agents publish tasks, a matching engine ranks them by skill fit, and
oversized tasks either split into subtasks or gather a dialog cell that
resolves them by consensus. Nodes federate symmetrically and exchange
tasks and solutions in signed envelopes under graduated trust.`,
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("TASKMESH")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "local-agent", "agent identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(dialogCmd())
	rootCmd.AddCommand(federationCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	var nodeID string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a node workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if nodeID == "" {
				return fmt.Errorf("--node-id required")
			}
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfg := config.Default(nodeID)
			if err := cfg.Write(workspace); err != nil {
				return err
			}
			if _, err := federation.LoadOrGenerateKeypair(keyPath(workspace, cfg)); err != nil {
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
			fmt.Printf("Initialized node %s in %s\n", nodeID, workspace)
			return nil
		},
	}
	cmd.Flags().StringVar(&nodeID, "node-id", "", "unique node identifier")
	_ = cmd.MarkFlagRequired("node-id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the node: HTTP API, janitor, dialog sweep, federation loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			log, err := zap.NewProduction()
			if err != nil {
				return err
			}
			defer log.Sync()

			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			keys, err := federation.LoadOrGenerateKeypair(keyPath(workspace, cfg))
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			orch := dialog.New(e)
			gw := federation.NewGateway(e, keys, sdkDialer(), log.Named("federation"))

			authCfg := server.AuthConfig{
				JWTSecret:        cfg.Auth.JWTSecret,
				AllowAgentHeader: cfg.Auth.AllowAgentHeader,
				Logger:           log.Named("auth"),
			}
			if authCfg.JWTSecret == "" && !authCfg.AllowAgentHeader {
				return fmt.Errorf("auth.jwt_secret is required unless auth.allow_agent_header is set")
			}
			handler, err := server.New(server.Config{
				Engine:       e,
				Orchestrator: orch,
				Gateway:      gw,
				Auth:         authCfg,
			})
			if err != nil {
				return err
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				log.Info("serving", zap.String("addr", addr), zap.String("node", cfg.Node.ID))
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return srv.Shutdown(shutdownCtx)
			})
			g.Go(func() error {
				return janitorLoop(ctx, e, orch, log.Named("janitor"))
			})
			g.Go(func() error {
				err := gw.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	return cmd
}

// janitorLoop sweeps abandoned claims, expired tasks, and stalled dialogs.
func janitorLoop(ctx context.Context, e engine.Engine, orch dialog.Orchestrator, log *zap.Logger) error {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := e.RequeueExpiredClaims(ctx); err != nil {
				log.Error("requeue expired claims", zap.Error(err))
			} else if n > 0 {
				log.Info("requeued abandoned claims", zap.Int("count", n))
			}
			if n, err := e.ArchiveExpired(ctx); err != nil {
				log.Error("archive expired tasks", zap.Error(err))
			} else if n > 0 {
				log.Info("archived expired tasks", zap.Int("count", n))
			}
			if err := orch.SweepStalls(ctx); err != nil {
				log.Error("dialog stall sweep", zap.Error(err))
			}
		}
	}
}

func sdkDialer() federation.Dialer {
	return func(peer domain.FederatedAgent) federation.PeerClient {
		c := taskmeshsdk.New(peer.PeerURL, "")
		c.FederationToken = peer.OutboundToken
		return c
	}
}

func keyPath(workspace string, cfg *config.Config) string {
	p := cfg.Node.KeyPath
	if p == "" {
		p = "node.key"
	}
	if !filepath.IsAbs(p) {
		p = filepath.Join(workspace, ".taskmesh", p)
	}
	return p
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks"}
	task.AddCommand(taskPublishCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskSolveCmd())
	task.AddCommand(taskDecomposeCmd())
	task.AddCommand(taskMatchCmd())
	task.AddCommand(taskSimilarCmd())
	task.AddCommand(taskContextCmd())
	return task
}

func taskPublishCmd() *cobra.Command {
	var complexity, ttlHours int
	var categories []string
	var taskContext string
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.PublishTask(ctx, engine.TaskPublishOptions{
					AuthorID:   viper.GetString("agent-id"),
					Complexity: complexity,
					Categories: categories,
					Context:    taskContext,
					TTL:        time.Duration(ttlHours) * time.Hour,
				})
				if err != nil {
					return err
				}
				if res.MergedInto != nil {
					fmt.Printf("merged into meta-task %s\n", res.MergedInto.ID)
				}
				return printJSONOrDump(res.Task)
			})
		},
	}
	cmd.Flags().IntVar(&complexity, "complexity", 1, "complexity (1,2,3,5,8)")
	cmd.Flags().StringArrayVar(&categories, "category", []string{}, "category (repeatable)")
	cmd.Flags().StringVar(&taskContext, "context", "", "task context")
	cmd.Flags().IntVar(&ttlHours, "ttl-hours", 0, "time to live in hours (0 = default)")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSONOrDump(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Cx", "Categories", "Claimant", "Origin"})
				for _, t := range tasks {
					claimant := ""
					if t.ClaimantID != nil {
						claimant = *t.ClaimantID
					}
					tw.AppendRow(table.Row{t.ID, t.Status, t.Complexity, strings.Join(t.Categories, ","), claimant, t.OriginNode})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.AuthorID, "author", "", "author filter")
	cmd.Flags().StringVar(&f.ClaimantID, "claimant", "", "claimant filter")
	cmd.Flags().StringVar(&f.ParentID, "parent", "", "parent task id")
	cmd.Flags().StringVar(&f.Category, "category", "", "category filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrDump(t)
			})
		},
	}
	return cmd
}

func taskClaimCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a published task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ClaimTask(ctx, args[0], viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrDump(t)
			})
		},
	}
	return cmd
}

func taskSolveCmd() *cobra.Command {
	var content string
	cmd := &cobra.Command{
		Use:   "solve <id>",
		Short: "Submit a solution for a claimed task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if content == "" {
				return fmt.Errorf("--content required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.SubmitSolution(ctx, args[0], viper.GetString("agent-id"), content, nil)
				if err != nil {
					return err
				}
				fmt.Printf("accepted=%v reputation_delta=%+.3f\n", res.Accepted, res.ReputationDelta)
				return printJSONOrDump(res.Task)
			})
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "solution content")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func taskDecomposeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decompose <id>",
		Short: "Split a task into independent subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				subtasks, err := e.DecomposeTask(ctx, args[0], viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrDump(subtasks)
			})
		},
	}
	return cmd
}

func taskMatchCmd() *cobra.Command {
	var categories []string
	cmd := &cobra.Command{
		Use:   "match",
		Short: "Rank published tasks for this agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				matches, err := e.MatchTasks(ctx, viper.GetString("agent-id"), categories)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSONOrDump(matches)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Score", "ID", "Cx", "Categories"})
				for _, m := range matches {
					tw.AppendRow(table.Row{fmt.Sprintf("%.3f", m.Score), m.Task.ID, m.Task.Complexity, strings.Join(m.Task.Categories, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVar(&categories, "category", []string{}, "restrict to category (repeatable)")
	return cmd
}

func taskSimilarCmd() *cobra.Command {
	var text string
	var categories []string
	var complexity int
	cmd := &cobra.Command{
		Use:   "similar",
		Short: "Find published tasks similar to a probe",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				candidates, err := e.SimilarTasks(ctx, text, categories, complexity)
				if err != nil {
					return err
				}
				return printJSONOrDump(candidates)
			})
		},
	}
	cmd.Flags().StringVar(&text, "text", "", "probe text")
	cmd.Flags().StringArrayVar(&categories, "category", []string{}, "probe category (repeatable)")
	cmd.Flags().IntVar(&complexity, "complexity", 0, "probe complexity")
	return cmd
}

func taskContextCmd() *cobra.Command {
	var text string
	cmd := &cobra.Command{
		Use:   "context <id>",
		Short: "Show or append task context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if text != "" {
					if err := e.AppendTaskContext(ctx, args[0], viper.GetString("agent-id"), text); err != nil {
						return err
					}
				}
				entries, err := e.Repo.ListContext(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrDump(entries)
			})
		},
	}
	cmd.Flags().StringVar(&text, "append", "", "text to append before listing")
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Manage agent profiles"}
	agent.AddCommand(agentRegisterCmd())
	agent.AddCommand(agentShowCmd())
	agent.AddCommand(agentListCmd())
	return agent
}

func agentRegisterCmd() *cobra.Command {
	var skills []string
	var maxComplexity, from, to int
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register or update this agent's profile",
		Long:  "Skills are given as category:confidence pairs, e.g. --skill backend:0.9 --skill data:0.6.",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseSkills(skills)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.RegisterAgent(ctx, domain.AgentProfile{
					AgentID:       viper.GetString("agent-id"),
					Skills:        parsed,
					MaxComplexity: maxComplexity,
					AvailableFrom: from,
					AvailableTo:   to,
				})
				if err != nil {
					return err
				}
				return printJSONOrDump(p)
			})
		},
	}
	cmd.Flags().StringArrayVar(&skills, "skill", []string{}, "skill as category:confidence (repeatable)")
	cmd.Flags().IntVar(&maxComplexity, "max-complexity", 3, "complexity ceiling (1,2,3,5,8)")
	cmd.Flags().IntVar(&from, "available-from", 0, "availability window start hour (UTC)")
	cmd.Flags().IntVar(&to, "available-to", 24, "availability window end hour (UTC)")
	return cmd
}

func parseSkills(raw []string) ([]domain.Skill, error) {
	var out []domain.Skill
	for _, s := range raw {
		parts := strings.SplitN(s, ":", 2)
		skill := domain.Skill{Category: parts[0], Confidence: 1}
		if len(parts) == 2 {
			if _, err := fmt.Sscanf(parts[1], "%f", &skill.Confidence); err != nil {
				return nil, fmt.Errorf("invalid skill %q: confidence must be a number", s)
			}
		}
		out = append(out, skill)
	}
	return out, nil
}

func agentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [agent-id]",
		Short: "Show an agent profile",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := viper.GetString("agent-id")
			if len(args) == 1 {
				id = args[0]
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProfile(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrDump(p)
			})
		},
	}
	return cmd
}

func agentListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agent profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				profiles, err := e.Repo.ListProfiles(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSONOrDump(profiles)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Agent", "Reputation", "Solved", "MaxCx"})
				for _, p := range profiles {
					tw.AppendRow(table.Row{p.AgentID, fmt.Sprintf("%.3f", p.ReputationScore), p.SolvedCount, p.MaxComplexity})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func dialogCmd() *cobra.Command {
	dlg := &cobra.Command{Use: "dialog", Short: "Inspect and drive dialog cells"}
	dlg.AddCommand(dialogShowCmd())
	dlg.AddCommand(dialogMessagesCmd())
	dlg.AddCommand(dialogPostCmd())
	dlg.AddCommand(dialogConsensusCmd())
	return dlg
}

func dialogShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a dialog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.Repo.GetDialog(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrDump(d)
			})
		},
	}
	return cmd
}

func dialogMessagesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "messages <id>",
		Short: "List dialog messages in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msgs, err := e.Repo.ListMessages(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSONOrDump(msgs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Author", "Type", "Content"})
				for _, m := range msgs {
					tw.AppendRow(table.Row{m.Seq, m.AuthorID, m.Type, m.Content})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func dialogPostCmd() *cobra.Command {
	var msgType, content string
	var refs []string
	cmd := &cobra.Command{
		Use:   "post <id>",
		Short: "Post a message to a dialog",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				orch := dialog.New(e)
				m, err := orch.AppendMessage(ctx, args[0], viper.GetString("agent-id"), msgType, content, refs)
				if err != nil {
					return err
				}
				return printJSONOrDump(m)
			})
		},
	}
	cmd.Flags().StringVar(&msgType, "type", domain.MessageQuestion, "message type (question, proposal, critique, agreement)")
	cmd.Flags().StringVar(&content, "content", "", "message content")
	cmd.Flags().StringArrayVar(&refs, "ref", []string{}, "referenced message id (repeatable)")
	_ = cmd.MarkFlagRequired("content")
	return cmd
}

func dialogConsensusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consensus <id>",
		Short: "Declare consensus on the winning proposal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				orch := dialog.New(e)
				res, err := orch.DeclareConsensus(ctx, args[0], viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				fmt.Printf("proposal=%s fraction=%.2f\n", res.ProposalID, res.Fraction)
				return printJSONOrDump(res.Task)
			})
		},
	}
	return cmd
}

func federationCmd() *cobra.Command {
	fed := &cobra.Command{Use: "federation", Short: "Manage federated peers"}
	fed.AddCommand(federationConnectCmd())
	fed.AddCommand(federationStatusCmd())
	fed.AddCommand(federationReadyCmd())
	fed.AddCommand(federationTrustCmd())
	fed.AddCommand(federationSyncCmd())
	return fed
}

func federationConnectCmd() *cobra.Command {
	var url, mode string
	var categories []string
	var ceiling int
	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Handshake with a peer node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if url == "" {
				return fmt.Errorf("--url required")
			}
			return withGateway(cmd.Context(), func(ctx context.Context, gw *federation.Gateway) error {
				client := taskmeshsdk.New(url, "")
				info, err := client.Info(ctx)
				if err != nil {
					return fmt.Errorf("peer unreachable: %w", err)
				}
				resp, err := client.Connect(ctx, taskmeshsdk.ConnectRequest{
					NodeID:            gw.Engine.Config.Node.ID,
					PublicKey:         gw.Keys.PublicHex(),
					Mode:              mode,
					Categories:        categories,
					ComplexityCeiling: ceiling,
				})
				if err != nil {
					return err
				}
				fa, err := gw.AttachOutbound(ctx, domain.FederatedAgent{
					NodeID:     info.NodeID,
					PublicKey:  info.PublicKey,
					Mode:       mode,
					Categories: categories,
				}, url, resp.Token)
				if err != nil {
					return err
				}
				fmt.Printf("connected to %s (local peer record %s)\n", info.NodeID, fa.ID)
				return printJSONOrDump(fa)
			})
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "peer base URL")
	cmd.Flags().StringVar(&mode, "mode", domain.ModePull, "exchange mode (push or pull)")
	cmd.Flags().StringArrayVar(&categories, "category", []string{}, "categories to exchange (repeatable)")
	cmd.Flags().IntVar(&ceiling, "complexity-ceiling", 8, "max complexity to accept")
	return cmd
}

func federationStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List federated peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				peers, err := e.Repo.ListFederatedAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSONOrDump(peers)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Node", "Status", "Trust", "Mode", "Last Sync"})
				for _, p := range peers {
					lastSync := ""
					if p.LastSyncAt != nil {
						lastSync = *p.LastSyncAt
					}
					tw.AppendRow(table.Row{p.ID, p.NodeID, p.ConnectionStatus, p.TrustLevel, p.Mode, lastSync})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func federationReadyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ready <peer-id>",
		Short: "Mark a peer ready for exchange",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd.Context(), func(ctx context.Context, gw *federation.Gateway) error {
				fa, err := gw.MarkReady(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrDump(fa)
			})
		},
	}
	return cmd
}

func federationTrustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust <peer-id> <level>",
		Short: "Set a peer's trust level",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd.Context(), func(ctx context.Context, gw *federation.Gateway) error {
				if err := gw.Promote(ctx, args[0], args[1]); err != nil {
					return err
				}
				fa, err := gw.Engine.Repo.GetFederatedAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrDump(fa)
			})
		},
	}
	return cmd
}

func federationSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one exchange round against all peers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGateway(cmd.Context(), func(ctx context.Context, gw *federation.Gateway) error {
				gw.SyncAll(ctx)
				return nil
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var after int64
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Events.List(ctx, after, n)
				if err != nil {
					return err
				}
				return printJSONOrDump(items)
			})
		},
	}
	cmd.Flags().Int64Var(&after, "after", 0, "only events after this id")
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	return cmd
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
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func withGateway(ctx context.Context, fn func(context.Context, *federation.Gateway) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	keys, err := federation.LoadOrGenerateKeypair(keyPath(workspace, cfg))
	if err != nil {
		return err
	}
	log, err := zap.NewProduction()
	if err != nil {
		return err
	}
	defer log.Sync()
	e := engine.New(conn, cfg)
	return fn(ctx, federation.NewGateway(e, keys, sdkDialer(), log.Named("federation")))
}

func printJSONOrDump(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
