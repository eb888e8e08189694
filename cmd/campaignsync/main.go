package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/campaignsync/internal/campaign"
	"github.com/agentworkforce/campaignsync/internal/config"
	"github.com/agentworkforce/campaignsync/internal/modify"
	"github.com/agentworkforce/campaignsync/internal/realtime"
	"github.com/agentworkforce/campaignsync/internal/reconcile"
	"github.com/agentworkforce/campaignsync/internal/snapshot"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "campaignsync:", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	root, a := newRootCommand()
	defer a.shutdown()
	root.SetArgs(args)
	root.SetOut(stdout)
	return root.ExecuteContext(ctx)
}

// app carries what every subcommand needs once flags are parsed.
type app struct {
	configPath string
	verbose    bool
	overrides  config.Config

	cfg    config.Config
	logger *zap.Logger
	tokens campaign.TokenSource
	client *campaign.HTTPClient
	closer []func()
}

func newRootCommand() (*cobra.Command, *app) {
	a := &app{}
	root := &cobra.Command{
		Use:           "campaignsync",
		Short:         "Keep a local view of a campaign in sync with the backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	flags := root.PersistentFlags()
	flags.StringVar(&a.configPath, "config", "", "path to a YAML config file")
	flags.BoolVarP(&a.verbose, "verbose", "v", false, "debug logging")
	flags.StringVar(&a.overrides.APIBaseURL, "api-url", "", "backend base URL")
	flags.StringVar(&a.overrides.Token, "token", "", "bearer token")
	flags.StringVar(&a.overrides.TokenFile, "token-file", "", "file holding the bearer token; reloaded on change")
	flags.StringVar(&a.overrides.RealtimeDSN, "realtime-dsn", "", "change channel: wss://..., postgres://..., memory://")
	flags.StringVar(&a.overrides.SnapshotDSN, "snapshot-dsn", "", "snapshot store: file:///path, postgres://..., memory://")
	flags.DurationVar(&a.overrides.PollInterval, "poll-interval", 0, "poll interval while the channel is down")
	flags.DurationVar(&a.overrides.DebounceWindow, "debounce", 0, "resync debounce window")
	flags.BoolVar(&a.overrides.ResyncOnAssetChange, "resync-on-asset-change", false, "refetch after every asset event")
	flags.IntVar(&a.overrides.RequestMaxRetries, "max-retries", 0, "retries for transient backend failures")

	root.AddCommand(
		a.listCommand(),
		a.createCommand(),
		a.deleteCommand(),
		a.chatCommand(),
		a.executeCommand(),
		a.canvasCommand(),
		a.watchCommand(),
		a.modifyCommand(),
		a.snapshotCommand(),
	)
	return root, a
}

func (a *app) setup(cmd *cobra.Command) error {
	bootstrap := zap.NewNop()
	cfg, err := config.Load(a.configPath, bootstrap)
	if err != nil {
		return err
	}
	a.applyFlags(cmd, &cfg)
	if a.verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, _ := cfg.Level()
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zcfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	a.cfg = cfg
	a.logger = logger
	a.closer = append(a.closer, func() { _ = logger.Sync() })

	tokens, err := a.buildTokenSource(cmd.Context())
	if err != nil {
		return err
	}
	a.tokens = tokens
	a.client = campaign.NewHTTPClient(cfg.APIBaseURL, tokens, &http.Client{Timeout: cfg.RequestTimeout}).
		WithRetryPolicy(cfg.RetryPolicy())
	return nil
}

func (a *app) applyFlags(cmd *cobra.Command, cfg *config.Config) {
	changed := func(name string) bool { return cmd.Flags().Changed(name) }
	if changed("api-url") {
		cfg.APIBaseURL = a.overrides.APIBaseURL
	}
	if changed("token") {
		cfg.Token = a.overrides.Token
	}
	if changed("token-file") {
		cfg.TokenFile = a.overrides.TokenFile
	}
	if changed("realtime-dsn") {
		cfg.RealtimeDSN = a.overrides.RealtimeDSN
	}
	if changed("snapshot-dsn") {
		cfg.SnapshotDSN = a.overrides.SnapshotDSN
	}
	if changed("poll-interval") {
		cfg.PollInterval = a.overrides.PollInterval
	}
	if changed("debounce") {
		cfg.DebounceWindow = a.overrides.DebounceWindow
	}
	if changed("resync-on-asset-change") {
		cfg.ResyncOnAssetChange = a.overrides.ResyncOnAssetChange
	}
	if changed("max-retries") {
		cfg.RequestMaxRetries = a.overrides.RequestMaxRetries
	}
}

func (a *app) buildTokenSource(ctx context.Context) (campaign.TokenSource, error) {
	if strings.TrimSpace(a.cfg.TokenFile) == "" {
		return campaign.StaticToken(a.cfg.Token), nil
	}
	source, err := campaign.NewFileTokenSource(a.cfg.TokenFile, a.logger)
	if err != nil {
		return nil, err
	}
	if err := source.Watch(ctx); err != nil {
		_ = source.Close()
		return nil, err
	}
	a.closer = append(a.closer, func() { _ = source.Close() })
	return source, nil
}

func (a *app) shutdown() {
	for i := len(a.closer) - 1; i >= 0; i-- {
		a.closer[i]()
	}
	a.closer = nil
}

func (a *app) buildChannel() (realtime.Channel, error) {
	ch, err := realtime.BuildChannelFromDSN(a.cfg.RealtimeDSN, realtime.ChannelOptions{
		APIKey: a.cfg.RealtimeAPIKey,
		Logger: a.logger.Named("realtime"),
	})
	if err != nil {
		return nil, fmt.Errorf("realtime channel: %w", err)
	}
	if closer, ok := ch.(io.Closer); ok {
		a.closer = append(a.closer, func() { _ = closer.Close() })
	}
	return ch, nil
}

func (a *app) buildSnapshots() (snapshot.Store, error) {
	store, err := snapshot.BuildStoreFromDSN(a.cfg.SnapshotDSN)
	if err != nil {
		return nil, fmt.Errorf("snapshot store: %w", err)
	}
	if closer, ok := store.(io.Closer); ok {
		a.closer = append(a.closer, func() { _ = closer.Close() })
	}
	return store, nil
}

func (a *app) buildEngine() (*reconcile.Engine, error) {
	channel, err := a.buildChannel()
	if err != nil {
		return nil, err
	}
	snapshots, err := a.buildSnapshots()
	if err != nil {
		return nil, err
	}
	engine, err := reconcile.New(a.engineOptions(channel, snapshots))
	if err != nil {
		return nil, err
	}
	a.closer = append(a.closer, engine.Detach)
	return engine, nil
}

func (a *app) engineOptions(channel realtime.Channel, snapshots snapshot.Store) reconcile.Options {
	return reconcile.Options{
		Store:               a.client,
		Channel:             channel,
		Snapshots:           snapshots,
		Logger:              a.logger.Named("reconcile"),
		DebounceWindow:      a.cfg.DebounceWindow,
		PollInterval:        a.cfg.PollInterval,
		ResyncOnAssetChange: a.cfg.ResyncOnAssetChange,
	}
}

func (a *app) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List campaigns",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			campaigns, err := a.client.ListCampaigns(cmd.Context())
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), campaigns)
		},
	}
}

func (a *app) createCommand() *cobra.Command {
	var req campaign.CreateCampaignRequest
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a campaign from an initial prompt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			created, err := a.client.CreateCampaign(cmd.Context(), req)
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), created)
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "campaign title")
	cmd.Flags().StringVar(&req.InitialPrompt, "prompt", "", "initial prompt")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func (a *app) deleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <campaign-id>",
		Short: "Delete a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.client.DeleteCampaign(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
			return nil
		},
	}
}

func (a *app) chatCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "chat <campaign-id> <message...>",
		Short: "Send a chat message to the drafting assistant",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reply, err := a.client.SendMessage(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), reply)
		},
	}
}

func (a *app) executeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <campaign-id>",
		Short: "Confirm the draft and start generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := a.client.ConfirmExecute(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), resp)
		},
	}
}

func (a *app) canvasCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "canvas <campaign-id>",
		Short: "Print the campaign canvas",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			canvas, err := a.client.GetCanvas(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return writeYAML(cmd.OutOrStdout(), canvas)
		},
	}
}

func (a *app) watchCommand() *cobra.Command {
	var untilLoaded bool
	cmd := &cobra.Command{
		Use:   "watch <campaign-id>",
		Short: "Follow a campaign, logging every change to the local view",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := a.buildEngine()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			log := a.logger.Named("watch")
			engine.OnChange(func(st reconcile.State) {
				log.Info("campaign view changed",
					zap.String("campaign_id", st.CampaignID),
					zap.Bool("loading", st.Loading),
					zap.String("connection", string(st.ConnectionStatus)),
					zap.Int("messages", len(st.Messages)),
					zap.Int("assets", len(st.Assets)),
					zap.String("error", st.Error))
				if untilLoaded && !st.Loading {
					cancel()
				}
			})
			initial := engine.Attach(ctx, args[0])
			if initial.Error != "" && !initial.Loading {
				return errors.New(initial.Error)
			}
			<-ctx.Done()
			final := engine.State()
			engine.Detach()
			if final.Error != "" {
				return errors.New(final.Error)
			}
			if untilLoaded {
				return writeYAML(cmd.OutOrStdout(), final.Canvas())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&untilLoaded, "until-loaded", false, "print the canvas and exit after the first load")
	return cmd
}

func (a *app) modifyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "modify <campaign-id> <instruction...>",
		Short: "Request a canvas modification and wait for it to finish",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			campaignID := args[0]
			engine, err := a.buildEngine()
			if err != nil {
				return err
			}
			engine.Attach(ctx, campaignID)

			done := make(chan modify.Status, 1)
			refreshed := make(chan struct{})
			tracker, err := modify.NewTracker(modify.Options{
				Service:      a.client,
				Logger:       a.logger.Named("modify"),
				PollInterval: a.cfg.ModificationPollInterval,
				MaxAttempts:  a.cfg.ModificationMaxAttempts,
				OnUpdated: func(string) {
					defer close(refreshed)
					if err := engine.Refetch(ctx); err != nil {
						a.logger.Warn("refetch after modification failed", zap.Error(err))
					}
				},
				OnPhase: func(st modify.Status) {
					if !st.Phase.Busy() {
						select {
						case done <- st:
						default:
						}
					}
				},
			})
			if err != nil {
				return err
			}
			defer tracker.Close()

			outcome := tracker.Submit(ctx, campaignID, strings.Join(args[1:], " "))
			if outcome.Err != nil {
				return modificationError(outcome.Retry, outcome.Err)
			}
			var final modify.Status
			select {
			case final = <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			if final.Phase != modify.PhaseCompleted {
				return modificationError(final.Retry, final.Err)
			}
			select {
			case <-refreshed:
			case <-ctx.Done():
				return ctx.Err()
			}
			st := engine.State()
			if st.Error != "" {
				return errors.New(st.Error)
			}
			return writeYAML(cmd.OutOrStdout(), st.Canvas())
		},
	}
}

func (a *app) snapshotCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot <campaign-id>",
		Short: "Print the last saved view of a campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.buildSnapshots()
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("no snapshot store configured")
			}
			snap, err := store.Load(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if snap == nil {
				return fmt.Errorf("no snapshot for %s", args[0])
			}
			return writeYAML(cmd.OutOrStdout(), snap)
		},
	}
}

func modificationError(retry string, err error) error {
	if retry == "" {
		return err
	}
	return fmt.Errorf("%w (instruction: %q)", err, retry)
}

// writeYAML renders v through its JSON form so field names and embedded
// documents match what the backend returns.
func writeYAML(w io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}
